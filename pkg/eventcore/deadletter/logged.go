package deadletter

import (
	"context"
	"encoding/json"
	"log/slog"
)

// LoggedStore wraps a Store so that a failed Add leaves a complete record
// in the logs. The error is still returned.
type LoggedStore struct {
	Store
	logger *slog.Logger
}

// Logged wraps store. A nil logger returns store unchanged.
func Logged(store Store, logger *slog.Logger) Store {
	if logger == nil {
		return store
	}
	return &LoggedStore{Store: store, logger: logger}
}

// Add implements Store.
func (s *LoggedStore) Add(ctx context.Context, entry Entry) error {
	err := s.Store.Add(ctx, entry)
	if err == nil {
		return nil
	}

	envelope, mErr := json.Marshal(entry.Envelope)
	if mErr != nil {
		envelope = []byte(`null`)
	}
	s.logger.Error("dead-letter write failed",
		slog.String("event_id", entry.EventID),
		slog.String("event_type", entry.EventType),
		slog.String("handler_id", entry.HandlerID),
		slog.Int("attempts", entry.AttemptCount),
		slog.String("final_error", entry.FinalError),
		slog.Time("first_failed_at", entry.FirstFailedAt),
		slog.String("envelope", string(envelope)),
		slog.String("error", err.Error()),
	)
	return err
}
