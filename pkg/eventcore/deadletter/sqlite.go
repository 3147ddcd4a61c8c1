package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/randalmurphal/eventcore/pkg/eventcore/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	handler_id TEXT NOT NULL,
	envelope BLOB NOT NULL,
	attempt_count INTEGER NOT NULL,
	final_error TEXT NOT NULL,
	first_failed_at INTEGER NOT NULL,
	moved_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_moved_at ON dead_letters(moved_at);
CREATE INDEX IF NOT EXISTS idx_dead_letters_event_type ON dead_letters(event_type)
`

// SQLiteStore persists dead letters to SQLite.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a store on an already open database, creating the
// table if needed. The caller keeps ownership of db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := storage.Migrate(db, schema); err != nil {
		return nil, fmt.Errorf("dead-letter schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLiteStore opens the database at path and creates a store that
// closes it on Close.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Add implements Store.
func (s *SQLiteStore) Add(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	entry = entry.withDefaults()
	envelope, err := json.Marshal(entry.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (
			id, event_id, event_type, handler_id, envelope,
			attempt_count, final_error, first_failed_at, moved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.EventID, entry.EventType, entry.HandlerID, envelope,
		entry.AttemptCount, entry.FinalError,
		storage.ToNanos(entry.FirstFailedAt), storage.ToNanos(entry.MovedAt))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, filter *Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var where []string
	var args []any
	if filter != nil {
		if filter.EventType != "" {
			where = append(where, "event_type = ?")
			args = append(args, filter.EventType)
		}
		if filter.HandlerID != "" {
			where = append(where, "handler_id = ?")
			args = append(args, filter.HandlerID)
		}
		if !filter.Since.IsZero() {
			where = append(where, "moved_at >= ?")
			args = append(args, storage.ToNanos(filter.Since))
		}
	}

	query := `
		SELECT id, event_id, event_type, handler_id, envelope,
			attempt_count, final_error, first_failed_at, moved_at
		FROM dead_letters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY moved_at, rowid"
	if limit := filter.limit(); limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e                  Entry
			envelope           []byte
			firstFailed, moved int64
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.HandlerID, &envelope,
			&e.AttemptCount, &e.FinalError, &firstFailed, &moved); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(envelope, &e.Envelope); err != nil {
			return nil, fmt.Errorf("decode envelope of %s: %w", e.ID, err)
		}
		e.FirstFailedAt = storage.FromNanos(firstFailed)
		e.MovedAt = storage.FromNanos(moved)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

// Statistics implements Store.
func (s *SQLiteStore) Statistics(ctx context.Context) (Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Statistics{}, ErrStoreClosed
	}

	stats := Statistics{
		ByEventType: make(map[string]int),
		ByHandler:   make(map[string]int),
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(moved_at), MAX(moved_at) FROM dead_letters
	`).Scan(&stats.Count, &oldest, &newest); err != nil {
		return Statistics{}, fmt.Errorf("count dead letters: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = storage.FromNanos(oldest.Int64)
	}
	if newest.Valid {
		stats.Newest = storage.FromNanos(newest.Int64)
	}

	if err := s.groupCount(ctx, "event_type", stats.ByEventType); err != nil {
		return Statistics{}, err
	}
	if err := s.groupCount(ctx, "handler_id", stats.ByHandler); err != nil {
		return Statistics{}, err
	}
	return stats, nil
}

// groupCount fills into with row counts grouped by column.
// column is always a constant from this file.
func (s *SQLiteStore) groupCount(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM dead_letters GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("group dead letters by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// Close implements Store. The database is closed only when the store
// opened it.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
