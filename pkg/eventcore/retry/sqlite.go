package retry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS retry_records (
	event_id TEXT NOT NULL,
	handler_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	envelope BLOB NOT NULL,
	attempt_count INTEGER NOT NULL,
	first_failed_at INTEGER NOT NULL,
	last_failed_at INTEGER NOT NULL,
	next_retry_at INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	exhausted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (event_id, handler_id)
);
CREATE INDEX IF NOT EXISTS idx_retry_records_next_retry_at ON retry_records(next_retry_at)
`

const selectColumns = `
	SELECT event_id, handler_id, event_type, envelope, attempt_count,
		first_failed_at, last_failed_at, next_retry_at, last_error, exhausted
	FROM retry_records`

// SQLiteStore persists retry records to SQLite, so pending retries survive
// a restart.
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
		return nil, fmt.Errorf("retry schema: %w", err)
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

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	envelope, err := json.Marshal(r.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retry_records (
			event_id, handler_id, event_type, envelope, attempt_count,
			first_failed_at, last_failed_at, next_retry_at, last_error, exhausted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, handler_id) DO UPDATE SET
			event_type = excluded.event_type,
			envelope = excluded.envelope,
			attempt_count = excluded.attempt_count,
			first_failed_at = excluded.first_failed_at,
			last_failed_at = excluded.last_failed_at,
			next_retry_at = excluded.next_retry_at,
			last_error = excluded.last_error,
			exhausted = excluded.exhausted
	`, r.EventID, r.HandlerID, r.EventType, envelope, r.AttemptCount,
		storage.ToNanos(r.FirstFailedAt), storage.ToNanos(r.LastFailedAt),
		storage.ToNanos(r.NextRetryAt), r.LastError, r.Exhausted)
	if err != nil {
		return fmt.Errorf("save retry record: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key Key) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE event_id = ? AND handler_id = ?
	`, key.EventID, key.HandlerID)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load retry record: %w", err)
	}
	return r, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM retry_records
		WHERE event_id = ? AND handler_id = ?
	`, key.EventID, key.HandlerID)
	if err != nil {
		return fmt.Errorf("delete retry record: %w", err)
	}
	return nil
}

// Due implements Store.
func (s *SQLiteStore) Due(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := selectColumns + `
		WHERE next_retry_at <= ?
		ORDER BY next_retry_at, event_id, handler_id`
	args := []any{storage.ToNanos(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.query(ctx, selectColumns+` ORDER BY next_retry_at, event_id, handler_id`)
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count retry records: %w", err)
	}
	return n, nil
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

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query retry records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retry records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r                            Record
		envelope                     []byte
		firstFailed, lastFailed, due int64
	)
	if err := row.Scan(&r.EventID, &r.HandlerID, &r.EventType, &envelope, &r.AttemptCount,
		&firstFailed, &lastFailed, &due, &r.LastError, &r.Exhausted); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(envelope, &r.Envelope); err != nil {
		return Record{}, fmt.Errorf("decode envelope of %s: %w", r.EventID, err)
	}
	r.FirstFailedAt = storage.FromNanos(firstFailed)
	r.LastFailedAt = storage.FromNanos(lastFailed)
	r.NextRetryAt = storage.FromNanos(due)
	return r, nil
}
