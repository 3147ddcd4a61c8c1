package storage_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcore/pkg/eventcore/storage"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS things (
	id TEXT PRIMARY KEY,
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_things_at ON things(at);
`

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "eventcore.db")

	db, err := storage.Open(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, storage.Migrate(db, testSchema))
	// Migrations are idempotent
	require.NoError(t, storage.Migrate(db, testSchema))

	_, err = db.Exec(`INSERT INTO things (id, at) VALUES (?, ?)`, "a", 1)
	require.NoError(t, err)
}

func TestOpenMemory(t *testing.T) {
	db, err := storage.Open(storage.MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, storage.Migrate(db, testSchema))

	_, err = db.Exec(`INSERT INTO things (id, at) VALUES (?, ?)`, "a", 1)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM things`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestMigrateReportsBadStatement(t *testing.T) {
	db, err := storage.Open(storage.MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	err = storage.Migrate(db, "CREATE TABLE broken (")
	assert.Error(t, err)
}

func TestNanosRoundTrip(t *testing.T) {
	assert.Equal(t, int64(0), storage.ToNanos(time.Time{}))
	assert.True(t, storage.FromNanos(0).IsZero())

	at := time.Date(2025, 6, 1, 8, 30, 0, 123456789, time.FixedZone("X", 3600))
	got := storage.FromNanos(storage.ToNanos(at))
	assert.True(t, at.Equal(got))
	assert.Equal(t, time.UTC, got.Location())
}
