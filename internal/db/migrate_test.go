package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationsDir() string {
	return filepath.Join("..", "..", "migrations")
}

// openTestDB opens a database without the inline schema, the way the binary
// does before it migrates.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateUpAndVersion(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.MigrateUp(migrationsDir()))
	version, dirty, err := db.MigrateVersion(migrationsDir())
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	// Re-running is a no-op.
	require.NoError(t, db.MigrateUp(migrationsDir()))
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.MigrateUp(migrationsDir()))
	require.NoError(t, db.MigrateDown(migrationsDir()))

	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='trip_events'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
