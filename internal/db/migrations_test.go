package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	require.NoError(t, err, "open sqlite")
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	require.NoError(t, ApplyMigrations(ctx, db))
	// Second apply must be a no-op.
	require.NoError(t, ApplyMigrations(ctx, db))

	mustExist := []string{"schema_migrations", "preferences", "preference_history"}
	for _, table := range mustExist {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}

	require.NoError(t, RollbackAll(ctx, db))

	for _, table := range mustExist {
		var count int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count)
		require.NoError(t, err)
		assert.Zero(t, count, "table %s still exists after rollback", table)
	}
}

func TestPreferenceKeyConstraint(t *testing.T) {
	db, ctx := openTempDB(t)
	require.NoError(t, ApplyMigrations(ctx, db))
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.ExecContext(ctx, `INSERT INTO preferences(pref_key, pref_value, updated_at) VALUES('', 'x', ?)`, now)
	assert.Error(t, err, "empty key violates the check constraint")
	_, err = db.ExecContext(ctx, `INSERT INTO preference_history(pref_key, op, recorded_at) VALUES('k', 'bogus', ?)`, now)
	assert.Error(t, err, "unknown op violates the check constraint")
}

func TestPendingMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	pending, err := PendingMigrations(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), pending)

	require.NoError(t, ApplyMigrations(ctx, db))
	pending, err = PendingMigrations(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestOpenReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ro.db")
	rw, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, ApplyMigrations(ctx, rw.DB()))
	_ = rw.Close()

	ro, err := OpenReadOnly(ctx, path)
	require.NoError(t, err)
	defer ro.Close() //nolint:errcheck
	assert.Error(t, ro.Set(ctx, "mode", "Active"))
}
