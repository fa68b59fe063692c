package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fishvault/launchgate/internal/db"
	"github.com/fishvault/launchgate/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "launchgate-test.db"))
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.NoError(t, db.ApplyMigrations(ctx, store.DB()), "apply migrations")
	return store, ctx
}

func NewPreferences(t *testing.T) (*db.Preferences, context.Context) {
	t.Helper()
	store, ctx := NewStore(t)
	return db.NewPreferences(store), ctx
}

// SeedReturningInstall marks the install as launched with a cached activation.
func SeedReturningInstall(t *testing.T, prefs *db.Preferences, ctx context.Context, url string, mode model.Mode) {
	t.Helper()
	require.NoError(t, prefs.SaveLaunchedBefore(ctx), "seed launchedBefore")
	if url != "" {
		require.NoError(t, prefs.SaveURL(ctx, url), "seed url")
	}
	require.NoError(t, prefs.SaveMode(ctx, mode), "seed mode")
}
