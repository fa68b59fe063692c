package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishvault/launchgate/internal/config"
	"github.com/fishvault/launchgate/internal/db"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "launchgated.sock")
	cfg.DBPath = filepath.Join(dir, "state.db")
	cfg.ValidationURL = "https://gate.test/check"
	cfg.ResolveURL = "https://gate.test/resolve"
	cfg.AttributionBaseURL = "https://attr.test/api"
	cfg.AppID = "123456"
	return cfg
}

func checkNamed(t *testing.T, res Result, name string) Check {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	require.FailNow(t, "check missing", "%q not in %+v", name, res.Checks)
	return Check{}
}

func TestDoctorPassesForRunningDaemon(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig(t)

	store, err := db.Open(ctx, cfg.DBPath)
	require.NoError(t, err, "open store")
	require.NoError(t, db.ApplyMigrations(ctx, store.DB()), "apply migrations")
	_ = store.Close()

	ln, err := net.Listen("unix", cfg.SocketPath)
	require.NoError(t, err, "listen")
	defer ln.Close() //nolint:errcheck
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	res := Run(ctx, cfg)
	assert.True(t, res.OK, "checks: %+v", res.Checks)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "schema current", checkNamed(t, res, "database").Message)
}

func TestDoctorFailsWithoutEndpoints(t *testing.T) {
	cfg := baseConfig(t)
	cfg.ValidationURL = ""
	cfg.AttributionBaseURL = ""

	res := Run(context.Background(), cfg)
	assert.False(t, res.OK)
	assert.Equal(t, StatusFail, checkNamed(t, res, "validation_url").Status)
	assert.Equal(t, StatusWarn, checkNamed(t, res, "attribution_base_url").Status)
	assert.Equal(t, StatusWarn, checkNamed(t, res, "database").Status, "database not created yet")

	sock := checkNamed(t, res, "daemon_socket")
	assert.Equal(t, StatusWarn, sock.Status)
	assert.Equal(t, "daemon not running", sock.Message)
}

func TestDoctorReportsPendingMigrations(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig(t)
	store, err := db.Open(ctx, cfg.DBPath)
	require.NoError(t, err, "open store")
	_, err = store.DB().ExecContext(ctx, `CREATE TABLE scratch (x INTEGER)`)
	require.NoError(t, err)
	_ = store.Close()

	c := checkNamed(t, Run(ctx, cfg), "database")
	assert.Equal(t, StatusWarn, c.Status)
	assert.Equal(t, "2 migrations pending", c.Message)
}

func TestDoctorRejectsRegularFileAtSocketPath(t *testing.T) {
	cfg := baseConfig(t)
	require.NoError(t, os.WriteFile(cfg.SocketPath, []byte("x"), 0o600))

	res := Run(context.Background(), cfg)
	assert.False(t, res.OK)
	assert.Equal(t, StatusFail, checkNamed(t, res, "daemon_socket").Status)
}

func TestCheckEndpoint(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"", StatusFail},
		{"gate.test/check", StatusFail},
		{"ftp://gate.test", StatusFail},
		{"http://gate.test", StatusWarn},
		{"https://gate.test", StatusPass},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, checkEndpoint("validation_url", tc.raw, StatusFail).Status, "raw=%q", tc.raw)
	}
}

func TestCheckReachAddress(t *testing.T) {
	assert.Equal(t, StatusFail, checkReachAddress("example.test").Status, "missing port")
	assert.Equal(t, StatusPass, checkReachAddress("example.test:443").Status)
}
