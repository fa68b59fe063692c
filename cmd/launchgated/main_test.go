package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fishvault/launchgate/internal/api"
	"github.com/fishvault/launchgate/internal/appclient"
	"github.com/fishvault/launchgate/internal/config"
	"github.com/fishvault/launchgate/internal/model"
)

type fakeRemote struct {
	*httptest.Server
	resolves atomic.Int32
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	r := &fakeRemote{}
	mux := http.NewServeMux()
	mux.HandleFunc("/validate", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `"https://gate.test/landing"`)
	})
	mux.HandleFunc("/resolve", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		r.resolves.Add(1)
		_, _ = io.WriteString(w, `{"ok":true,"url":"https://offer.test/welcome"}`)
	})
	r.Server = httptest.NewServer(mux)
	t.Cleanup(r.Close)
	return r
}

func testDaemonConfig(t *testing.T, dir string, remoteURL string) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "launchgated.sock")
	cfg.DBPath = filepath.Join(dir, "state.db")
	cfg.ValidationURL = remoteURL + "/validate"
	cfg.ResolveURL = remoteURL + "/resolve"
	cfg.AppID = "123456"
	cfg.DeviceID = "device-e2e"
	cfg.MergeWindow = 20 * time.Millisecond
	cfg.StartupTimeout = 5 * time.Second
	cfg.IngestRatePerSecond = 0
	return cfg
}

// startDaemon runs the assembled app and returns a client plus a stop func
// that fails the test if Run returned an error.
func startDaemon(t *testing.T, cfg config.Config) (*appclient.Client, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	app, err := newDaemonApp(ctx, cfg, zap.NewNop())
	if err != nil {
		cancel()
	}
	require.NoError(t, err, "assemble daemon")
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run(ctx)
	}()

	client := appclient.New(cfg.SocketPath)
	healthy := assert.Eventually(t, func() bool {
		_, err := client.Health(ctx)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond, "daemon did not become healthy")
	if !healthy {
		cancel()
		t.FailNow()
	}

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err, "daemon run")
		case <-time.After(5 * time.Second):
			assert.Fail(t, "daemon did not stop")
		}
		app.Close()
	}
	t.Cleanup(stop)
	return client, stop
}

func waitForPhase(t *testing.T, client *appclient.Client, phase string) api.StateResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last api.StateResponse
	for time.Now().Before(deadline) {
		resp, err := client.State(context.Background())
		if err == nil {
			last = resp
			if resp.State.Phase == phase {
				return resp
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.FailNow(t, "phase not reached", "want %q, last state %+v", phase, last.State)
	return last
}

func TestDaemonActivatesFromIngestedConversion(t *testing.T) {
	remote := newFakeRemote(t)
	cfg := testDaemonConfig(t, t.TempDir(), remote.URL)
	client, _ := startDaemon(t, cfg)

	loading := waitForPhase(t, client, "loading")
	assert.True(t, loading.State.Splash, "splash while loading")

	rec := model.NewRecord(map[string]any{"af_status": "Non-organic", "media_source": "facebook", "campaign": "spring"})
	_, err := client.SubmitConversion(context.Background(), rec)
	require.NoError(t, err, "submit conversion")

	got := waitForPhase(t, client, "active")
	assert.Equal(t, "https://offer.test/welcome", got.State.TargetURL)
	health, err := client.Health(context.Background())
	require.NoError(t, err, "health")
	assert.True(t, health.Dispatched, "conversion marked dispatched")
}

func TestDaemonReplaysMergedConversionAfterRestart(t *testing.T) {
	remote := newFakeRemote(t)
	cfg := testDaemonConfig(t, t.TempDir(), remote.URL)

	client, stop := startDaemon(t, cfg)
	rec := model.NewRecord(map[string]any{"af_status": "Non-organic", "campaign": "spring"})
	_, err := client.SubmitConversion(context.Background(), rec)
	require.NoError(t, err, "submit conversion")
	waitForPhase(t, client, "active")
	stop()

	before := remote.resolves.Load()
	client, _ = startDaemon(t, cfg)
	got := waitForPhase(t, client, "active")
	assert.Equal(t, "https://offer.test/welcome", got.State.TargetURL)
	assert.Greater(t, remote.resolves.Load(), before, "replayed merge resolves again")
}

func TestLoadConfigAppliesChangedFlags(t *testing.T) {
	dir := t.TempDir()
	cmd := newRootCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--socket", filepath.Join(dir, "x.sock"), "--log-level", "debug"}))
	f := flags{socketPath: filepath.Join(dir, "x.sock"), logLevel: "debug", dbPath: "ignored"}
	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err, "load config")
	assert.Equal(t, filepath.Join(dir, "x.sock"), cfg.SocketPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.NotEqual(t, "ignored", cfg.DBPath, "unchanged flag must not override config")
}
