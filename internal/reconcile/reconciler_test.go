package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/fishvault/launchgate/internal/bus"
	"github.com/fishvault/launchgate/internal/db"
	"github.com/fishvault/launchgate/internal/model"
	"github.com/fishvault/launchgate/internal/testutil"
)

const testWindow = 60 * time.Millisecond

type harness struct {
	t       *testing.T
	prefs   *db.Preferences
	r       *Reconciler
	merged  chan bus.Event
	links   chan bus.Event
	cancel  context.CancelFunc
	done    chan error
	started time.Time
}

func startHarness(t *testing.T, deadline time.Duration, seed func(*db.Preferences, context.Context)) *harness {
	t.Helper()
	prefs, ctx := testutil.NewPreferences(t)
	if seed != nil {
		seed(prefs, ctx)
	}
	b := bus.New()
	h := &harness{
		t:      t,
		prefs:  prefs,
		merged: make(chan bus.Event, 8),
		links:  make(chan bus.Event, 8),
		done:   make(chan error, 1),
	}
	b.Subscribe(bus.TopicConversion, func(ev bus.Event) { h.merged <- ev })
	b.Subscribe(bus.TopicDeeplink, func(ev bus.Event) { h.links <- ev })

	h.r = New(prefs, b, Options{
		MergeWindow:        testWindow,
		ConversionDeadline: deadline,
		Logger:             zaptest.NewLogger(t),
	})
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.started = time.Now()
	go func() { h.done <- h.r.Run(runCtx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	assert.NoError(h.t, <-h.done, "run")
}

func (h *harness) waitMerged() bus.Event {
	h.t.Helper()
	select {
	case ev := <-h.merged:
		return ev
	case <-time.After(2 * time.Second):
		require.FailNow(h.t, "no merged event")
		return bus.Event{}
	}
}

func (h *harness) expectNoMore(wait time.Duration) {
	h.t.Helper()
	select {
	case ev := <-h.merged:
		require.FailNow(h.t, "unexpected second merged event", "%v", ev.Record.Map())
	case <-time.After(wait):
	}
}

func rec(kv ...string) model.Record {
	m := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return model.NewRecord(m)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConversionFirstThenDeeplinkMergesOnceConversionWins(t *testing.T) {
	h := startHarness(t, 0, nil)
	ctx := context.Background()

	require.NoError(t, h.r.SubmitConversion(ctx, rec("campaign", "spring", "shared", "conversion")))
	require.NoError(t, h.r.SubmitDeeplink(ctx, rec("shared", "deeplink", "deep_link_value", "vault/1")))

	ev := h.waitMerged()
	want := map[string]any{"campaign": "spring", "shared": "conversion", "deep_link_value": "vault/1"}
	if diff := cmp.Diff(want, ev.Record.Map()); diff != "" {
		t.Fatalf("merged mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, ev.Replayed, "fresh merge is not replayed")
	select {
	case link := <-h.links:
		assert.Equal(t, "vault/1", link.Record.String("deep_link_value"))
	default:
		require.FailNow(t, "deeplink-only event should be published before the merge")
	}
	h.expectNoMore(2 * testWindow)
}

func TestDeeplinkFirstThenConversionMergesImmediately(t *testing.T) {
	h := startHarness(t, 0, nil)
	ctx := context.Background()

	require.NoError(t, h.r.SubmitDeeplink(ctx, rec("deep_link_value", "vault/2", "campaign", "from-link")))
	sent := time.Now()
	require.NoError(t, h.r.SubmitConversion(ctx, rec("campaign", "from-conversion")))

	ev := h.waitMerged()
	assert.Less(t, time.Since(sent), testWindow, "merge does not wait for the timer")
	assert.Equal(t, "from-conversion", ev.Record.String("campaign"))
	assert.Equal(t, "vault/2", ev.Record.String("deep_link_value"))
	h.expectNoMore(2 * testWindow)
}

func TestConversionOnlyMergesAfterWindow(t *testing.T) {
	h := startHarness(t, 0, nil)
	sent := time.Now()
	require.NoError(t, h.r.SubmitConversion(context.Background(), rec("af_status", "Non-organic")))

	ev := h.waitMerged()
	assert.GreaterOrEqual(t, time.Since(sent), testWindow)
	if diff := cmp.Diff(map[string]any{"af_status": "Non-organic"}, ev.Record.Map()); diff != "" {
		t.Fatalf("deeplink contribution should be empty: %s", diff)
	}
	h.expectNoMore(2 * testWindow)
}

func TestRepeatedConversionRestartsTimer(t *testing.T) {
	h := startHarness(t, 0, nil)
	ctx := context.Background()
	require.NoError(t, h.r.SubmitConversion(ctx, rec("campaign", "first")))
	time.Sleep(testWindow / 2)
	require.NoError(t, h.r.SubmitConversion(ctx, rec("campaign", "second")))

	ev := h.waitMerged()
	assert.Equal(t, "second", ev.Record.String("campaign"))
	h.expectNoMore(2 * testWindow)
}

func TestFailureIsEmptyConversion(t *testing.T) {
	h := startHarness(t, 0, nil)
	require.NoError(t, h.r.SubmitConversionFailure(context.Background(), errors.New("sdk timeout")))

	ev := h.waitMerged()
	assert.True(t, ev.Record.IsEmpty(), "got %v", ev.Record.Map())
}

func TestDeeplinkOnlyMergesAtDeadline(t *testing.T) {
	h := startHarness(t, 80*time.Millisecond, nil)
	require.NoError(t, h.r.SubmitDeeplink(context.Background(), rec("deep_link_value", "vault/3")))

	ev := h.waitMerged()
	if diff := cmp.Diff(map[string]any{"deep_link_value": "vault/3"}, ev.Record.Map()); diff != "" {
		t.Fatalf("deeplink-only merge mismatch: %s", diff)
	}
	h.expectNoMore(2 * testWindow)
}

func TestNeitherSourceStillMergesOnce(t *testing.T) {
	h := startHarness(t, 40*time.Millisecond, nil)

	ev := h.waitMerged()
	assert.True(t, ev.Record.IsEmpty(), "got %v", ev.Record.Map())
	assert.GreaterOrEqual(t, time.Since(h.started), 40*time.Millisecond+testWindow)
	h.expectNoMore(2 * testWindow)

	dispatched, err := h.prefs.ConversionDispatched(context.Background())
	require.NoError(t, err)
	assert.True(t, dispatched)
}

func TestSubmissionsAfterDispatchAreNoOps(t *testing.T) {
	h := startHarness(t, 0, nil)
	ctx := context.Background()
	require.NoError(t, h.r.SubmitConversion(ctx, rec("campaign", "c")))
	require.NoError(t, h.r.SubmitDeeplink(ctx, rec("deep_link_value", "v")))
	first := h.waitMerged()
	<-h.links

	require.NoError(t, h.r.SubmitDeeplink(ctx, rec("deep_link_value", "late")))
	require.NoError(t, h.r.SubmitConversion(ctx, rec("campaign", "late")))
	h.expectNoMore(2 * testWindow)
	select {
	case ev := <-h.links:
		require.FailNow(t, "deeplink after dispatch must not publish", "%v", ev.Record.Map())
	default:
	}

	stored, err := h.prefs.LoadMergedConversion(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(first.Record.Map(), stored.Map()); diff != "" {
		t.Fatalf("stored merge changed after dispatch: %s", diff)
	}
}

func TestRelaunchReplaysStoredMergeOnce(t *testing.T) {
	stored := rec("af_status", "Non-organic", "campaign", "kept")
	var storeRef *db.Preferences
	h := startHarness(t, 40*time.Millisecond, func(p *db.Preferences, ctx context.Context) {
		storeRef = p
		require.NoError(t, p.MarkConversionDispatched(ctx, stored))
	})
	ctx := context.Background()
	before, err := storeRef.Store().History(ctx, db.KeyConversionMerged)
	require.NoError(t, err)

	ev := h.waitMerged()
	assert.True(t, ev.Replayed)
	if diff := cmp.Diff(stored.Map(), ev.Record.Map()); diff != "" {
		t.Fatalf("replayed record mismatch: %s", diff)
	}
	require.NoError(t, h.r.SubmitDeeplink(ctx, rec("deep_link_value", "ignored")))
	h.expectNoMore(2*testWindow + 40*time.Millisecond)

	after, err := storeRef.Store().History(ctx, db.KeyConversionMerged)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "replay must not write state")
}

func TestSubmitAfterStopFails(t *testing.T) {
	h := startHarness(t, 0, nil)
	h.stop()
	assert.ErrorIs(t, h.r.SubmitConversion(context.Background(), model.Record{}), ErrStopped)
}

func TestRunOnCancelledContextExitsCleanly(t *testing.T) {
	prefs, _ := testutil.NewPreferences(t)
	r := New(prefs, bus.New(), Options{MergeWindow: testWindow, Logger: zaptest.NewLogger(t)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	assert.ErrorIs(t, r.SubmitDeeplink(context.Background(), model.Record{}), ErrStopped)
}
