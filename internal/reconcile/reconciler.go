package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fishvault/launchgate/internal/bus"
	"github.com/fishvault/launchgate/internal/metrics"
	"github.com/fishvault/launchgate/internal/model"
	"github.com/fishvault/launchgate/internal/security"
)

var ErrStopped = errors.New("reconciler stopped")

// Store persists the dispatched flag and the merged record.
type Store interface {
	ConversionDispatched(ctx context.Context) (bool, error)
	MarkConversionDispatched(ctx context.Context, merged model.Record) error
	LoadMergedConversion(ctx context.Context) (model.Record, error)
}

type Publisher interface {
	Publish(ev bus.Event)
}

type Options struct {
	MergeWindow        time.Duration
	ConversionDeadline time.Duration
	Logger             *zap.Logger
	Metrics            *metrics.Collector
}

type messageKind int

const (
	msgConversion messageKind = iota
	msgFailure
	msgDeeplink
	msgMergeTimer
	msgDeadline
)

type message struct {
	kind   messageKind
	record model.Record
	cause  error
	gen    uint64
}

// Reconciler merges conversion and deeplink payloads into one record. All
// state below the inbox is owned by the Run goroutine.
type Reconciler struct {
	store       Store
	pub         Publisher
	logger      *zap.Logger
	metrics     *metrics.Collector
	mergeWindow time.Duration
	deadline    time.Duration

	inbox   chan message
	stopped chan struct{}

	conversion    model.Record
	deeplink      model.Record
	hasConversion bool
	hasDeeplink   bool
	dispatched    bool
	mergeTimer    *time.Timer
	mergeGen      uint64
	deadlineTimer *time.Timer
}

func New(store Store, pub Publisher, opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:       store,
		pub:         pub,
		logger:      logger,
		metrics:     opts.Metrics,
		mergeWindow: opts.MergeWindow,
		deadline:    opts.ConversionDeadline,
		inbox:       make(chan message, 64),
		stopped:     make(chan struct{}),
	}
}

func (r *Reconciler) SubmitConversion(ctx context.Context, rec model.Record) error {
	return r.post(ctx, message{kind: msgConversion, record: rec})
}

// SubmitConversionFailure counts as a conversion with an empty record.
func (r *Reconciler) SubmitConversionFailure(ctx context.Context, cause error) error {
	return r.post(ctx, message{kind: msgFailure, cause: cause})
}

func (r *Reconciler) SubmitDeeplink(ctx context.Context, rec model.Record) error {
	return r.post(ctx, message{kind: msgDeeplink, record: rec})
}

func (r *Reconciler) post(ctx context.Context, m message) error {
	select {
	case <-r.stopped:
		return ErrStopped
	default:
	}
	select {
	case r.inbox <- m:
		return nil
	case <-r.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the reconciler state until ctx is cancelled. It must be called
// exactly once.
func (r *Reconciler) Run(ctx context.Context) error {
	defer close(r.stopped)
	defer r.stopTimers()

	dispatched, err := r.store.ConversionDispatched(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("read dispatched flag: %w", err)
	}
	r.dispatched = dispatched
	if dispatched {
		r.replay(ctx)
	} else if r.deadline > 0 {
		r.deadlineTimer = time.AfterFunc(r.deadline, func() {
			r.fire(message{kind: msgDeadline})
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-r.inbox:
			r.handle(ctx, m)
		}
	}
}

// fire delivers a timer message without blocking past Run's exit.
func (r *Reconciler) fire(m message) {
	select {
	case r.inbox <- m:
	case <-r.stopped:
	}
}

func (r *Reconciler) handle(ctx context.Context, m message) {
	switch m.kind {
	case msgConversion:
		r.onConversion(ctx, m.record)
	case msgFailure:
		r.logger.Warn("conversion data unavailable, continuing with empty record", zap.Error(m.cause))
		r.onConversion(ctx, model.Record{})
	case msgDeeplink:
		r.onDeeplink(ctx, m.record)
	case msgMergeTimer:
		if r.mergeTimer == nil || m.gen != r.mergeGen {
			return
		}
		r.mergeTimer = nil
		r.merge(ctx)
	case msgDeadline:
		r.deadlineTimer = nil
		if r.dispatched || r.hasConversion {
			return
		}
		r.logger.Info("conversion deadline elapsed, continuing with empty record", zap.Duration("deadline", r.deadline))
		r.onConversion(ctx, model.Record{})
	}
}

func (r *Reconciler) onConversion(ctx context.Context, rec model.Record) {
	if r.dispatched {
		r.logger.Debug("conversion ignored after dispatch")
		return
	}
	r.conversion = rec
	r.hasConversion = true
	if r.deadlineTimer != nil {
		r.deadlineTimer.Stop()
		r.deadlineTimer = nil
	}
	r.scheduleMerge()
	if r.hasDeeplink {
		r.merge(ctx)
	}
}

func (r *Reconciler) onDeeplink(ctx context.Context, rec model.Record) {
	if r.dispatched {
		r.logger.Debug("deeplink ignored after dispatch")
		return
	}
	r.deeplink = rec
	r.hasDeeplink = true
	r.pub.Publish(bus.Event{Topic: bus.TopicDeeplink, Record: rec})
	r.metrics.IncDeeplink()
	r.cancelMerge()
	if r.hasConversion {
		r.merge(ctx)
	}
}

// scheduleMerge replaces any pending merge timer. Only the newest
// generation may merge.
func (r *Reconciler) scheduleMerge() {
	r.cancelMerge()
	r.mergeGen++
	gen := r.mergeGen
	r.mergeTimer = time.AfterFunc(r.mergeWindow, func() {
		r.fire(message{kind: msgMergeTimer, gen: gen})
	})
}

func (r *Reconciler) cancelMerge() {
	if r.mergeTimer == nil {
		return
	}
	r.mergeTimer.Stop()
	r.mergeTimer = nil
	r.mergeGen++
}

func (r *Reconciler) merge(ctx context.Context) {
	if r.dispatched {
		return
	}
	r.cancelMerge()
	merged := r.conversion.Merge(r.deeplink)
	r.dispatched = true
	if err := r.store.MarkConversionDispatched(ctx, merged); err != nil {
		r.logger.Error("persist dispatched conversion", zap.Error(err))
	}
	r.logger.Info("conversion merged",
		zap.Int("conversion_keys", r.conversion.Len()),
		zap.Int("deeplink_keys", r.deeplink.Len()),
		zap.Any("merged", security.RedactRecord(merged).Map()),
	)
	r.pub.Publish(bus.Event{Topic: bus.TopicConversion, Record: merged})
	r.metrics.IncMerge(false)
}

func (r *Reconciler) replay(ctx context.Context) {
	merged, err := r.store.LoadMergedConversion(ctx)
	if err != nil {
		r.logger.Error("load merged conversion for replay", zap.Error(err))
		return
	}
	r.logger.Info("replaying merged conversion", zap.Int("keys", merged.Len()))
	r.pub.Publish(bus.Event{Topic: bus.TopicConversion, Record: merged, Replayed: true})
	r.metrics.IncMerge(true)
}

func (r *Reconciler) stopTimers() {
	r.cancelMerge()
	if r.deadlineTimer != nil {
		r.deadlineTimer.Stop()
		r.deadlineTimer = nil
	}
}
