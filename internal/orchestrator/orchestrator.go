package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fishvault/launchgate/internal/metrics"
	"github.com/fishvault/launchgate/internal/model"
	"github.com/fishvault/launchgate/internal/netmon"
	"github.com/fishvault/launchgate/internal/permission"
	"github.com/fishvault/launchgate/internal/security"
	"github.com/fishvault/launchgate/internal/stateengine"
)

var ErrStopped = errors.New("orchestrator stopped")

type Validator interface {
	Validate(ctx context.Context) (bool, error)
}

type Resolver interface {
	FetchAttribution(ctx context.Context, deviceID string) (model.Record, error)
	FetchURL(ctx context.Context, attribution model.Record) (string, error)
}

type Preferences interface {
	LoadConfiguration(ctx context.Context) (model.AppConfiguration, error)
	SaveActivation(ctx context.Context, url string) error
	SaveAttribution(ctx context.Context, rec model.Record) error
	SaveDeeplink(ctx context.Context, rec model.Record) error
	LoadDeeplink(ctx context.Context) (model.Record, error)
	TakeTempURL(ctx context.Context) (string, bool, error)
	SavePermissionGranted(ctx context.Context, granted bool) error
	SavePermissionDenied(ctx context.Context, denied bool) error
	SaveLastPermissionRequest(ctx context.Context, at time.Time) error
}

type DeviceIdentity interface {
	DeviceID() string
}

type Options struct {
	Validator   Validator
	Resolver    Resolver
	Preferences Preferences
	Device      DeviceIdentity
	Requester   permission.Requester
	Registrar   permission.Registrar
	// Network delivers connectivity changes. Nil disables network handling.
	Network <-chan netmon.PathStatus

	StartupTimeout     time.Duration
	FirstLaunchGrace   time.Duration
	PermissionCooldown time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Snapshot is the read-only view observed by the presentation layer.
type Snapshot struct {
	State                stateengine.State
	TargetURL            string
	ShowPermissionPrompt bool
	Version              uint64
	UpdatedAt            time.Time
}

// Orchestrator owns the application state. Every mutation runs on the Run
// goroutine; remote calls run on workers and post their continuations back.
type Orchestrator struct {
	validator Validator
	resolver  Resolver
	prefs     Preferences
	device    DeviceIdentity
	requester permission.Requester
	registrar permission.Registrar
	network   <-chan netmon.PathStatus

	startupTimeout     time.Duration
	firstLaunchGrace   time.Duration
	permissionCooldown time.Duration

	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	inbox   chan func(context.Context)
	stopped chan struct{}
	workers sync.WaitGroup

	// Loop-owned.
	state        stateengine.State
	targetURL    string
	showPrompt   bool
	cfg          model.AppConfiguration
	attribution  model.Record
	deeplink     model.Record
	flowGen      uint64
	flowCtx      context.Context
	flowCancel   context.CancelFunc
	timeoutTimer *time.Timer

	mu     sync.RWMutex
	snap   Snapshot
	subs   map[int]chan Snapshot
	nextID int
}

// New loads the persisted configuration and returns an orchestrator in idle.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Validator == nil || opts.Resolver == nil || opts.Preferences == nil {
		return nil, fmt.Errorf("orchestrator requires validator, resolver and preferences")
	}
	cfg, err := opts.Preferences.LoadConfiguration(ctx)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	// Deeplink values from an earlier session still fill first-launch gaps.
	deeplink, err := opts.Preferences.LoadDeeplink(ctx)
	if err != nil {
		return nil, fmt.Errorf("load deeplink cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	requester := opts.Requester
	if requester == nil {
		requester = permission.Static{Granted: true}
	}
	startupTimeout := opts.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		validator:          opts.Validator,
		resolver:           opts.Resolver,
		prefs:              opts.Preferences,
		device:             opts.Device,
		requester:          requester,
		registrar:          opts.Registrar,
		network:            opts.Network,
		startupTimeout:     startupTimeout,
		firstLaunchGrace:   opts.FirstLaunchGrace,
		permissionCooldown: opts.PermissionCooldown,
		logger:             logger,
		metrics:            opts.Metrics,
		now:                now,
		inbox:              make(chan func(context.Context), 64),
		stopped:            make(chan struct{}),
		state:              stateengine.Idle(),
		cfg:                cfg,
		deeplink:           deeplink,
		flowCtx:            context.Background(),
		flowCancel:         func() {},
		subs:               map[int]chan Snapshot{},
	}
	o.snap = Snapshot{State: o.state, UpdatedAt: now().UTC()}
	return o, nil
}

// Run moves idle to loading, arms the startup timeout and processes events
// until ctx ends. It must be called exactly once.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.workers.Wait()
	defer close(o.stopped)
	defer o.shutdown()

	o.setState(stateengine.Loading())
	o.timeoutTimer = time.AfterFunc(o.startupTimeout, func() {
		o.enqueue(o.onTimeout)
	})
	o.logger.Info("orchestrator started",
		zap.Bool("first_launch", o.cfg.IsFirstLaunch),
		zap.String("cached_mode", string(o.cfg.Mode)),
		zap.Duration("startup_timeout", o.startupTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-o.inbox:
			fn(ctx)
		case status, ok := <-o.network:
			if !ok {
				o.network = nil
				continue
			}
			o.onNetwork(status)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.stopTimeout()
	o.cancelFlow()
}

// HandleAttribution records merged attribution and starts validation unless
// the state is locked.
func (o *Orchestrator) HandleAttribution(ctx context.Context, rec model.Record) error {
	return o.post(ctx, func(loopCtx context.Context) { o.handleAttribution(loopCtx, rec) })
}

// HandleDeeplink records raw deeplink values for the first-launch merge.
func (o *Orchestrator) HandleDeeplink(ctx context.Context, rec model.Record) error {
	return o.post(ctx, func(loopCtx context.Context) {
		if o.state.Terminal() {
			return
		}
		o.deeplink = rec
		if err := o.prefs.SaveDeeplink(loopCtx, rec); err != nil {
			o.logger.Error("persist deeplink", zap.Error(err))
		}
	})
}

// GrantPermission asks for authorization and records the answer. A granted
// answer registers for remote notifications.
func (o *Orchestrator) GrantPermission(ctx context.Context) (bool, error) {
	granted, err := o.requester.RequestAuthorization(ctx)
	if err != nil {
		o.logger.Warn("authorization request failed", zap.Error(err))
		granted = false
	}
	err = o.call(ctx, func(loopCtx context.Context) error {
		o.cfg.PermissionGranted = granted
		o.cfg.PermissionDenied = !granted
		o.showPrompt = false
		o.publish()
		if err := o.prefs.SavePermissionGranted(loopCtx, granted); err != nil {
			return fmt.Errorf("persist permission granted: %w", err)
		}
		if err := o.prefs.SavePermissionDenied(loopCtx, !granted); err != nil {
			return fmt.Errorf("persist permission denied: %w", err)
		}
		return nil
	})
	if err != nil {
		return granted, err
	}
	if granted && o.registrar != nil {
		if err := o.registrar.RegisterForRemoteNotifications(ctx); err != nil {
			return granted, fmt.Errorf("register for remote notifications: %w", err)
		}
	}
	return granted, nil
}

// DenyPermission defers the prompt and records when it was answered.
func (o *Orchestrator) DenyPermission(ctx context.Context) error {
	return o.call(ctx, func(loopCtx context.Context) error {
		at := o.now().UTC()
		o.cfg.LastPermissionRequest = &at
		o.showPrompt = false
		o.publish()
		if err := o.prefs.SaveLastPermissionRequest(loopCtx, at); err != nil {
			return fmt.Errorf("persist permission request time: %w", err)
		}
		return nil
	})
}

func (o *Orchestrator) handleAttribution(ctx context.Context, rec model.Record) {
	if o.state.Terminal() {
		return
	}
	o.attribution = rec
	if err := o.prefs.SaveAttribution(ctx, rec); err != nil {
		o.logger.Error("persist attribution", zap.Error(err))
	}
	if o.targetURL != "" {
		return
	}
	o.logger.Info("attribution received",
		zap.Bool("organic", rec.IsOrganic()),
		zap.Any("attribution", security.RedactRecord(rec).Map()),
	)
	o.startFlow()
	o.setState(stateengine.Validating())
	await(o, o.validator.Validate, func(ctx context.Context, valid bool, err error) {
		if err != nil {
			o.logger.Warn("validation failed", zap.Error(err))
			o.setState(stateengine.Inactive())
			return
		}
		if !valid {
			o.setState(stateengine.Inactive())
			return
		}
		o.setState(stateengine.Validated())
		o.continueFlow(ctx)
	})
}

func (o *Orchestrator) continueFlow(ctx context.Context) {
	if o.attribution.IsEmpty() {
		o.loadCachedURL()
		return
	}
	if o.cfg.Mode == model.ModeInactive {
		o.setState(stateengine.Inactive())
		return
	}
	if o.cfg.IsFirstLaunch && o.attribution.IsOrganic() {
		o.firstLaunch()
		return
	}
	url, ok, err := o.prefs.TakeTempURL(ctx)
	if err != nil {
		o.logger.Error("read temp url", zap.Error(err))
	}
	if ok {
		o.activate(url)
		return
	}
	o.resolveURL()
}

// firstLaunch waits out the grace delay, then asks for device attribution
// and lets cached deeplink values fill its gaps. Failure ends the session
// in inactive.
func (o *Orchestrator) firstLaunch() {
	deviceID := ""
	if o.device != nil {
		deviceID = o.device.DeviceID()
	}
	grace := o.firstLaunchGrace
	await(o, func(ctx context.Context) (model.Record, error) {
		if err := sleepCtx(ctx, grace); err != nil {
			return model.Record{}, err
		}
		return o.resolver.FetchAttribution(ctx, deviceID)
	}, func(ctx context.Context, fetched model.Record, err error) {
		if err != nil {
			o.logger.Warn("device attribution failed", zap.Error(err))
			o.setState(stateengine.Inactive())
			return
		}
		merged := fetched.Merge(o.deeplink)
		o.attribution = merged
		if err := o.prefs.SaveAttribution(ctx, merged); err != nil {
			o.logger.Error("persist attribution", zap.Error(err))
		}
		o.resolveURL()
	})
}

func (o *Orchestrator) resolveURL() {
	attribution := o.attribution
	await(o, func(ctx context.Context) (string, error) {
		return o.resolver.FetchURL(ctx, attribution)
	}, func(ctx context.Context, url string, err error) {
		if err != nil || url == "" {
			o.logger.Warn("url resolution failed, falling back to cache", zap.Error(err))
			o.loadCachedURL()
			return
		}
		if err := o.prefs.SaveActivation(ctx, url); err != nil {
			o.logger.Error("persist activation", zap.Error(err))
		}
		o.cfg.URL = url
		o.cfg.Mode = model.ModeActive
		o.cfg.IsFirstLaunch = false
		o.activate(url)
	})
}

func (o *Orchestrator) loadCachedURL() {
	if o.cfg.URL != "" {
		o.activate(o.cfg.URL)
		return
	}
	o.setState(stateengine.Inactive())
}

// activate locks the state on url. Later calls are ignored.
func (o *Orchestrator) activate(url string) {
	next, err := stateengine.Transition(o.state, stateengine.Active(url))
	if err != nil {
		o.logger.Debug("activation ignored", zap.String("state", o.state.String()), zap.Error(err))
		return
	}
	o.stopTimeout()
	o.cancelFlow()
	o.targetURL = url
	o.showPrompt = o.cfg.ShouldShowPermissionPrompt(o.now(), o.permissionCooldown)
	o.commit(next)
	o.logger.Info("activated", zap.String("url", security.RedactURL(url)), zap.Bool("permission_prompt", o.showPrompt))
}

func (o *Orchestrator) onTimeout(context.Context) {
	if o.state.Terminal() || o.timeoutTimer == nil {
		return
	}
	o.timeoutTimer = nil
	o.logger.Info("startup timeout elapsed", zap.String("state", o.state.String()))
	o.cancelFlow()
	o.setState(stateengine.Inactive())
}

func (o *Orchestrator) onNetwork(status netmon.PathStatus) {
	if o.state.Terminal() {
		return
	}
	switch status {
	case netmon.StatusSatisfied:
		if o.state.Phase == stateengine.PhaseOffline {
			o.setState(stateengine.Inactive())
		}
	case netmon.StatusUnsatisfied:
		o.setState(stateengine.Offline())
	}
}

func (o *Orchestrator) setState(next stateengine.State) bool {
	applied, err := stateengine.Transition(o.state, next)
	if err != nil {
		o.logger.Debug("transition refused", zap.String("from", o.state.String()), zap.String("to", next.String()), zap.Error(err))
		return false
	}
	o.commit(applied)
	return true
}

func (o *Orchestrator) commit(next stateengine.State) {
	prev := o.state
	if prev == next {
		return
	}
	o.state = next
	o.logger.Info("state changed", zap.String("from", prev.String()), zap.String("to", next.String()))
	o.metrics.ObserveTransition(string(prev.Phase), string(next.Phase))
	o.publish()
}

func (o *Orchestrator) startFlow() {
	o.cancelFlow()
	o.flowCtx, o.flowCancel = context.WithCancel(context.Background())
}

// cancelFlow invalidates in-flight work. Continuations from older
// generations are dropped.
func (o *Orchestrator) cancelFlow() {
	o.flowGen++
	o.flowCancel()
	o.flowCtx = context.Background()
	o.flowCancel = func() {}
}

func (o *Orchestrator) stopTimeout() {
	if o.timeoutTimer != nil {
		o.timeoutTimer.Stop()
		o.timeoutTimer = nil
	}
}

// await runs fn on a worker under the current flow and delivers its result
// to then on the loop, unless the flow was superseded or the state locked.
func await[T any](o *Orchestrator, fn func(context.Context) (T, error), then func(context.Context, T, error)) {
	gen := o.flowGen
	flowCtx := o.flowCtx
	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		v, err := fn(flowCtx)
		o.enqueue(func(ctx context.Context) {
			if gen != o.flowGen || o.state.Terminal() {
				o.logger.Debug("stale continuation dropped", zap.Uint64("generation", gen))
				return
			}
			then(ctx, v, err)
		})
	}()
}

func (o *Orchestrator) post(ctx context.Context, fn func(context.Context)) error {
	select {
	case <-o.stopped:
		return ErrStopped
	default:
	}
	select {
	case o.inbox <- fn:
		return nil
	case <-o.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) enqueue(fn func(context.Context)) {
	select {
	case o.inbox <- fn:
	case <-o.stopped:
	}
}

func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	result := make(chan error, 1)
	if err := o.post(ctx, func(loopCtx context.Context) { result <- fn(loopCtx) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return ErrStopped
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
