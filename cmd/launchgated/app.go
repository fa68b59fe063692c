package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fishvault/launchgate/internal/attribution"
	"github.com/fishvault/launchgate/internal/bus"
	"github.com/fishvault/launchgate/internal/config"
	"github.com/fishvault/launchgate/internal/daemon"
	"github.com/fishvault/launchgate/internal/db"
	"github.com/fishvault/launchgate/internal/device"
	"github.com/fishvault/launchgate/internal/metrics"
	"github.com/fishvault/launchgate/internal/netmon"
	"github.com/fishvault/launchgate/internal/notifyroute"
	"github.com/fishvault/launchgate/internal/orchestrator"
	"github.com/fishvault/launchgate/internal/permission"
	"github.com/fishvault/launchgate/internal/reconcile"
	"github.com/fishvault/launchgate/internal/remote"
)

const attributionBuffer = 32

// daemonApp is the assembled process: every long-running loop plus the
// resources they share.
type daemonApp struct {
	logger *zap.Logger

	store        *db.Store
	events       *bus.Bus
	adapter      *attribution.Adapter
	reconciler   *reconcile.Reconciler
	monitor      *netmon.Monitor
	orchestrator *orchestrator.Orchestrator
	server       *daemon.Server

	closers []func()
}

func newDaemonApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*daemonApp, error) {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a := &daemonApp{logger: logger, store: store}
	if err := a.build(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *daemonApp) build(ctx context.Context, cfg config.Config) error {
	if err := db.ApplyMigrations(ctx, a.store.DB()); err != nil {
		return err
	}
	prefs := db.NewPreferences(a.store)
	collector := metrics.New()
	a.events = bus.New()

	identity, err := device.Load(ctx, prefs, cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}
	a.logger.Info("device identity loaded", zap.String("fingerprint", device.Fingerprint(device.FingerprintInput{
		DeviceID: identity.DeviceID(),
		BundleID: cfg.BundleID,
		AppID:    cfg.AppID,
		Platform: cfg.Platform,
	})))

	tokens := notifyroute.NewTokenVault(prefs)
	remoteClient := remote.New(remote.Options{
		Endpoints: remote.Endpoints{
			ValidationURL:      cfg.ValidationURL,
			AttributionBaseURL: cfg.AttributionBaseURL,
			ResolveURL:         cfg.ResolveURL,
		},
		App: remote.AppIdentity{
			AppID:             cfg.AppID,
			DevKey:            cfg.DevKey,
			BundleID:          cfg.BundleID,
			FirebaseProjectID: cfg.FirebaseProjectID,
			Platform:          cfg.Platform,
			Locale:            cfg.Locale,
			UserAgent:         cfg.UserAgent,
		},
		Timeout: cfg.RemoteTimeout,
		Device:  identity,
		Tokens:  tokens,
		Logger:  a.logger.Named("remote"),
		Metrics: collector,
	})

	var checker netmon.Checker
	if cfg.ReachAddress != "" {
		checker = netmon.DialChecker{Address: cfg.ReachAddress, Timeout: cfg.ReachTimeout}
	}
	a.monitor = netmon.NewMonitor(netmon.Options{
		Checker:  checker,
		Interval: cfg.ReachInterval,
		Hysteresis: netmon.Hysteresis{
			DownFailures:     cfg.ReachDownFailures,
			RecoverSuccesses: cfg.ReachRecoverSuccesses,
		},
		Logger:  a.logger.Named("netmon"),
		Metrics: collector,
	})
	network, stopNetwork := a.monitor.Subscribe()
	a.closers = append(a.closers, stopNetwork)

	a.orchestrator, err = orchestrator.New(ctx, orchestrator.Options{
		Validator:          remoteClient,
		Resolver:           remoteClient,
		Preferences:        prefs,
		Device:             identity,
		Requester:          permission.Static{Granted: true},
		Registrar:          &permission.LogRegistrar{Logger: a.logger.Named("push")},
		Network:            network,
		StartupTimeout:     cfg.StartupTimeout,
		FirstLaunchGrace:   cfg.FirstLaunchGrace,
		PermissionCooldown: cfg.PermissionCooldown,
		Logger:             a.logger.Named("orchestrator"),
		Metrics:            collector,
	})
	if err != nil {
		return err
	}
	// Subscribe before the reconciler runs so a replayed merge is not missed.
	a.closers = append(a.closers, a.orchestrator.Attach(a.events))

	a.reconciler = reconcile.New(prefs, a.events, reconcile.Options{
		MergeWindow:        cfg.MergeWindow,
		ConversionDeadline: cfg.ConversionDeadline,
		Logger:             a.logger.Named("reconcile"),
		Metrics:            collector,
	})
	a.adapter = attribution.NewAdapter(attributionBuffer)

	router := notifyroute.New(prefs, a.events, notifyroute.Options{
		BroadcastDelay: cfg.NotificationBroadcastDelay,
		Logger:         a.logger.Named("notify"),
		Metrics:        collector,
	})

	a.server = daemon.NewServer(cfg, daemon.Deps{
		App:      a.orchestrator,
		Ingress:  a.adapter,
		Router:   router,
		Tokens:   tokens,
		Network:  a.monitor,
		Dispatch: prefs,
		Events:   a.events,
		Metrics:  collector,
		Logger:   a.logger.Named("daemon"),
	})
	return nil
}

// Run blocks until ctx ends or one loop fails; the first failure stops the
// rest.
func (a *daemonApp) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.reconciler.Run(gctx) })
	g.Go(func() error { return a.orchestrator.Run(gctx) })
	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error {
		return attribution.Forward(gctx, a.adapter, a.reconciler, a.logger.Named("attribution"))
	})
	g.Go(func() error {
		err := a.server.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			return errors.New("daemon server stopped")
		}
		return err
	})
	return g.Wait()
}

func (a *daemonApp) Close() {
	if a.adapter != nil {
		a.adapter.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.events != nil {
		a.events.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
}
