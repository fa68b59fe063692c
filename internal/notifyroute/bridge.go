package notifyroute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/fishvault/launchgate/internal/bus"
	"github.com/fishvault/launchgate/internal/metrics"
	"github.com/fishvault/launchgate/internal/security"
)

// Store is the slice of preferences the bridge writes to.
type Store interface {
	SetTempURL(ctx context.Context, url string) error
	TakeTempURL(ctx context.Context) (string, bool, error)
	SavePushToken(ctx context.Context, token string) error
	PushToken(ctx context.Context) (string, error)
}

type Publisher interface {
	PublishAfter(delay time.Duration, ev bus.Event) func()
}

type Options struct {
	// BroadcastDelay separates the temp url write from the reload broadcast.
	BroadcastDelay time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Collector
}

// Bridge turns tapped push notifications into a pending destination and a
// delayed reload broadcast.
type Bridge struct {
	store   Store
	pub     Publisher
	delay   time.Duration
	logger  *zap.Logger
	metrics *metrics.Collector
}

func New(store Store, pub Publisher, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		store:   store,
		pub:     pub,
		delay:   opts.BroadcastDelay,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Destination extracts the target url from a notification payload. The
// top-level "url" wins over "data.url"; non-string and empty values count as
// absent.
func Destination(payload []byte) (string, bool) {
	if !gjson.ValidBytes(payload) {
		return "", false
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return "", false
	}
	for _, path := range []string{"url", "data.url"} {
		v := root.Get(path)
		if v.Type != gjson.String {
			continue
		}
		if url := strings.TrimSpace(v.String()); url != "" {
			return url, true
		}
	}
	return "", false
}

// Route records the payload's destination and schedules the reload
// broadcast. A payload without a destination leaves the store untouched.
func (b *Bridge) Route(ctx context.Context, payload []byte) (string, bool, error) {
	url, ok := Destination(payload)
	b.metrics.IncNotification(ok)
	if !ok {
		b.logger.Debug("notification carries no destination")
		return "", false, nil
	}
	if err := b.store.SetTempURL(ctx, url); err != nil {
		return "", false, fmt.Errorf("persist temp url: %w", err)
	}
	b.pub.PublishAfter(b.delay, bus.Event{Topic: bus.TopicLoadTempURL, URL: url})
	b.logger.Info("notification routed",
		zap.String("url", security.RedactURL(url)),
		zap.Duration("broadcast_delay", b.delay),
	)
	return url, true, nil
}

// ConsumeTempURL hands the pending destination to the reload path once.
func (b *Bridge) ConsumeTempURL(ctx context.Context) (string, bool, error) {
	url, ok, err := b.store.TakeTempURL(ctx)
	if err != nil {
		return "", false, fmt.Errorf("consume temp url: %w", err)
	}
	return url, ok, nil
}
