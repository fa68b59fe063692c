package attribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fishvault/launchgate/internal/model"
)

var ErrClosed = errors.New("attribution adapter closed")

type Kind string

const (
	KindConversion        Kind = "conversion"
	KindConversionFailure Kind = "conversion_failure"
	KindDeeplink          Kind = "deeplink"
)

type Event struct {
	Kind       Kind
	Record     model.Record
	Err        error
	ReceivedAt time.Time
}

// Sink receives SDK events in arrival order.
type Sink interface {
	SubmitConversion(ctx context.Context, rec model.Record) error
	SubmitConversionFailure(ctx context.Context, cause error) error
	SubmitDeeplink(ctx context.Context, rec model.Record) error
}

// Adapter turns the SDK's independent callbacks into one inbound channel.
type Adapter struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewAdapter(buffer int) *Adapter {
	if buffer < 0 {
		buffer = 0
	}
	return &Adapter{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

func (a *Adapter) Events() <-chan Event {
	return a.events
}

func (a *Adapter) OnConversionData(ctx context.Context, rec model.Record) error {
	return a.emit(ctx, Event{Kind: KindConversion, Record: rec})
}

func (a *Adapter) OnConversionFailure(ctx context.Context, cause error) error {
	if cause == nil {
		cause = errors.New("conversion data unavailable")
	}
	return a.emit(ctx, Event{Kind: KindConversionFailure, Err: cause})
}

func (a *Adapter) OnDeeplink(ctx context.Context, rec model.Record) error {
	return a.emit(ctx, Event{Kind: KindDeeplink, Record: rec})
}

func (a *Adapter) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *Adapter) emit(ctx context.Context, ev Event) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	select {
	case <-a.done:
		return ErrClosed
	default:
	}
	select {
	case a.events <- ev:
		return nil
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forward drains the adapter into sink until ctx ends or the adapter closes.
func Forward(ctx context.Context, a *Adapter, sink Sink, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.done:
			return nil
		case ev := <-a.events:
			if err := deliver(ctx, sink, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("forward %s event: %w", ev.Kind, err)
			}
			logger.Debug("attribution event forwarded", zap.String("kind", string(ev.Kind)), zap.Int("keys", ev.Record.Len()))
		}
	}
}

func deliver(ctx context.Context, sink Sink, ev Event) error {
	switch ev.Kind {
	case KindConversion:
		return sink.SubmitConversion(ctx, ev.Record)
	case KindConversionFailure:
		return sink.SubmitConversionFailure(ctx, ev.Err)
	case KindDeeplink:
		return sink.SubmitDeeplink(ctx, ev.Record)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}
