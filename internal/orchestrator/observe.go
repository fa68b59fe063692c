package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/fishvault/launchgate/internal/bus"
	"github.com/fishvault/launchgate/internal/stateengine"
)

// publish copies loop-owned fields into the shared snapshot. Loop only.
func (o *Orchestrator) publish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap = Snapshot{
		State:                o.state,
		TargetURL:            o.targetURL,
		ShowPermissionPrompt: o.showPrompt,
		Version:              o.snap.Version + 1,
		UpdatedAt:            o.now().UTC(),
	}
	for _, ch := range o.subs {
		offerLatest(ch, o.snap)
	}
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snap
}

func (o *Orchestrator) State() stateengine.State {
	return o.Snapshot().State
}

// TargetURL is set once the state is active.
func (o *Orchestrator) TargetURL() string {
	return o.Snapshot().TargetURL
}

func (o *Orchestrator) ShowPermissionPrompt() bool {
	return o.Snapshot().ShowPermissionPrompt
}

// Subscribe returns a channel primed with the current snapshot that then
// receives every change. A slow reader skips to the newest snapshot.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	ch := make(chan Snapshot, 1)
	ch <- o.snap
	o.subs[id] = ch
	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

func offerLatest(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// Attach feeds reconciled attribution and deeplink events from b into the
// orchestrator. The returned func detaches it.
func (o *Orchestrator) Attach(b *bus.Bus) func() {
	offConversion := b.Subscribe(bus.TopicConversion, func(ev bus.Event) {
		if err := o.HandleAttribution(context.Background(), ev.Record); err != nil {
			o.logger.Debug("attribution event not delivered", zap.Error(err))
		}
	})
	offDeeplink := b.Subscribe(bus.TopicDeeplink, func(ev bus.Event) {
		if err := o.HandleDeeplink(context.Background(), ev.Record); err != nil {
			o.logger.Debug("deeplink event not delivered", zap.Error(err))
		}
	})
	return func() {
		offConversion()
		offDeeplink()
	}
}
