package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fishvault/launchgate/internal/model"
)

type Topic string

const (
	TopicConversion  Topic = "conversion_data_received"
	TopicDeeplink    Topic = "deeplink_values"
	TopicLoadTempURL Topic = "load_temp_url"
)

type Event struct {
	ID          string
	Topic       Topic
	Record      model.Record
	URL         string
	Replayed    bool
	PublishedAt time.Time
}

// Handler runs on the publisher's goroutine and must not block.
type Handler func(Event)

// Bus is an in-process broadcast bus. Delivery is synchronous and in
// subscription order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]subscription
	nextID  uint64
	pending map[*time.Timer]struct{}
	closed  bool
}

type subscription struct {
	id      uint64
	handler Handler
}

func New() *Bus {
	return &Bus{
		subs:    map[Topic][]subscription{},
		pending: map[*time.Timer]struct{}{},
	}
}

// Subscribe registers h for topic. The returned func removes it.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.subs[ev.Topic]))
	for _, s := range b.subs[ev.Topic] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// PublishAfter publishes ev once delay has elapsed. The returned func cancels
// the delivery if it has not happened yet.
func (b *Bus) PublishAfter(delay time.Duration, ev Event) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		_, live := b.pending[timer]
		delete(b.pending, timer)
		b.mu.Unlock()
		if live {
			b.Publish(ev)
		}
	})
	b.pending[timer] = struct{}{}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.pending[timer]; ok {
			timer.Stop()
			delete(b.pending, timer)
		}
	}
}

// Close drops pending delayed events and ignores later publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for timer := range b.pending {
		timer.Stop()
	}
	b.pending = map[*time.Timer]struct{}{}
}
