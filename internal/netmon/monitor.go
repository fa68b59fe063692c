package netmon

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fishvault/launchgate/internal/metrics"
)

type Checker interface {
	Check(ctx context.Context) error
}

// DialChecker checks reachability with a TCP connect.
type DialChecker struct {
	Address string
	Timeout time.Duration
}

func (c DialChecker) Check(ctx context.Context) error {
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Address, err)
	}
	return conn.Close()
}

type Options struct {
	Checker    Checker
	Interval   time.Duration
	Hysteresis Hysteresis
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

// Monitor publishes path status changes from reachability checks and host reports.
type Monitor struct {
	checker    Checker
	interval   time.Duration
	hysteresis Hysteresis
	logger     *zap.Logger
	metrics    *metrics.Collector

	mu     sync.Mutex
	state  PathState
	subs   map[int]chan PathStatus
	nextID int
}

func NewMonitor(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		checker:    opts.Checker,
		interval:   interval,
		hysteresis: opts.Hysteresis,
		logger:     logger,
		metrics:    opts.Metrics,
		subs:       map[int]chan PathStatus{},
	}
}

func (m *Monitor) Status() PathStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Current
}

// Subscribe returns a channel that receives each status change. Slow readers
// only lose intermediate values; the latest status is always kept.
func (m *Monitor) Subscribe() (<-chan PathStatus, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	ch := make(chan PathStatus, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Report applies a connectivity report from the host. Host reports bypass
// hysteresis.
func (m *Monitor) Report(satisfied bool) {
	next := StatusUnsatisfied
	if satisfied {
		next = StatusSatisfied
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state.Current
	m.state = PathState{Current: next, LastTransitionAt: time.Now().UTC()}
	if prev != next {
		m.emitLocked(next)
	}
}

func (m *Monitor) observe(success bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state.Current
	m.state = NextStatus(m.hysteresis, m.state, success, now)
	if m.state.Current != prev {
		m.emitLocked(m.state.Current)
	}
}

func (m *Monitor) emitLocked(status PathStatus) {
	m.logger.Info("network path changed", zap.String("status", string(status)))
	m.metrics.SetNetworkSatisfied(status.Satisfied())
	for _, ch := range m.subs {
		select {
		case ch <- status:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- status:
		default:
		}
	}
}

// Run checks reachability until ctx ends. Without a checker it only waits, leaving status
// to host reports.
func (m *Monitor) Run(ctx context.Context) error {
	if m.checker == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.checkOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *Monitor) checkOnce(ctx context.Context) {
	err := m.checker.Check(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("reachability check failed", zap.Error(err))
	}
	m.observe(err == nil, time.Now().UTC())
}

// ParseStatus accepts the textual forms used by the daemon API.
func ParseStatus(raw string) (PathStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "satisfied", "up", "online":
		return StatusSatisfied, nil
	case "unsatisfied", "down", "offline":
		return StatusUnsatisfied, nil
	default:
		return StatusUnknown, fmt.Errorf("unknown path status %q", raw)
	}
}
