package permission

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Requester asks the platform for notification authorization.
type Requester interface {
	RequestAuthorization(ctx context.Context) (bool, error)
}

// Registrar registers the install for remote notifications.
type Registrar interface {
	RegisterForRemoteNotifications(ctx context.Context) error
}

// Static answers every authorization request with the same result. The
// daemon uses it when the host app relays the user's choice explicitly.
type Static struct {
	Granted bool
	Err     error
}

func (s Static) RequestAuthorization(context.Context) (bool, error) {
	return s.Granted, s.Err
}

// LogRegistrar records registrations. Actual registration happens in the
// host app once it observes the granted flag.
type LogRegistrar struct {
	Logger *zap.Logger

	mu    sync.Mutex
	count int
}

func (r *LogRegistrar) RegisterForRemoteNotifications(context.Context) error {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	if r.Logger != nil {
		r.Logger.Info("registered for remote notifications")
	}
	return nil
}

func (r *LogRegistrar) Registrations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
