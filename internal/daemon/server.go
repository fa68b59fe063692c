package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fishvault/launchgate/internal/api"
	"github.com/fishvault/launchgate/internal/bus"
	"github.com/fishvault/launchgate/internal/config"
	"github.com/fishvault/launchgate/internal/metrics"
	"github.com/fishvault/launchgate/internal/model"
	"github.com/fishvault/launchgate/internal/netmon"
	"github.com/fishvault/launchgate/internal/orchestrator"
)

const maxRequestBody = 1 << 20

// App is the orchestrator surface the daemon exposes.
type App interface {
	Snapshot() orchestrator.Snapshot
	Subscribe() (<-chan orchestrator.Snapshot, func())
	GrantPermission(ctx context.Context) (bool, error)
	DenyPermission(ctx context.Context) error
}

// Ingress receives SDK callbacks.
type Ingress interface {
	OnConversionData(ctx context.Context, rec model.Record) error
	OnConversionFailure(ctx context.Context, cause error) error
	OnDeeplink(ctx context.Context, rec model.Record) error
}

type Router interface {
	Route(ctx context.Context, payload []byte) (string, bool, error)
	ConsumeTempURL(ctx context.Context) (string, bool, error)
}

type TokenStore interface {
	Save(ctx context.Context, token string) error
}

type Network interface {
	Status() netmon.PathStatus
	Report(satisfied bool)
}

type DispatchStatus interface {
	ConversionDispatched(ctx context.Context) (bool, error)
}

type Events interface {
	Subscribe(topic bus.Topic, h bus.Handler) func()
}

// Deps are optional; routes whose dependency is missing answer
// E_UNAVAILABLE.
type Deps struct {
	App      App
	Ingress  Ingress
	Router   Router
	Tokens   TokenStore
	Network  Network
	Dispatch DispatchStatus
	Events   Events
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

type Server struct {
	cfg         config.Config
	deps        Deps
	logger      *zap.Logger
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	limiter     *rate.Limiter
	streamID    string
	sequence    atomic.Int64
	streamCtx   context.Context
	stopStreams context.CancelFunc
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.IngestRatePerSecond > 0 {
		limit = rate.Limit(cfg.IngestRatePerSecond)
	}
	burst := cfg.IngestBurst
	if burst <= 0 {
		burst = 1
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, burst),
		streamID: uuid.NewString(),
	}
	s.streamCtx, s.stopStreams = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/state", s.stateHandler)
	mux.HandleFunc("/v1/watch", s.watchHandler)
	mux.HandleFunc("/v1/ws", s.websocketHandler)
	mux.HandleFunc("/v1/events/conversion", s.limited(s.conversionHandler))
	mux.HandleFunc("/v1/events/conversion-failure", s.limited(s.conversionFailureHandler))
	mux.HandleFunc("/v1/events/deeplink", s.limited(s.deeplinkHandler))
	mux.HandleFunc("/v1/notifications", s.limited(s.notificationHandler))
	mux.HandleFunc("/v1/push-token", s.pushTokenHandler)
	mux.HandleFunc("/v1/content/temp-url/consume", s.consumeTempURLHandler)
	mux.HandleFunc("/v1/network", s.networkHandler)
	mux.HandleFunc("/v1/permission/grant", s.grantPermissionHandler)
	mux.HandleFunc("/v1/permission/deny", s.denyPermissionHandler)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics.Handler())
	}

	s.httpSrv = &http.Server{
		Handler:           deps.Metrics.InstrumentHandler(mux),
		ReadHeaderTimeout: 5 * time.Second,

		// Long-lived watch streams end when the server shuts down.
		BaseContext: func(net.Listener) context.Context { return s.streamCtx },
	}
	return s
}

// Handler exposes the routed handler for in-process use.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("daemon listening", zap.String("socket", s.cfg.SocketPath), zap.String("stream_id", s.streamID))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		s.stopStreams()
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	if s.deps.App != nil {
		resp.Phase = string(s.deps.App.Snapshot().State.Phase)
	}
	if s.deps.Dispatch != nil {
		dispatched, err := s.deps.Dispatch.ConversionDispatched(r.Context())
		if err != nil {
			resp.Status = "degraded"
		}
		resp.Dispatched = dispatched
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// limited rejects requests beyond the ingestion rate.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.deps.Metrics.IncRateLimited()
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, model.ErrRateLimited, "ingestion rate exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) nextSequence() int64 {
	return s.sequence.Add(1)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, "request body is empty")
			return false
		}
		s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, "invalid json body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.writeError(w, http.StatusServiceUnavailable, model.ErrUnavailable, what+" is not configured")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
