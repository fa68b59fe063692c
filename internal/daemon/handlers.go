package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fishvault/launchgate/internal/api"
	"github.com/fishvault/launchgate/internal/attribution"
	"github.com/fishvault/launchgate/internal/model"
	"github.com/fishvault/launchgate/internal/netmon"
	"github.com/fishvault/launchgate/internal/notifyroute"
	"github.com/fishvault/launchgate/internal/orchestrator"
)

func (s *Server) stateHandler(w http.ResponseWriter, _ *http.Request) {
	if s.deps.App == nil {
		s.unavailable(w, "orchestrator")
		return
	}
	resp := api.StateResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		State:         toSnapshot(s.deps.App.Snapshot()),
		Network:       s.networkStatus(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) conversionHandler(w http.ResponseWriter, r *http.Request) {
	s.ingestRecord(w, r, attribution.KindConversion, func(ctx context.Context, rec model.Record) error {
		return s.deps.Ingress.OnConversionData(ctx, rec)
	})
}

func (s *Server) deeplinkHandler(w http.ResponseWriter, r *http.Request) {
	s.ingestRecord(w, r, attribution.KindDeeplink, func(ctx context.Context, rec model.Record) error {
		return s.deps.Ingress.OnDeeplink(ctx, rec)
	})
}

func (s *Server) ingestRecord(w http.ResponseWriter, r *http.Request, kind attribution.Kind, submit func(context.Context, model.Record) error) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Ingress == nil {
		s.unavailable(w, "attribution ingress")
		return
	}
	var req api.RecordRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := submit(r.Context(), req.Data); err != nil {
		s.writeIngestError(w, err)
		return
	}
	s.deps.Metrics.IncIngested(string(kind))
	s.writeJSON(w, http.StatusAccepted, api.IngestResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Kind:          string(kind),
		Accepted:      true,
	})
}

func (s *Server) conversionFailureHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Ingress == nil {
		s.unavailable(w, "attribution ingress")
		return
	}
	var req api.ConversionFailureRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	var cause error
	if msg := strings.TrimSpace(req.Error); msg != "" {
		cause = errors.New(msg)
	}
	if err := s.deps.Ingress.OnConversionFailure(r.Context(), cause); err != nil {
		s.writeIngestError(w, err)
		return
	}
	s.deps.Metrics.IncIngested(string(attribution.KindConversionFailure))
	s.writeJSON(w, http.StatusAccepted, api.IngestResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Kind:          string(attribution.KindConversionFailure),
		Accepted:      true,
	})
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, attribution.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrUnavailable, "attribution ingress closed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrUnavailable, "request cancelled")
	default:
		s.logger.Error("ingest failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to ingest event")
	}
}

// notificationHandler accepts a raw push payload. Payloads without a
// destination are acknowledged with routed=false.
func (s *Server) notificationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Router == nil {
		s.unavailable(w, "notification router")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, "failed to read payload")
		return
	}
	url, routed, err := s.deps.Router.Route(r.Context(), payload)
	if err != nil {
		s.logger.Error("route notification", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to route notification")
		return
	}
	s.writeJSON(w, http.StatusOK, api.NotificationResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Routed:        routed,
		URL:           url,
	})
}

func (s *Server) pushTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Tokens == nil {
		s.unavailable(w, "token vault")
		return
	}
	var req api.PushTokenRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Tokens.Save(r.Context(), req.Token); err != nil {
		if errors.Is(err, notifyroute.ErrEmptyToken) {
			s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, "token is required")
			return
		}
		s.logger.Error("save push token", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to save token")
		return
	}
	s.writeAck(w, "stored")
}

func (s *Server) consumeTempURLHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Router == nil {
		s.unavailable(w, "notification router")
		return
	}
	url, found, err := s.deps.Router.ConsumeTempURL(r.Context())
	if err != nil {
		s.logger.Error("consume temp url", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to consume temp url")
		return
	}
	s.writeJSON(w, http.StatusOK, api.TempURLResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Found:         found,
		URL:           url,
	})
}

func (s *Server) networkHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Network == nil {
		s.unavailable(w, "network monitor")
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req api.NetworkRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		if req.Satisfied == nil {
			s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, "satisfied is required")
			return
		}
		s.deps.Network.Report(*req.Satisfied)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	s.writeJSON(w, http.StatusOK, api.NetworkResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Network:       s.networkStatus(),
	})
}

func (s *Server) grantPermissionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.App == nil {
		s.unavailable(w, "orchestrator")
		return
	}
	granted, err := s.deps.App.GrantPermission(r.Context())
	if err != nil {
		s.writePermissionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.PermissionResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Granted:       granted,
		State:         toSnapshot(s.deps.App.Snapshot()),
	})
}

func (s *Server) denyPermissionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.App == nil {
		s.unavailable(w, "orchestrator")
		return
	}
	if err := s.deps.App.DenyPermission(r.Context()); err != nil {
		s.writePermissionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.PermissionResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		State:         toSnapshot(s.deps.App.Snapshot()),
	})
}

func (s *Server) writePermissionError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrStopped) {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrUnavailable, "orchestrator stopped")
		return
	}
	s.logger.Error("permission update", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to record permission")
}

func (s *Server) writeAck(w http.ResponseWriter, code string) {
	s.writeJSON(w, http.StatusOK, api.AckResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		ResultCode:    code,
	})
}

func (s *Server) networkStatus() string {
	if s.deps.Network == nil {
		return "unknown"
	}
	switch status := s.deps.Network.Status(); status {
	case netmon.StatusUnknown:
		return "unknown"
	default:
		return string(status)
	}
}

func toSnapshot(snap orchestrator.Snapshot) api.StateSnapshot {
	return api.StateSnapshot{
		Phase:                string(snap.State.Phase),
		TargetURL:            snap.TargetURL,
		Splash:               snap.State.Splash(),
		ShowPermissionPrompt: snap.ShowPermissionPrompt,
		Version:              snap.Version,
		UpdatedAt:            snap.UpdatedAt,
	}
}
