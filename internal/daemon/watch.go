package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/fishvault/launchgate/internal/api"
	"github.com/fishvault/launchgate/internal/bus"
)

const reloadBacklog = 8

// watchHandler streams one ndjson line per state change, plus reload
// requests raised by tapped notifications. once=1 ends after the first line.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.App == nil {
		s.unavailable(w, "orchestrator")
		return
	}
	once := parseOnce(r.URL.Query().Get("once"))

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	err := s.stream(r.Context(), once, func(line api.WatchLine) error {
		if err := enc.Encode(line); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		s.logger.Debug("watch stream ended", zap.Error(err))
	}
}

// websocketHandler carries the same lines as /v1/watch over a websocket.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.App == nil {
		s.unavailable(w, "orchestrator")
		return
	}
	once := parseOnce(r.URL.Query().Get("once"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted") //nolint:errcheck

	// The client never sends; CloseRead cancels ctx once it goes away.
	ctx := conn.CloseRead(r.Context())
	err = s.stream(ctx, once, func(line api.WatchLine) error {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return wsjson.Write(writeCtx, conn, line)
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Debug("websocket stream ended", zap.Error(err))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
}

func (s *Server) stream(ctx context.Context, once bool, emit func(api.WatchLine) error) error {
	snapshots, unsubscribe := s.deps.App.Subscribe()
	defer unsubscribe()

	reloads := make(chan string, reloadBacklog)
	if s.deps.Events != nil && !once {
		off := s.deps.Events.Subscribe(bus.TopicLoadTempURL, func(ev bus.Event) {
			select {
			case reloads <- ev.URL:
			default:
			}
		})
		defer off()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-snapshots:
			state := toSnapshot(snap)
			if err := emit(s.watchLine(api.WatchTypeState, &state, "")); err != nil {
				return err
			}
			if once {
				return nil
			}
		case url := <-reloads:
			if err := emit(s.watchLine(api.WatchTypeLoadTempURL, nil, url)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) watchLine(kind string, state *api.StateSnapshot, url string) api.WatchLine {
	return api.WatchLine{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		StreamID:      s.streamID,
		Sequence:      s.nextSequence(),
		Type:          kind,
		State:         state,
		URL:           url,
	}
}

func parseOnce(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
