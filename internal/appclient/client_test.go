package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishvault/launchgate/internal/api"
	"github.com/fishvault/launchgate/internal/model"
)

func TestWatchOnceRequestsSingleLine(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("once"))
		_, _ = io.WriteString(w, `{"schema_version":"v1","stream_id":"s","sequence":4,"type":"state","state":{"phase":"loading","splash":true,"show_permission_prompt":false,"version":2}}`+"\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	line, err := NewWithClient(srv.URL, srv.Client()).WatchOnce(context.Background())
	require.NoError(t, err, "watch once")
	assert.Equal(t, api.WatchTypeState, line.Type)
	assert.Equal(t, int64(4), line.Sequence)
	require.NotNil(t, line.State)
	assert.Equal(t, "loading", line.State.Phase)
}

func TestWatchOnceRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "not-json\n")
	}))
	defer srv.Close()

	_, err := NewWithClient(srv.URL, srv.Client()).WatchOnce(context.Background())
	assert.ErrorIs(t, err, ErrWatchPayloadInvalid)
}

func TestWatchLoopReconnectsAfterRetryableFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_UNAVAILABLE","message":"starting"}}`)
		case 2:
			_, _ = io.WriteString(w, `{"schema_version":"v1","sequence":1,"type":"state","state":{"phase":"loading"}}`+"\n")
		default:
			_, _ = io.WriteString(w, `{"schema_version":"v1","sequence":2,"type":"load_temp_url","url":"https://offer.test"}`+"\n")
		}
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []api.WatchLine
	stop := errors.New("stop")
	err := client.WatchLoop(ctx, WatchLoopOptions{RetryMinBackoff: 5 * time.Millisecond, RetryMaxBackoff: 10 * time.Millisecond}, func(line api.WatchLine) error {
		got = append(got, line)
		if len(got) == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Len(t, got, 2)
	assert.Equal(t, api.WatchTypeState, got[0].Type)
	assert.Equal(t, api.WatchTypeLoadTempURL, got[1].Type)
	assert.Equal(t, "https://offer.test", got[1].URL)
	assert.GreaterOrEqual(t, calls.Load(), int32(3), "expected reconnects")
}

func TestWatchLoopStopsOnNonRetryableError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_REF_INVALID","message":"method not allowed"}}`)
	}))
	defer srv.Close()

	err := NewWithClient(srv.URL, srv.Client()).WatchLoop(context.Background(), WatchLoopOptions{}, nil)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, model.ErrRefInvalid, reqErr.Code)
	assert.False(t, reqErr.Retryable())
}

func TestSubmitConversionSendsRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/events/conversion", r.URL.Path)
		var req api.RecordRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req), "decode request")
		assert.Equal(t, "spring", req.Data.String("campaign"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"schema_version":"v1","kind":"conversion","accepted":true}`)
	}))
	defer srv.Close()

	resp, err := NewWithClient(srv.URL, srv.Client()).SubmitConversion(context.Background(), model.NewRecord(map[string]any{"campaign": "spring"}))
	require.NoError(t, err, "submit conversion")
	assert.True(t, resp.Accepted)
	assert.Equal(t, "conversion", resp.Kind)
}

func TestPostNotificationForwardsRawPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"data":{"url":"https://offer.test"}`, "payload was altered")
		_, _ = io.WriteString(w, `{"schema_version":"v1","routed":true,"url":"https://offer.test"}`)
	}))
	defer srv.Close()

	resp, err := NewWithClient(srv.URL, srv.Client()).PostNotification(context.Background(), []byte(`{"data":{"url":"https://offer.test"}}`))
	require.NoError(t, err, "post notification")
	assert.True(t, resp.Routed)
	assert.Equal(t, "https://offer.test", resp.URL)
}

func TestReportNetworkSendsExplicitFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"satisfied":false}`, string(body))
		_, _ = io.WriteString(w, `{"schema_version":"v1","network":"unsatisfied"}`)
	}))
	defer srv.Close()

	resp, err := NewWithClient(srv.URL, srv.Client()).ReportNetwork(context.Background(), false)
	require.NoError(t, err, "report network")
	assert.Equal(t, "unsatisfied", resp.Network)
}

func TestRequestErrorFallsBackToStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	}))
	defer srv.Close()

	_, err := NewWithClient(srv.URL, srv.Client()).State(context.Background())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "HTTP_429", reqErr.Code)
	assert.Equal(t, "slow down", reqErr.Message)
	assert.True(t, reqErr.Retryable())
}

func TestUnaryTimeoutApplies(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewWithClient(srv.URL, srv.Client()).WithUnaryTimeout(30 * time.Millisecond)
	_, err := client.Health(context.Background())
	assert.Error(t, err, "expected timeout error")
}
