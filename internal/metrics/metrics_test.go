package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveTransition("idle", "loading")
	c.IncMerge(false)
	c.ObserveRemote("validate", errors.New("boom"), time.Second)
	assert.Nil(t, c.Registry())
	h := c.InstrumentHandler(http.NotFoundHandler())
	assert.NotNil(t, h)
}

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.ObserveTransition("idle", "loading")
	c.ObserveTransition("loading", "validating")
	c.IncMerge(true)
	c.SetNetworkSatisfied(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("loading", "validating")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.currentPhase.WithLabelValues("loading")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.currentPhase.WithLabelValues("validating")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.merges.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.network))
}

func TestHandlerExposesInstrumentedRequests(t *testing.T) {
	c := New()
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := httptest.NewServer(c.InstrumentHandler(mux))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `launchgate_http_requests_total{method="GET",path="/v1/health",status="418"} 1`), string(body))
}
