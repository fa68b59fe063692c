package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "launchgate"

// Collector owns a private registry. All methods are safe on a nil receiver
// so components can run without metrics in tests.
type Collector struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	currentPhase  *prometheus.GaugeVec
	merges        *prometheus.CounterVec
	deeplinks     prometheus.Counter
	ingested      *prometheus.CounterVec
	rateLimited   prometheus.Counter
	notifications *prometheus.CounterVec
	network       prometheus.Gauge
	remoteCalls   *prometheus.CounterVec
	remoteLatency *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Applied app state transitions.",
		}, []string{"from", "to"}),
		currentPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "phase",
			Help:      "1 for the current app state phase, 0 otherwise.",
		}, []string{"phase"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "merges_total",
			Help:      "Merged attribution records published.",
		}, []string{"replayed"}),
		deeplinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "deeplinks_total",
			Help:      "Deeplink-only events published.",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Events accepted over the daemon API.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the ingestion limiter.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifyroute",
			Name:      "payloads_total",
			Help:      "Push payloads routed, by whether a destination was found.",
		}, []string{"routed"}),
		network: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "netmon",
			Name:      "satisfied",
			Help:      "1 when the connectivity path is satisfied.",
		}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Remote resolution calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Duration of remote resolution calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Daemon API requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of daemon API requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"method", "path"}),
	}
	c.registry.MustRegister(
		c.transitions,
		c.currentPhase,
		c.merges,
		c.deeplinks,
		c.ingested,
		c.rateLimited,
		c.notifications,
		c.network,
		c.remoteCalls,
		c.remoteLatency,
		c.httpRequests,
		c.httpDuration,
		prometheus.NewGoCollector(),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
	c.currentPhase.WithLabelValues(from).Set(0)
	c.currentPhase.WithLabelValues(to).Set(1)
}

func (c *Collector) IncMerge(replayed bool) {
	if c == nil {
		return
	}
	c.merges.WithLabelValues(strconv.FormatBool(replayed)).Inc()
}

func (c *Collector) IncDeeplink() {
	if c == nil {
		return
	}
	c.deeplinks.Inc()
}

func (c *Collector) IncIngested(kind string) {
	if c == nil {
		return
	}
	c.ingested.WithLabelValues(kind).Inc()
}

func (c *Collector) IncRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

func (c *Collector) IncNotification(routed bool) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(strconv.FormatBool(routed)).Inc()
}

func (c *Collector) SetNetworkSatisfied(satisfied bool) {
	if c == nil {
		return
	}
	if satisfied {
		c.network.Set(1)
		return
	}
	c.network.Set(0)
}

func (c *Collector) ObserveRemote(op string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.remoteCalls.WithLabelValues(op, outcome).Inc()
	c.remoteLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// InstrumentHandler wraps next with request count and latency collection.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		method := strings.ToUpper(r.Method)
		c.httpRequests.WithLabelValues(method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed by websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
