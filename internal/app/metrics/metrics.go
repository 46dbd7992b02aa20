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

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "custody_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custody_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "custody_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	lifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custody_layer",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Persisted account state transitions by target state.",
		},
		[]string{"state"},
	)

	undockingErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "custody_layer",
			Subsystem: "lifecycle",
			Name:      "undocking_errors_total",
			Help:      "Undocking runs aborted by an error.",
		},
	)

	undockingInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "custody_layer",
			Subsystem: "lifecycle",
			Name:      "undocking_runs_inflight",
			Help:      "Undocking runs currently executing.",
		},
	)

	undockingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "custody_layer",
			Subsystem: "lifecycle",
			Name:      "undocking_run_duration_seconds",
			Help:      "Wall time of undocking runs, including confirmation polling.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		},
	)

	remoteCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custody_layer",
			Subsystem: "ledger",
			Name:      "remote_calls_total",
			Help:      "Calls to the ledger node and wallet indexer.",
		},
		[]string{"op", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		lifecycleTransitions,
		undockingErrors,
		undockingInFlight,
		undockingDuration,
		remoteCalls,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordTransition counts a persisted state change.
func RecordTransition(state string) {
	lifecycleTransitions.WithLabelValues(state).Inc()
}

// RecordUndockingError counts an aborted undocking run.
func RecordUndockingError() {
	undockingErrors.Inc()
}

// TrackUndockingRun marks a run as started and returns a func that marks it
// finished.
func TrackUndockingRun() func() {
	start := time.Now()
	undockingInFlight.Inc()
	return func() {
		undockingInFlight.Dec()
		undockingDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordRemoteCall counts a ledger call by outcome.
func RecordRemoteCall(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	remoteCalls.WithLabelValues(op, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush lets streaming handlers work through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack supports websocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// canonicalPath collapses account ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if p == "accounts" {
			if i+1 < len(parts) {
				return "/" + strings.Join(parts[:i+1], "/") + "/:account"
			}
			return "/" + strings.Join(parts[:i+1], "/")
		}
	}
	return "/" + parts[0]
}
