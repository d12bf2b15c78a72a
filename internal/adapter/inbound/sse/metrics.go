package sse

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics exported by the SSE transport.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveStreams   prometheus.Gauge
}

// newMetrics creates and registers the SSE transport's metrics.
func newMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpmux",
				Subsystem: "sse",
				Name:      "requests_total",
				Help:      "Total number of SSE transport HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpmux",
				Subsystem: "sse",
				Name:      "request_duration_seconds",
				Help:      "SSE transport HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveStreams: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcpmux",
				Subsystem: "sse",
				Name:      "active_streams",
				Help:      "Number of currently connected SSE GET streams",
			},
		),
	}
}

// metricsMiddleware records request count and duration. Long-lived SSE GET
// streams are excluded from the duration histogram (their "duration" is
// the connection lifetime, not a meaningful latency sample) but still
// counted.
func metricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			isStream := r.Method == http.MethodGet
			if isStream {
				metrics.ActiveStreams.Inc()
				defer metrics.ActiveStreams.Dec()
			}

			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			status := "ok"
			if recorder.status >= 400 {
				status = "error"
			}
			metrics.RequestsTotal.WithLabelValues(r.Method, status).Inc()
			if !isStream {
				metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
