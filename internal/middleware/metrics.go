package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a bundle of prometheus HTTP metrics recorders
type Metrics struct {
	counter  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	label    func(*http.Request) string
}

// NewMetrics registers the gateway request metrics on registry. label maps a
// request to a bounded route label so raw paths never become label values.
func NewMetrics(registry prometheus.Registerer, label func(*http.Request) string) (*Metrics, error) {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP Requests received",
		},
		[]string{"route", "method", "status_code"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Total duration histogram for the HTTP request",
			// Power of 2 time - 1ms, 2ms, 4ms ... 32768ms, +Inf ms
			Buckets: prometheus.ExponentialBuckets(0.001, 2.0, 16),
		},
		[]string{"route", "status_code"},
	)

	for _, c := range []prometheus.Collector{counter, duration} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &Metrics{counter: counter, duration: duration, label: label}, nil
}

// Middleware records count and latency for every request
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := newStatusRecorder(w)

		next.ServeHTTP(wrapped, r)

		route := m.label(r)
		status := strconv.Itoa(wrapped.StatusCode)
		m.counter.WithLabelValues(route, methodLabel(r.Method), status).Inc()
		m.duration.WithLabelValues(route, status).Observe(time.Since(start).Seconds())
	})
}

func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return method
	}
	return "OTHER"
}
