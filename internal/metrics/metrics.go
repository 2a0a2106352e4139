package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives transfer engine outcomes.
type Recorder interface {
	RecordTransfer(outcome string)
	RecordRetry()
}

// NoOpRecorder is used when metrics are not needed.
type NoOpRecorder struct{}

// RecordTransfer does nothing.
func (NoOpRecorder) RecordTransfer(outcome string) {}

// RecordRetry does nothing.
func (NoOpRecorder) RecordRetry() {}

// Prometheus implements Recorder and provides the HTTP middleware.
type Prometheus struct {
	transfers       *prometheus.CounterVec
	retries         prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Transfer requests by outcome",
			},
			[]string{"outcome"},
		),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_retries_total",
				Help:      "Transfers retried after a transient store conflict",
			},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(p.transfers, p.retries, p.requestsTotal, p.requestDuration)
	return p
}

func (p *Prometheus) RecordTransfer(outcome string) {
	p.transfers.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) RecordRetry() {
	p.retries.Inc()
}

// Middleware records request counts and latencies per route template.
func (p *Prometheus) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(srw, r)

			route := routeTemplate(r)
			p.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(srw.statusCode)).Inc()
			p.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// statusResponseWriter captures the status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// routeTemplate keeps label cardinality bounded by using the mux template
func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unmatched"
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return "unmatched"
	}
	return tpl
}
