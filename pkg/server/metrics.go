package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// httpMetrics records request counts and latencies by chi route pattern.
// A nil *httpMetrics records nothing.
type httpMetrics struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
	inflight prometheus.Gauge
	rejects  prometheus.Counter
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &httpMetrics{
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "costguard",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"method", "route", "status"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costguard",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "costguard",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "API requests currently being served",
		}),
		rejects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "costguard",
			Subsystem: "http",
			Name:      "rejected_requests_total",
			Help:      "API requests rejected by the in-flight cap",
		}),
	}
}

func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []string{r.Method, route, strconv.Itoa(status)}
		m.duration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(labels...).Inc()
	})
}

func (m *httpMetrics) addInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}

func (m *httpMetrics) rejected() {
	if m == nil {
		return
	}
	m.rejects.Inc()
}
