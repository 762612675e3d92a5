package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	UCSRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ucs_requests_total",
			Help: "Total number of upstream contest site requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	UCSRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ucs_request_duration_seconds",
			Help:    "Upstream contest site request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation", "proxied"},
	)

	SchedulerInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_inflight",
			Help: "Work items currently dispatched and not yet completed",
		},
	)
	SchedulerCap = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_cap",
			Help: "Current adaptive concurrency ceiling",
		},
	)
	SchedulerDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_dispatch_total",
			Help: "Total work items dispatched by outcome",
		},
		[]string{"outcome"},
	)
	SchedulerServiceTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_service_time_seconds",
			Help:    "Wall-clock service time of dispatched work items",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flight_uploads_total",
			Help: "Total flight uploads to the downstream service by outcome",
		},
		[]string{"outcome"},
	)
	CacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "result_cache_ops_total",
			Help: "Result cache operations by backend and outcome (hit, miss, set, error)",
		},
		[]string{"backend", "outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(UCSRequestsTotal)
	prometheus.MustRegister(UCSRequestDuration)
	prometheus.MustRegister(SchedulerInflight)
	prometheus.MustRegister(SchedulerCap)
	prometheus.MustRegister(SchedulerDispatchTotal)
	prometheus.MustRegister(SchedulerServiceTime)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(CacheOpsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveUCSRequest records one upstream request.
func ObserveUCSRequest(operation, outcome string, proxied bool, dur time.Duration) {
	UCSRequestsTotal.WithLabelValues(operation, outcome).Inc()
	p := "direct"
	if proxied {
		p = "proxy"
	}
	UCSRequestDuration.WithLabelValues(operation, p).Observe(dur.Seconds())
}
