package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every route.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Authentication-domain metrics. Failure kinds are coarse on purpose: the
// detailed sub-reason goes to the log, not to a metric label.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	tokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_verifications_total",
			Help: "Access token verifications by result.",
		},
		[]string{"result"},
	)

	revocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_revocations_total",
			Help: "Token revocation writes by outcome.",
		},
		[]string{"outcome"},
	)
)

var ready = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "gateway_ready",
	Help: "1 when the last readiness probe succeeded.",
})

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, tokenVerificationsTotal, revocationsTotal,
		ready,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin records a login attempt outcome ("success", "denied", "error").
func ObserveLogin(outcome string) {
	loginsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTokenVerification records a verification result
// ("ok", "malformed", "expired", "bad_signature", "revoked", "error").
func ObserveTokenVerification(result string) {
	tokenVerificationsTotal.WithLabelValues(result).Inc()
}

// ObserveRevocation records a revocation write outcome ("ok", "skipped", "error").
func ObserveRevocation(outcome string) {
	revocationsTotal.WithLabelValues(outcome).Inc()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
