package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
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

	registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pseudomat_registrations_total",
			Help: "Token registrations by record kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	mailTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pseudomat_confirmation_mail_total",
			Help: "Confirmation mail attempts by result.",
		},
		[]string{"result"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pseudomat_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			registrationsTotal, mailTotal, readyGauge)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRegistration counts a registration attempt. kind is project,
// invite, member or revoke; outcome is created, replayed, conflict or
// rejected.
func ObserveRegistration(kind, outcome string) {
	registrationsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveMail counts a confirmation mail attempt.
func ObserveMail(result string) {
	mailTotal.WithLabelValues(result).Inc()
}

// SetReady records the readiness state.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

var fixedPaths = map[string]bool{
	"/":            true,
	"/metrics":     true,
	"/healthz":     true,
	"/readyz":      true,
	"/v1/info":     true,
	"/favicon.ico": true,
}

// CanonicalPath maps a request path onto its route template so that record
// ids do not explode label cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if fixedPaths[path] {
		return path
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1:
		return "/:project"
	case len(parts) == 2 && parts[1] == "verification":
		return "/:project/verification"
	case len(parts) == 3 && parts[1] == "invites":
		return "/:project/invites/:invite"
	case len(parts) == 4 && parts[1] == "invites" && (parts[3] == "member" || parts[3] == "revocation"):
		return "/:project/invites/:invite/" + parts[3]
	}
	return "/:other"
}

// Instrument measures request rate, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
