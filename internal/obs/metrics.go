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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditgate_ready",
		Help: "1 when the gateway passed its last readiness probe.",
	})
)

// Метрики шлюза аудитора
var (
	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditgate_validations_total",
			Help: "Token validations by outcome.",
		},
		[]string{"outcome"},
	)

	accessLogWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditgate_access_log_writes_total",
			Help: "Access log write attempts by result (ok, retry, spooled, dropped).",
		},
		[]string{"result"},
	)

	accessLogQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditgate_access_log_queue_depth",
		Help: "Access log entries waiting for a writer.",
	})

	moduleFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditgate_module_fetch_seconds",
			Help:    "Read-only module fetch latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module", "result"},
	)

	crossTenantRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditgate_cross_tenant_rows_total",
		Help: "Rows discarded because their organization did not match the grant.",
	})

	portalsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditgate_portals_active",
		Help: "Live portal instances.",
	})
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			validationsTotal, accessLogWrites, accessLogQueueDepth,
			moduleFetchDuration, crossTenantRows, portalsActive,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Обёртка для измерения RPS/latency/в полёте.
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

// CanonicalPath collapses record identifiers so label cardinality stays bounded.
// Module keys are a fixed set and stay in the label.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	// v1/portal/modules/{key}/records/{id}/{expand|collapse}
	if len(parts) == 7 && parts[0] == "v1" && parts[1] == "portal" && parts[2] == "modules" && parts[4] == "records" {
		parts[5] = ":id"
		return "/" + strings.Join(parts, "/")
	}
	return raw
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveValidation counts a Session Validator outcome.
func ObserveValidation(outcome string) {
	validationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLogWrite counts an access log write result.
func ObserveLogWrite(result string) {
	accessLogWrites.WithLabelValues(result).Inc()
}

// SetLogQueueDepth reports the access log queue length.
func SetLogQueueDepth(n int) {
	accessLogQueueDepth.Set(float64(n))
}

// ObserveFetch records a module fetch duration.
func ObserveFetch(module, result string, d time.Duration) {
	moduleFetchDuration.WithLabelValues(module, result).Observe(d.Seconds())
}

// ObserveCrossTenantRows counts rows dropped by the tenant guard.
func ObserveCrossTenantRows(n int) {
	if n > 0 {
		crossTenantRows.Add(float64(n))
	}
}

// SetPortalsActive reports the number of live portal instances.
func SetPortalsActive(n int) {
	portalsActive.Set(float64(n))
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
