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

// HTTP metrics.
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the durable and fast stores answered the last readiness probe.",
	})
)

// Credential and telemetry metrics.
var (
	credentialOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_operations_total",
			Help: "Credential operations by kind, operation and outcome.",
		},
		[]string{"kind", "op", "outcome"},
	)

	auditBuffer = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_buffer_events",
		Help: "Audit events waiting in the in-memory buffer.",
	})

	auditFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_flush_total",
			Help: "Audit buffer flush attempts by outcome.",
		},
		[]string{"outcome"},
	)

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_dropped_total",
		Help: "Audit events discarded because the buffer bound was reached.",
	})

	auditQuarantined = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_quarantined_total",
		Help: "Audit events left out of a batch because they could not be encoded.",
	})

	cacheFillReverts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_cache_fill_reverted_total",
			Help: "Cache fills dropped because the credential changed while it was being read.",
		},
		[]string{"kind"},
	)

	securityAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_alerts_total",
			Help: "Security alerts raised by type and severity.",
		},
		[]string{"type", "severity"},
	)

	detectorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_errors_total",
			Help: "Pattern detector failures; a rising value means detection is degraded.",
		},
		[]string{"detector"},
	)

	tokenReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "token_replay_total",
		Help: "Refresh tokens presented again inside the replay window.",
	})

	sweepDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_deleted_rows_total",
			Help: "Rows removed by retention sweeps.",
		},
		[]string{"task"},
	)

	alertStreamDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alert_stream_dropped_total",
		Help: "Alerts not delivered to a live subscriber whose queue was full.",
	})

	sweepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_failures_total",
			Help: "Retention sweep runs that returned an error.",
		},
		[]string{"task"},
	)
)

var initOnce sync.Once

// Init registers every collector in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			credentialOps, auditBuffer, auditFlushes, auditDropped, auditQuarantined, cacheFillReverts,
			securityAlerts, detectorErrors, tokenReplays, alertStreamDropped,
			sweepDeleted, sweepFailures,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// CredentialOp counts one credential operation.
func CredentialOp(kind, op, outcome string) {
	credentialOps.WithLabelValues(kind, op, outcome).Inc()
}

// SetAuditBuffered publishes the current audit buffer length.
func SetAuditBuffered(n int) {
	auditBuffer.Set(float64(n))
}

// AuditFlush counts a flush attempt.
func AuditFlush(outcome string) {
	auditFlushes.WithLabelValues(outcome).Inc()
}

// AuditDropped counts events discarded by the buffer bound.
func AuditDropped(n int) {
	auditDropped.Add(float64(n))
}

// AuditQuarantined counts an event that could not be written.
func AuditQuarantined() {
	auditQuarantined.Inc()
}

// CacheFillReverted counts a credential cache entry removed right after it was written.
func CacheFillReverted(kind string) {
	cacheFillReverts.WithLabelValues(kind).Inc()
}

// SecurityAlert counts a raised alert.
func SecurityAlert(alertType, severity string) {
	securityAlerts.WithLabelValues(alertType, severity).Inc()
}

// DetectorError counts a detector failure.
func DetectorError(detector string) {
	detectorErrors.WithLabelValues(detector).Inc()
}

// TokenReplay counts a detected refresh token replay.
func TokenReplay() {
	tokenReplays.Inc()
}

// AlertStreamDropped counts an alert a slow stream subscriber missed.
func AlertStreamDropped() {
	alertStreamDropped.Inc()
}

// SweepDone records the outcome of one retention sweep task.
func SweepDone(task string, deleted int64, err error) {
	if err != nil {
		sweepFailures.WithLabelValues(task).Inc()
		return
	}
	sweepDeleted.WithLabelValues(task).Add(float64(deleted))
}

// Instrument measures in-flight requests, totals and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses resource ids so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	for _, prefix := range []string{"/v1/api-keys/", "/v1/security/alerts/"} {
		rest, ok := strings.CutPrefix(raw, prefix)
		if !ok || rest == "" || rest == "stream" {
			continue
		}
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) == 1:
			return prefix + ":id"
		case len(parts) == 2 && (parts[1] == "rotate" || parts[1] == "resolve"):
			return prefix + ":id/" + parts[1]
		}
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
