package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private Prometheus registry and the collectors for HTTP
// traffic, session lifecycle, ingest reconciliation, webhooks, and access
// decisions. Every method is safe on a nil Recorder.
type Recorder struct {
	registry           *prometheus.Registry
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	sessionStarts      *prometheus.CounterVec
	sessionStops       *prometheus.CounterVec
	reconcileDeletions *prometheus.CounterVec
	webhookOutcomes    *prometheus.CounterVec
	accessDecisions    *prometheus.CounterVec
	providerHealth     *prometheus.GaugeVec
	liveSessions       prometheus.Gauge
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder with every collector registered.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecast_http_requests_total",
			Help: "HTTP requests by method, route, and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatecast_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		sessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecast_session_starts_total",
			Help: "Session start attempts by result.",
		}, []string{"result"}),
		sessionStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecast_session_stops_total",
			Help: "Session stop attempts by result.",
		}, []string{"result"}),
		reconcileDeletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecast_ingest_reconcile_deletions_total",
			Help: "Provider resources removed while resetting a host, by kind and result.",
		}, []string{"kind", "result"}),
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecast_payment_webhooks_total",
			Help: "Payment webhook deliveries by outcome.",
		}, []string{"outcome"}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecast_access_decisions_total",
			Help: "View authorisation decisions by reason.",
		}, []string{"reason"}),
		providerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatecast_provider_health",
			Help: "1 when the component reported ok on its last probe, 0 otherwise.",
		}, []string{"component"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatecast_live_sessions",
			Help: "Sessions currently marked live.",
		}),
	}
	registry.MustRegister(
		r.httpRequests,
		r.httpDuration,
		r.sessionStarts,
		r.sessionStops,
		r.reconcileDeletions,
		r.webhookOutcomes,
		r.accessDecisions,
		r.providerHealth,
		r.liveSessions,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault swaps the process-wide Recorder. Passing nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request against a raw path. Identifier-like
// segments are collapsed so they do not explode label cardinality.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	r.ObserveRoute(method, normalizePath(path), status, duration)
}

// ObserveRoute records one HTTP request against a matched route pattern.
func (r *Recorder) ObserveRoute(method, route string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	path := route
	r.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (r *Recorder) SessionStarted(result string) {
	if r == nil {
		return
	}
	r.sessionStarts.WithLabelValues(normalizeName(result)).Inc()
}

func (r *Recorder) SessionStopped(result string) {
	if r == nil {
		return
	}
	r.sessionStops.WithLabelValues(normalizeName(result)).Inc()
}

// ObserveReset records the outcome of one host ingest reset.
func (r *Recorder) ObserveReset(roomsDeleted, endpointsDeleted, failures int) {
	if r == nil {
		return
	}
	r.reconcileDeletions.WithLabelValues("room", "deleted").Add(float64(roomsDeleted))
	r.reconcileDeletions.WithLabelValues("endpoint", "deleted").Add(float64(endpointsDeleted))
	if failures > 0 {
		r.reconcileDeletions.WithLabelValues("any", "failed").Add(float64(failures))
	}
}

func (r *Recorder) WebhookOutcome(outcome string) {
	if r == nil {
		return
	}
	r.webhookOutcomes.WithLabelValues(normalizeName(outcome)).Inc()
}

func (r *Recorder) AccessDecision(reason string) {
	if r == nil {
		return
	}
	r.accessDecisions.WithLabelValues(normalizeName(reason)).Inc()
}

func (r *Recorder) SetLiveSessions(n int) {
	if r == nil {
		return
	}
	r.liveSessions.Set(float64(n))
}

func (r *Recorder) SetProviderHealth(component, status string) {
	if r == nil {
		return
	}
	value := 0.0
	if strings.EqualFold(status, "ok") {
		value = 1
	}
	r.providerHealth.WithLabelValues(normalizeName(component)).Set(value)
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3 || (digitCount > 0 && len(segment) >= 8)
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
