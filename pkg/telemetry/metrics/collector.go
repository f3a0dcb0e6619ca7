package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every Bifrost metric.
const Namespace = "bifrost"

// Collector owns the Prometheus registry and every metric the engines
// publish. It is created once at startup and shared by reference; all
// methods are safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	bytesIn           *prometheus.CounterVec
	bytesOut          *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
	targetInflight    *prometheus.GaugeVec
	targetHealthy     *prometheus.GaugeVec
	filesServed       prometheus.Counter
	filesStreamed     prometheus.Counter
	rateLimited       *prometheus.CounterVec
	decryptSuccess    prometheus.Counter
	decryptFailure    prometheus.Counter
}

// NewCollector creates a collector backed by its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Requests accepted, labeled by engine.",
		}, []string{"engine"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to clients, labeled by engine and class.",
		}, []string{"engine", "class"}),
		bytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bytes_in_total",
			Help:      "Bytes read from clients, labeled by engine.",
		}, []string{"engine"}),
		bytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bytes_out_total",
			Help:      "Bytes written to clients, labeled by engine.",
		}, []string{"engine"}),
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connections_active",
			Help:      "Open client connections, labeled by engine.",
		}, []string{"engine"}),
		targetInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "target_inflight_requests",
			Help:      "In-flight requests per reverse proxy target.",
		}, []string{"route", "target"}),
		targetHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "target_healthy",
			Help:      "Target health flag (1 healthy, 0 unhealthy).",
		}, []string{"route", "target"}),
		filesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "files_served_total",
			Help:      "Static files served.",
		}),
		filesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "files_streamed_total",
			Help:      "Static files streamed chunk-wise from disk.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, labeled by rule.",
		}, []string{"rule"}),
		decryptSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "config_secret_decrypt_success_total",
			Help:      "Encrypted configuration values successfully decrypted.",
		}),
		decryptFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "config_secret_decrypt_failure_total",
			Help:      "Encrypted configuration values that failed to decrypt.",
		}),
	}

	registry.MustRegister(
		c.requestsTotal, c.errorsTotal, c.bytesIn, c.bytesOut,
		c.activeConnections, c.targetInflight, c.targetHealthy,
		c.filesServed, c.filesStreamed, c.rateLimited,
		c.decryptSuccess, c.decryptFailure,
	)
	return c
}

// Registry exposes the registry for the monitoring server's /metrics
// handler. Callers must treat it as read-only.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// IncRequests counts one accepted request for the named engine.
func (c *Collector) IncRequests(engine string) {
	c.requestsTotal.WithLabelValues(engine).Inc()
}

// IncErrors counts one client-visible error of the given class
// ("protocol", "auth", "routing", "upstream", "rate_limit", "internal").
func (c *Collector) IncErrors(engine, class string) {
	c.errorsTotal.WithLabelValues(engine, class).Inc()
}

// AddBytesIn accumulates bytes read from clients.
func (c *Collector) AddBytesIn(engine string, n int64) {
	if n > 0 {
		c.bytesIn.WithLabelValues(engine).Add(float64(n))
	}
}

// AddBytesOut accumulates bytes written to clients.
func (c *Collector) AddBytesOut(engine string, n int64) {
	if n > 0 {
		c.bytesOut.WithLabelValues(engine).Add(float64(n))
	}
}

// ConnOpened / ConnClosed track the active-connection gauge.
func (c *Collector) ConnOpened(engine string) {
	c.activeConnections.WithLabelValues(engine).Inc()
}

func (c *Collector) ConnClosed(engine string) {
	c.activeConnections.WithLabelValues(engine).Dec()
}

// TargetInflight adjusts the per-target in-flight gauge by delta.
func (c *Collector) TargetInflight(route, target string, delta float64) {
	c.targetInflight.WithLabelValues(route, target).Add(delta)
}

// SetTargetHealthy records a health probe transition.
func (c *Collector) SetTargetHealthy(route, target string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.targetHealthy.WithLabelValues(route, target).Set(v)
}

// IncFilesServed counts one completed static file response.
func (c *Collector) IncFilesServed() {
	c.filesServed.Inc()
}

// IncFilesStreamed counts one chunk-streamed static file response.
func (c *Collector) IncFilesStreamed() {
	c.filesStreamed.Inc()
}

// IncRateLimited counts one 429 for the given rule.
func (c *Collector) IncRateLimited(rule string) {
	c.rateLimited.WithLabelValues(rule).Inc()
}

// IncDecryptSuccess counts one successfully decrypted secret.
func (c *Collector) IncDecryptSuccess() {
	c.decryptSuccess.Inc()
}

// IncDecryptFailure counts one failed secret decryption.
func (c *Collector) IncDecryptFailure() {
	c.decryptFailure.Inc()
}
