// Package metrics exposes Prometheus instrumentation for the proxy and the
// interaction recorder.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llm_proxier"

// Upstream failure kinds used as the "kind" label.
const (
	UpstreamUnreachable = "unreachable"
	UpstreamTimeout     = "timeout"
	UpstreamInterrupted = "interrupted"
)

// Collector owns a registry and the proxy's metric families. A nil *Collector
// is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec
	relayedBytes      prometheus.Counter
	streamDuration    *prometheus.HistogramVec
	clientDisconnects prometheus.Counter
	logWritesTotal    *prometheus.CounterVec
	logWritesInFlight prometheus.Gauge
	logWriteDuration  prometheus.Histogram
}

// NewCollector registers the proxy metrics with registry. If registry is nil a
// fresh one is created, with Go runtime and process collectors attached.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_requests_total",
				Help:      "Proxied requests by upstream status code",
			},
			[]string{"code"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Upstream failures by kind",
			},
			[]string{"kind"},
		),
		relayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Response body bytes read from upstream",
		}),
		streamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stream_duration_seconds",
				Help:      "Time from upstream response headers to end of body",
				// LLM completions range from sub-second to several minutes.
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"code"},
		),
		clientDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_disconnects_total",
			Help:      "Streams whose client went away before the upstream body ended",
		}),
		logWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_writes_total",
				Help:      "Interaction log writes by result",
			},
			[]string{"result"},
		),
		logWritesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_writes_in_flight",
			Help:      "Interaction log writes currently pending",
		}),
		logWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "log_write_duration_seconds",
			Help:      "Latency of a single interaction log write",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.upstreamErrors,
		c.relayedBytes,
		c.streamDuration,
		c.clientDisconnects,
		c.logWritesTotal,
		c.logWritesInFlight,
		c.logWriteDuration,
	)

	return c
}

// Registry returns the registry backing this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ObserveStream records a completed relay: its upstream status, body size,
// streaming time and whether the client left early.
func (c *Collector) ObserveStream(statusCode int, bytes int64, d time.Duration, clientGone bool) {
	if c == nil {
		return
	}
	code := strconv.Itoa(statusCode)
	c.requestsTotal.WithLabelValues(code).Inc()
	c.relayedBytes.Add(float64(bytes))
	c.streamDuration.WithLabelValues(code).Observe(d.Seconds())
	if clientGone {
		c.clientDisconnects.Inc()
	}
}

// UpstreamError counts an upstream failure of the given kind.
func (c *Collector) UpstreamError(kind string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(kind).Inc()
}

// LogWriteStarted marks a pending log write.
func (c *Collector) LogWriteStarted() {
	if c == nil {
		return
	}
	c.logWritesInFlight.Inc()
}

// LogWriteFinished records the outcome of a pending log write.
func (c *Collector) LogWriteFinished(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.logWritesInFlight.Dec()
	c.logWriteDuration.Observe(d.Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.logWritesTotal.WithLabelValues(result).Inc()
}
