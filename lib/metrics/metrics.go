// Package metrics holds the Prometheus collectors of the message core.
//
// Every method is safe on a nil *Metrics, so components accept an optional
// instance and record unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediaserver"

// Metrics groups the collectors shared by processors, the module factory and RPC clients.
type Metrics struct {
	registry *prometheus.Registry

	MessagesProcessed *prometheus.CounterVec
	HandlerFailures   *prometheus.CounterVec
	ModulesLoaded     prometheus.Gauge
	RemoteCalls       *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "messages_total",
			Help:      "Messages dispatched by module processors",
		}, []string{"module", "kind"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "handler_failures_total",
			Help:      "Handler invocations that failed or panicked",
		}, []string{"module", "kind"}),
		ModulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modules",
			Name:      "loaded",
			Help:      "Number of modules currently loaded in this process",
		}),
		RemoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Remote calls by object, method and result",
		}, []string{"object", "method", "result"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "sync_roundtrip_seconds",
			Help:      "Latency of sync request/response round trips",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module"}),
	}

	m.registry.MustRegister(
		m.MessagesProcessed,
		m.HandlerFailures,
		m.ModulesLoaded,
		m.RemoteCalls,
		m.SyncDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageProcessed(module, kind string) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(module, kind).Inc()
}

func (m *Metrics) HandlerFailed(module, kind string) {
	if m == nil {
		return
	}
	m.HandlerFailures.WithLabelValues(module, kind).Inc()
}

func (m *Metrics) ModuleLoaded() {
	if m == nil {
		return
	}
	m.ModulesLoaded.Inc()
}

func (m *Metrics) ModuleUnloaded() {
	if m == nil {
		return
	}
	m.ModulesLoaded.Dec()
}

// RemoteCall counts one remote call; a nil err is recorded as "ok".
func (m *Metrics) RemoteCall(object, method string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RemoteCalls.WithLabelValues(object, method, result).Inc()
}

// ObserveSync records the duration of a sync round trip started at start.
func (m *Metrics) ObserveSync(module string, start time.Time) {
	if m == nil {
		return
	}
	m.SyncDuration.WithLabelValues(module).Observe(time.Since(start).Seconds())
}
