// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes registry and RPC instrumentation through a
// dedicated Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "neovim_manager"

// Collector implements ports.RegistryMetrics and rpc.RequestMetrics.
type Collector struct {
	instances     prometheus.Gauge
	registrations *prometheus.CounterVec

	sweeps        prometheus.Counter
	sweepDuration prometheus.Histogram
	probes        prometheus.Counter
	evictions     prometheus.Counter

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	connections     prometheus.Gauge

	registry *prometheus.Registry
}

// NewCollector creates a Collector with its own registry. Go runtime and
// process collectors are registered alongside the manager's metrics.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.instances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instances",
		Help:      "Number of registered editor instances",
	})

	c.registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome",
		},
		[]string{"outcome"},
	)

	c.sweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_sweeps_total",
		Help:      "Completed health sweeps",
	})

	c.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "health_sweep_duration_seconds",
		Help:      "Duration of health sweeps",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	c.probes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_probes_total",
		Help:      "Liveness probes issued",
	})

	c.evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Instances evicted after a failed probe",
	})

	c.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "JSON-RPC request handling time",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	c.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_rate_limited_total",
		Help:      "Requests rejected by the rate limiter",
	})

	c.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rpc_open_connections",
		Help:      "Currently open client connections",
	})

	c.registry.MustRegister(
		c.instances,
		c.registrations,
		c.sweeps,
		c.sweepDuration,
		c.probes,
		c.evictions,
		c.requests,
		c.requestDuration,
		c.rateLimited,
		c.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) SetInstances(n int) {
	c.instances.Set(float64(n))
}

func (c *Collector) RecordRegistration(outcome string) {
	c.registrations.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordSweep(duration time.Duration, probed, evicted int) {
	c.sweeps.Inc()
	c.sweepDuration.Observe(duration.Seconds())
	c.probes.Add(float64(probed))
	c.evictions.Add(float64(evicted))
}

// RecordRequest counts one dispatched request. status is "ok" or the
// JSON-RPC error code as text.
func (c *Collector) RecordRequest(method, status string, duration time.Duration) {
	c.requests.WithLabelValues(method, status).Inc()
	c.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

func (c *Collector) ConnectionOpened() {
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	c.connections.Dec()
}
