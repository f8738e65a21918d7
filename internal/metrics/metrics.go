// Package metrics exposes the Prometheus instruments of the messaging layer.
//
// Every method is safe on a nil *Collector so components can run without
// metrics in tests and tools.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups the counters and gauges of all workers in one process.
type Collector struct {
	envelopes   *prometheus.CounterVec
	unroutable  *prometheus.CounterVec
	calls       *prometheus.CounterVec
	pending     *prometheus.GaugeVec
	orphans     *prometheus.CounterVec
	pushes      *prometheus.CounterVec
	connections prometheus.Gauge
	jobs        *prometheus.CounterVec
	triggers    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector registers all instruments on reg. A nil reg uses a private
// registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workerbus_envelopes_routed_total",
			Help: "Envelopes handed to a handler, by worker and kind",
		}, []string{"worker", "kind"}),
		unroutable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workerbus_envelopes_unroutable_total",
			Help: "Envelopes whose kind has no registered handler",
		}, []string{"worker", "kind"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workerbus_rpc_calls_total",
			Help: "Cross-worker calls by target and outcome",
		}, []string{"target", "outcome"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workerbus_rpc_pending_calls",
			Help: "Calls awaiting a response, per calling worker",
		}, []string{"worker"}),
		orphans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workerbus_rpc_orphan_responses_total",
			Help: "Responses that matched no pending call",
		}, []string{"worker"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workerbus_push_deliveries_total",
			Help: "Per-connection push deliveries by outcome",
		}, []string{"outcome"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workerbus_clients_connected",
			Help: "Live client connections",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workerbus_jobs_total",
			Help: "Background jobs by name and terminal state",
		}, []string{"job", "state"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workerbus_scheduler_triggers_total",
			Help: "Periodic handler invocations by handler and outcome",
		}, []string{"handler", "outcome"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.envelopes, c.unroutable, c.calls, c.pending, c.orphans,
		c.pushes, c.connections, c.jobs, c.triggers,
	)
	return c
}

func (c *Collector) EnvelopeRouted(worker, kind string) {
	if c == nil {
		return
	}
	c.envelopes.WithLabelValues(worker, kind).Inc()
}

func (c *Collector) EnvelopeUnroutable(worker, kind string) {
	if c == nil {
		return
	}
	c.unroutable.WithLabelValues(worker, kind).Inc()
}

// CallFinished records one call outcome: ok, remote_error, timeout, cancelled, send_error, closed.
func (c *Collector) CallFinished(target, outcome string) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(target, outcome).Inc()
}

func (c *Collector) SetPending(worker string, n int) {
	if c == nil {
		return
	}
	c.pending.WithLabelValues(worker).Set(float64(n))
}

func (c *Collector) OrphanResponse(worker string) {
	if c == nil {
		return
	}
	c.orphans.WithLabelValues(worker).Inc()
}

func (c *Collector) PushDelivered(ok bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.pushes.WithLabelValues(outcome).Inc()
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

func (c *Collector) JobFinished(job, state string) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(job, state).Inc()
}

func (c *Collector) HandlerTriggered(handler string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.triggers.WithLabelValues(handler, outcome).Inc()
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
