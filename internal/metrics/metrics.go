// Package metrics exposes poll, command and quota telemetry in Prometheus
// format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the engine reports. Each Collector carries its
// own registry so the handler serves exactly these metrics and repeated
// construction in tests cannot collide.
type Collector struct {
	registry *prometheus.Registry

	pollsTotal     *prometheus.CounterVec
	commandsTotal  *prometheus.CounterVec
	batchesTotal   prometheus.Counter
	batchSize      prometheus.Histogram
	quotaRemaining prometheus.Gauge
	quotaLimit     prometheus.Gauge
	pollInterval   prometheus.Gauge
	pollCost       prometheus.Gauge
	apiStatus      *prometheus.GaugeVec
}

// NewCollector creates and registers the full metric set.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_polls_total",
			Help: "Total number of poll cycles, by outcome",
		}, []string{"outcome"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_commands_total",
			Help: "Total number of dispatched commands, by kind and outcome",
		}, []string{"kind", "outcome"}),
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_command_batches_total",
			Help: "Total number of completed command batches",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_command_batch_size",
			Help:    "Number of commands dispatched per batch",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		quotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_quota_remaining",
			Help: "Estimated remaining daily API calls",
		}),
		quotaLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_quota_limit",
			Help: "Daily API call limit last reported by the upstream",
		}),
		pollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_poll_interval_seconds",
			Help: "Interval chosen for the next scheduled poll",
		}),
		pollCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_poll_cost_estimate",
			Help: "Smoothed estimate of API calls consumed per poll cycle",
		}),
		apiStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_api_status",
			Help: "Current API status, 1 for the active status and 0 otherwise",
		}, []string{"status"}),
	}

	c.registry.MustRegister(c.pollsTotal)
	c.registry.MustRegister(c.commandsTotal)
	c.registry.MustRegister(c.batchesTotal)
	c.registry.MustRegister(c.batchSize)
	c.registry.MustRegister(c.quotaRemaining)
	c.registry.MustRegister(c.quotaLimit)
	c.registry.MustRegister(c.pollInterval)
	c.registry.MustRegister(c.pollCost)
	c.registry.MustRegister(c.apiStatus)

	return c
}

// RecordPoll counts one completed poll cycle. outcome is "ok" or "error".
func (c *Collector) RecordPoll(outcome string) {
	c.pollsTotal.WithLabelValues(outcome).Inc()
}

// RecordCommand counts one dispatched command by kind and outcome.
func (c *Collector) RecordCommand(kind string, succeeded bool) {
	outcome := "ok"
	if !succeeded {
		outcome = "error"
	}
	c.commandsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordBatch counts one completed batch and its size.
func (c *Collector) RecordBatch(size int) {
	c.batchesTotal.Inc()
	c.batchSize.Observe(float64(size))
}

// SetQuota publishes the current remaining and limit estimates.
func (c *Collector) SetQuota(remaining, limit int) {
	c.quotaRemaining.Set(float64(remaining))
	c.quotaLimit.Set(float64(limit))
}

// SetPollInterval publishes the interval chosen for the next poll.
func (c *Collector) SetPollInterval(seconds float64) {
	c.pollInterval.Set(seconds)
}

// SetPollCost publishes the smoothed per-cycle cost estimate.
func (c *Collector) SetPollCost(cost float64) {
	c.pollCost.Set(cost)
}

// SetAPIStatus flips the status gauge set so exactly one label reads 1.
func (c *Collector) SetAPIStatus(status string) {
	for _, s := range []string{"connected", "throttled", "rate_limited"} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		c.apiStatus.WithLabelValues(s).Set(v)
	}
}

// Handler serves this collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
