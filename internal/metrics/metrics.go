// Package metrics exposes prometheus counters for the timer queue, the
// update loop and snipe submission.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every snipewatch metric. A nil *Collector is valid and
// records nothing.
type Collector struct {
	deliveries     *prometheus.CounterVec
	deliveryFaults *prometheus.CounterVec
	deliveryLag    prometheus.Histogram
	pending        prometheus.Gauge

	updates        prometheus.Counter
	updateFailures prometheus.Counter
	updateLatency  prometheus.Histogram

	snipesFired  prometheus.Counter
	snipesFailed prometheus.Counter
	snipesMissed prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector registers all metrics with reg. Passing nil uses a fresh
// registry so tests can create as many collectors as they like.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snipewatch_timequeue_deliveries_total",
			Help: "Payloads delivered by the timer queue, by destination",
		}, []string{"destination"}),
		deliveryFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snipewatch_timequeue_faults_total",
			Help: "Deliveries that returned an error or panicked, by destination",
		}, []string{"destination"}),
		deliveryLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snipewatch_timequeue_lag_seconds",
			Help:    "Delay between a handle's fire time and its delivery",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snipewatch_timequeue_pending",
			Help: "Handles currently waiting to fire",
		}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipewatch_updates_total",
			Help: "Auction refreshes attempted",
		}),
		updateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipewatch_update_failures_total",
			Help: "Auction refreshes that failed",
		}),
		updateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snipewatch_update_latency_seconds",
			Help:    "Time spent reloading an auction from its server",
			Buckets: prometheus.DefBuckets,
		}),
		snipesFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipewatch_snipes_fired_total",
			Help: "Snipe bids submitted successfully",
		}),
		snipesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipewatch_snipes_failed_total",
			Help: "Snipe bids rejected or not delivered",
		}),
		snipesMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipewatch_snipes_missed_total",
			Help: "Snipes cancelled because the auction ended before they fired",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.deliveries, c.deliveryFaults, c.deliveryLag, c.pending,
		c.updates, c.updateFailures, c.updateLatency,
		c.snipesFired, c.snipesFailed, c.snipesMissed,
	)
	return c
}

func (c *Collector) RecordDelivery(destination string, lagSeconds float64) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(destination).Inc()
	c.deliveryLag.Observe(lagSeconds)
}

func (c *Collector) RecordFault(destination string) {
	if c == nil {
		return
	}
	c.deliveryFaults.WithLabelValues(destination).Inc()
}

func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}

func (c *Collector) RecordUpdate(latencySeconds float64, failed bool) {
	if c == nil {
		return
	}
	c.updates.Inc()
	c.updateLatency.Observe(latencySeconds)
	if failed {
		c.updateFailures.Inc()
	}
}

func (c *Collector) RecordSnipe(failed bool) {
	if c == nil {
		return
	}
	if failed {
		c.snipesFailed.Inc()
		return
	}
	c.snipesFired.Inc()
}

func (c *Collector) RecordMissedSnipe() {
	if c == nil {
		return
	}
	c.snipesMissed.Inc()
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
