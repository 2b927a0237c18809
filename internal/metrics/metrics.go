// Package metrics collects Prometheus counters, histograms and gauges for
// chart transitions, adoption passes, deferred-event delivery and activity
// lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is xjog's Prometheus metrics collector. Each Collector owns a
// private registry, so more than one can coexist in the same process (e.g.
// one per engine instance under test) without a duplicate-registration
// panic against the global default registry.
type Collector struct {
	registry *prometheus.Registry

	transitionsTotal    *prometheus.CounterVec
	transitionLatency   *prometheus.HistogramVec
	chartsCreatedTotal  prometheus.Counter
	chartsDestroyed     prometheus.Counter
	mutexTimeoutsTotal  *prometheus.CounterVec

	adoptionPassesTotal *prometheus.CounterVec
	chartsAdoptedTotal  *prometheus.CounterVec

	deferredScheduled *prometheus.CounterVec
	deferredDelivered *prometheus.CounterVec
	deferredCancelled *prometheus.CounterVec

	activitiesStarted *prometheus.CounterVec
	activitiesStopped *prometheus.CounterVec

	ownedCharts  prometheus.Gauge
	pausedCharts prometheus.Gauge
}

// NewCollector constructs a Collector and registers every metric against its
// own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,

		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xjog_transitions_total",
			Help: "Total number of chart transitions processed.",
		}, []string{"machine_id"}),
		transitionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xjog_transition_latency_seconds",
			Help:    "Latency of a chart send from lock acquisition to persisted state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"machine_id"}),
		chartsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xjog_charts_created_total",
			Help: "Total number of charts created.",
		}),
		chartsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xjog_charts_destroyed_total",
			Help: "Total number of charts destroyed.",
		}),
		mutexTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xjog_mutex_timeouts_total",
			Help: "Total number of timed-mutex acquisition timeouts, by component.",
		}, []string{"component"}),

		adoptionPassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xjog_adoption_passes_total",
			Help: "Total number of adoption passes run, by kind (gentle, forcible).",
		}, []string{"kind"}),
		chartsAdoptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xjog_charts_adopted_total",
			Help: "Total number of charts adopted, by kind (gentle, forcible).",
		}, []string{"kind"}),

		deferredScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xjog_deferred_events_scheduled_total",
			Help: "Total number of deferred events persisted.",
		}, []string{"target_kind"}),
		deferredDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xjog_deferred_events_delivered_total",
			Help: "Total number of deferred events delivered.",
		}, []string{"target_kind"}),
		deferredCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xjog_deferred_events_cancelled_total",
			Help: "Total number of deferred events cancelled before delivery.",
		}, []string{"target_kind"}),

		activitiesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xjog_activities_started_total",
			Help: "Total number of activities registered, by kind.",
		}, []string{"kind"}),
		activitiesStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xjog_activities_stopped_total",
			Help: "Total number of activities stopped, by kind.",
		}, []string{"kind"}),

		ownedCharts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xjog_owned_charts",
			Help: "Current number of charts owned by this instance.",
		}),
		pausedCharts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xjog_paused_charts",
			Help: "Current number of paused charts visible to this instance.",
		}),
	}

	reg.MustRegister(
		c.transitionsTotal, c.transitionLatency, c.chartsCreatedTotal, c.chartsDestroyed,
		c.mutexTimeoutsTotal, c.adoptionPassesTotal, c.chartsAdoptedTotal,
		c.deferredScheduled, c.deferredDelivered, c.deferredCancelled,
		c.activitiesStarted, c.activitiesStopped, c.ownedCharts, c.pausedCharts,
	)
	return c
}

// RecordTransition records one successful send, with its wall-clock latency.
func (c *Collector) RecordTransition(machineID string, latencySeconds float64) {
	c.transitionsTotal.WithLabelValues(machineID).Inc()
	c.transitionLatency.WithLabelValues(machineID).Observe(latencySeconds)
}

// RecordChartCreated increments the chart-creation counter.
func (c *Collector) RecordChartCreated() { c.chartsCreatedTotal.Inc() }

// RecordChartDestroyed increments the chart-destruction counter.
func (c *Collector) RecordChartDestroyed() { c.chartsDestroyed.Inc() }

// RecordMutexTimeout records a timed-mutex acquisition timeout for component
// (e.g. "chart", "cache", "activity", "activity-db").
func (c *Collector) RecordMutexTimeout(component string) {
	c.mutexTimeoutsTotal.WithLabelValues(component).Inc()
}

// RecordAdoptionPass records one gentle or forcible adoption pass and the
// number of charts it adopted.
func (c *Collector) RecordAdoptionPass(kind string, adopted int) {
	c.adoptionPassesTotal.WithLabelValues(kind).Inc()
	c.chartsAdoptedTotal.WithLabelValues(kind).Add(float64(adopted))
}

// RecordDeferredScheduled records a deferred event persisted for targetKind
// ("self", "chart", "activity", "parent").
func (c *Collector) RecordDeferredScheduled(targetKind string) {
	c.deferredScheduled.WithLabelValues(targetKind).Inc()
}

// RecordDeferredDelivered records a deferred event delivered.
func (c *Collector) RecordDeferredDelivered(targetKind string) {
	c.deferredDelivered.WithLabelValues(targetKind).Inc()
}

// RecordDeferredCancelled records a deferred event cancelled before firing.
func (c *Collector) RecordDeferredCancelled(targetKind string) {
	c.deferredCancelled.WithLabelValues(targetKind).Inc()
}

// RecordActivityStarted records an activity registered of the given spawn
// kind ("promise", "callback", "observable", "chart").
func (c *Collector) RecordActivityStarted(kind string) {
	c.activitiesStarted.WithLabelValues(kind).Inc()
}

// RecordActivityStopped records an activity stopped of the given spawn kind.
func (c *Collector) RecordActivityStopped(kind string) {
	c.activitiesStopped.WithLabelValues(kind).Inc()
}

// SetOwnedCharts sets the current owned-chart gauge.
func (c *Collector) SetOwnedCharts(n int) { c.ownedCharts.Set(float64(n)) }

// SetPausedCharts sets the current paused-chart gauge.
func (c *Collector) SetPausedCharts(n int) { c.pausedCharts.Set(float64(n)) }

// Handler returns an http.Handler serving this Collector's metrics in
// Prometheus exposition format, for mounting under /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
