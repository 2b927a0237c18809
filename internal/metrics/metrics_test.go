package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNewCollectorRegistersDistinctInstances(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	assert.NotPanics(t, func() {
		a.RecordChartCreated()
		b.RecordChartCreated()
	})
}

func TestRecordTransitionExposesCounterAndHistogram(t *testing.T) {
	c := NewCollector()
	c.RecordTransition("door", 0.02)

	body := scrape(t, c)
	assert.Contains(t, body, `xjog_transitions_total{machine_id="door"} 1`)
	assert.Contains(t, body, "xjog_transition_latency_seconds_bucket")
}

func TestRecordChartLifecycleCounters(t *testing.T) {
	c := NewCollector()
	c.RecordChartCreated()
	c.RecordChartCreated()
	c.RecordChartDestroyed()

	body := scrape(t, c)
	assert.Contains(t, body, "xjog_charts_created_total 2")
	assert.Contains(t, body, "xjog_charts_destroyed_total 1")
}

func TestRecordAdoptionPass(t *testing.T) {
	c := NewCollector()
	c.RecordAdoptionPass("gentle", 3)
	c.RecordAdoptionPass("forcible", 1)

	body := scrape(t, c)
	assert.Contains(t, body, `xjog_adoption_passes_total{kind="gentle"} 1`)
	assert.Contains(t, body, `xjog_charts_adopted_total{kind="gentle"} 3`)
	assert.Contains(t, body, `xjog_adoption_passes_total{kind="forcible"} 1`)
	assert.Contains(t, body, `xjog_charts_adopted_total{kind="forcible"} 1`)
}

func TestRecordDeferredEventCounters(t *testing.T) {
	c := NewCollector()
	c.RecordDeferredScheduled("chart")
	c.RecordDeferredDelivered("chart")
	c.RecordDeferredCancelled("chart")

	body := scrape(t, c)
	assert.Contains(t, body, `xjog_deferred_events_scheduled_total{target_kind="chart"} 1`)
	assert.Contains(t, body, `xjog_deferred_events_delivered_total{target_kind="chart"} 1`)
	assert.Contains(t, body, `xjog_deferred_events_cancelled_total{target_kind="chart"} 1`)
}

func TestRecordActivityCounters(t *testing.T) {
	c := NewCollector()
	c.RecordActivityStarted("promise")
	c.RecordActivityStopped("promise")

	body := scrape(t, c)
	assert.Contains(t, body, `xjog_activities_started_total{kind="promise"} 1`)
	assert.Contains(t, body, `xjog_activities_stopped_total{kind="promise"} 1`)
}

func TestRecordMutexTimeout(t *testing.T) {
	c := NewCollector()
	c.RecordMutexTimeout("chart")

	body := scrape(t, c)
	assert.Contains(t, body, `xjog_mutex_timeouts_total{component="chart"} 1`)
}

func TestGauges(t *testing.T) {
	c := NewCollector()
	c.SetOwnedCharts(7)
	c.SetPausedCharts(2)

	body := scrape(t, c)
	assert.True(t, strings.Contains(body, "xjog_owned_charts 7"))
	assert.True(t, strings.Contains(body, "xjog_paused_charts 2"))
}
