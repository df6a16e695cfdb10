package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ListingProcessed("marketcheck", "new")
	m.ListingProcessed("marketcheck", "new")
	m.ListingProcessed("marketcheck", "unchanged")
	m.SourceError("scraper")
	m.AgentFailed("persistence")
	m.AlertDelivery("telegram", true)
	m.AlertDelivery("telegram", false)
	m.CycleFinished(3.5, 1700000000)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.listings.WithLabelValues("marketcheck", "new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sourceErrors.WithLabelValues("scraper")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsSent.WithLabelValues("telegram", "error")))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.lastCycleTS))

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP luxelink_agent_failures_total Agents whose scan was aborted, by reason
# TYPE luxelink_agent_failures_total counter
luxelink_agent_failures_total{reason="persistence"} 1
`), "luxelink_agent_failures_total")
	require.NoError(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ListingProcessed("a", "new")
		m.SourceError("a")
		m.AgentFailed("config")
		m.AlertDelivery("log", true)
		m.CycleFinished(1, 1)
	})
}
