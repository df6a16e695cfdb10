// Package metrics holds the Prometheus collectors of the ingestion engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "luxelink"

type Metrics struct {
	listings      *prometheus.CounterVec
	sourceErrors  *prometheus.CounterVec
	agentFailures *prometheus.CounterVec
	alertsSent    *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lastCycleTS   prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		listings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_processed_total",
			Help:      "Listings processed, by source and outcome",
		}, []string{"source", "outcome"}),
		sourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Source scans that ended with an adapter error",
		}, []string{"source"}),
		agentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_failures_total",
			Help:      "Agents whose scan was aborted, by reason",
		}, []string{"reason"}),
		alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_delivered_total",
			Help:      "Alert deliveries, by notifier and result",
		}, []string{"notifier", "result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of scan cycles",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		lastCycleTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last finished scan cycle",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.listings, m.sourceErrors, m.agentFailures, m.alertsSent, m.cycleDuration, m.lastCycleTS)
	}
	return m
}

// ListingProcessed counts one listing with outcome new, updated, unchanged,
// alerted, malformed or failed.
func (m *Metrics) ListingProcessed(source, outcome string) {
	if m == nil {
		return
	}
	m.listings.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) SourceError(source string) {
	if m == nil {
		return
	}
	m.sourceErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) AgentFailed(reason string) {
	if m == nil {
		return
	}
	m.agentFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) AlertDelivery(notifier string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.alertsSent.WithLabelValues(notifier, result).Inc()
}

// CycleFinished records a cycle that took seconds and ended at unix time end.
func (m *Metrics) CycleFinished(seconds float64, end float64) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(seconds)
	m.lastCycleTS.Set(end)
}
