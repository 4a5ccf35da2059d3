// Package metrics exposes Prometheus counters and histograms for the
// inspection pipeline. A nil *Metrics is a valid no-op receiver, so the
// engine never has to branch on whether metrics are enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"edgewaf/waf"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	requests   *prometheus.CounterVec
	reasons    *prometheus.CounterVec
	phaseTime  *prometheus.HistogramVec
	storeSkips prometheus.Counter
}

// New registers the collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgewaf",
			Name:      "requests_total",
			Help:      "Inspected requests by verdict.",
		}, []string{"verdict"}),
		reasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgewaf",
			Name:      "block_reasons_total",
			Help:      "Block reasons by originating phase.",
		}, []string{"initiator"}),
		phaseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgewaf",
			Name:      "phase_duration_seconds",
			Help:      "Time spent per inspection phase.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"phase"}),
		storeSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgewaf",
			Name:      "counter_store_skips_total",
			Help:      "Flow/limit evaluations skipped because the counter store was unavailable.",
		}),
	}
	reg.MustRegister(m.requests, m.reasons, m.phaseTime, m.storeSkips)
	return m
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(decision waf.Decision, stats *waf.Stats) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(decision.Verdict()).Inc()
	for _, r := range decision.Reasons {
		kind := "unknown"
		if r.Initiator != nil {
			kind = r.Initiator.InitiatorKind()
		}
		m.reasons.WithLabelValues(kind).Inc()
	}
	if stats == nil {
		return
	}
	m.phaseTime.WithLabelValues("mapping").Observe(stats.TimeMapping.Seconds())
	m.phaseTime.WithLabelValues("globalfilter").Observe(stats.TimeGlobalFilter.Seconds())
	m.phaseTime.WithLabelValues("flow").Observe(stats.TimeFlow.Seconds())
	m.phaseTime.WithLabelValues("limit").Observe(stats.TimeLimit.Seconds())
	m.phaseTime.WithLabelValues("acl").Observe(stats.TimeACL.Seconds())
	m.phaseTime.WithLabelValues("contentfilter").Observe(stats.TimeContentFilter.Seconds())
	m.phaseTime.WithLabelValues("total").Observe(stats.TimeTotal.Seconds())
	if stats.FlowErrors > 0 || stats.LimitErrors > 0 {
		m.storeSkips.Add(float64(stats.FlowErrors + stats.LimitErrors))
	}
}
