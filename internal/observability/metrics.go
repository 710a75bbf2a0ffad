package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Guardian.
// Uses a custom registry, not the global one.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Decision pipeline metrics.
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	CacheHitsTotal   *prometheus.CounterVec

	// Budget metrics.
	BudgetSpentTotal    *prometheus.CounterVec
	BudgetExceededTotal *prometheus.CounterVec

	// Tier 2 metrics.
	AdjudicationsTotal   *prometheus.CounterVec
	AdjudicationDuration prometheus.Histogram

	// Tier 3 metrics.
	ApprovalsTotal *prometheus.CounterVec

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "decision",
			Name:      "total",
			Help:      "Tool call decisions by deciding tier, outcome and risk.",
		}, []string{"tier", "outcome", "risk"}),

		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guardian",
			Subsystem: "decision",
			Name:      "duration_seconds",
			Help:      "End-to-end evaluation latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"tier"}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Decision cache hits by scope.",
		}, []string{"scope"}),

		BudgetSpentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "budget",
			Name:      "spent_usd_total",
			Help:      "Total budget spent in USD.",
		}, []string{"agent_id"}),

		BudgetExceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "budget",
			Name:      "exceeded_total",
			Help:      "Calls that would have exceeded a budget limit, by action taken.",
		}, []string{"action"}),

		AdjudicationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "adjudicator",
			Name:      "verdicts_total",
			Help:      "Tier 2 verdicts by decision and failure kind.",
		}, []string{"decision", "failure"}),

		AdjudicationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "guardian",
			Subsystem: "adjudicator",
			Name:      "duration_seconds",
			Help:      "Tier 2 latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 4, 5},
		}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Tier 3 human decisions, including expirations.",
		}, []string{"decision"}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guardian",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guardian",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.DecisionDuration,
		m.CacheHitsTotal,
		m.BudgetSpentTotal,
		m.BudgetExceededTotal,
		m.AdjudicationsTotal,
		m.AdjudicationDuration,
		m.ApprovalsTotal,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegisterPendingApprovals exposes the number of pending approvals as a gauge
// sampled at scrape time.
func (m *MetricsCollector) RegisterPendingApprovals(count func() int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "guardian",
		Subsystem: "approval",
		Name:      "pending",
		Help:      "Approvals currently awaiting a human decision.",
	}, func() float64 { return float64(count()) }))
}

// The methods below let a MetricsCollector serve as the Guardian's recorder.

func (m *MetricsCollector) RecordDecision(tier, outcome, risk string, d time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(tier, outcome, risk).Inc()
	m.DecisionDuration.WithLabelValues(tier).Observe(d.Seconds())
}

func (m *MetricsCollector) RecordCacheHit(scope string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(scope).Inc()
}

func (m *MetricsCollector) RecordSpend(agentID string, cost float64) {
	if m == nil {
		return
	}
	m.BudgetSpentTotal.WithLabelValues(agentID).Add(cost)
}

func (m *MetricsCollector) RecordBudgetExceeded(action string) {
	if m == nil {
		return
	}
	m.BudgetExceededTotal.WithLabelValues(action).Inc()
}

func (m *MetricsCollector) RecordAdjudication(decision, failure string, d time.Duration) {
	if m == nil {
		return
	}
	if failure == "" {
		failure = "none"
	}
	m.AdjudicationsTotal.WithLabelValues(decision, failure).Inc()
	m.AdjudicationDuration.Observe(d.Seconds())
}

func (m *MetricsCollector) RecordApproval(decision string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(decision).Inc()
}
