package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	executionDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	pollDurationBuckets      = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// Rule firing metrics
	RuleFiringsTotal     *prometheus.CounterVec
	RuleFiringDuration   *prometheus.HistogramVec
	RulesMatchedTotal    *prometheus.CounterVec
	ConditionErrorsTotal *prometheus.CounterVec

	// Action metrics
	ActionAttemptsTotal    *prometheus.CounterVec
	ActionRetriesTotal     *prometheus.CounterVec
	ActionDuration         *prometheus.HistogramVec
	ActionSuspensionsTotal *prometheus.CounterVec

	// Poller metrics
	ScheduledPollDuration     prometheus.Histogram
	ScheduledDueTotal         prometheus.Counter
	ScheduledClaimLossesTotal prometheus.Counter
	PendingPollDuration       prometheus.Histogram
	PendingPromotedTotal      *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RuleFiringsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automata_rule_firings_total",
			Help: "Total number of rule firings.",
		}, []string{"trigger_type", "status"}),
		RuleFiringDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automata_rule_firing_duration_seconds",
			Help:    "Rule firing duration in seconds.",
			Buckets: executionDurationBuckets,
		}, []string{"trigger_type"}),
		RulesMatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automata_rules_matched_total",
			Help: "Total number of rules matched by mutation events.",
		}, []string{"operation"}),
		ConditionErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automata_condition_errors_total",
			Help: "Total number of filter formula evaluation errors (treated as non-match).",
		}, []string{"tenant_id"}),

		ActionAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automata_action_attempts_total",
			Help: "Total number of action attempts, retries included.",
		}, []string{"action_type", "status"}),
		ActionRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automata_action_retries_total",
			Help: "Total number of action retry attempts.",
		}, []string{"action_type"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automata_action_duration_seconds",
			Help:    "Single action attempt duration in seconds.",
			Buckets: executionDurationBuckets,
		}, []string{"action_type"}),
		ActionSuspensionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automata_action_suspensions_total",
			Help: "Total number of action chains suspended by a delay action.",
		}, []string{"tenant_id"}),

		ScheduledPollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "automata_scheduled_poll_duration_seconds",
			Help:    "Scheduled-trigger poll pass duration in seconds.",
			Buckets: pollDurationBuckets,
		}),
		ScheduledDueTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "automata_scheduled_due_total",
			Help: "Total number of scheduled rules found due.",
		}),
		ScheduledClaimLossesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "automata_scheduled_claim_losses_total",
			Help: "Total number of scheduled firings skipped because another instance claimed the window.",
		}),
		PendingPollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "automata_pending_poll_duration_seconds",
			Help:    "Pending-action poll pass duration in seconds.",
			Buckets: pollDurationBuckets,
		}),
		PendingPromotedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automata_pending_promoted_total",
			Help: "Total number of pending actions promoted back into execution.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.RuleFiringsTotal,
		m.RuleFiringDuration,
		m.RulesMatchedTotal,
		m.ConditionErrorsTotal,
		m.ActionAttemptsTotal,
		m.ActionRetriesTotal,
		m.ActionDuration,
		m.ActionSuspensionsTotal,
		m.ScheduledPollDuration,
		m.ScheduledDueTotal,
		m.ScheduledClaimLossesTotal,
		m.PendingPollDuration,
		m.PendingPromotedTotal,
	)

	return m
}

// Handler returns the HTTP handler serving the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
