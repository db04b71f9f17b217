// Package metrics exposes the controller's prometheus counters. They register
// with the default registry; the watch command serves them on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// gateDecisions counts gate evaluations by decision and rule
	gateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagegate_gate_decisions_total",
		Help: "Access gate decisions by decision and rule",
	}, []string{"decision", "rule"})

	// policyCorrections counts routes rewritten by the policy
	policyCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagegate_policy_corrections_total",
		Help: "Routes rewritten by policy enforcement, by rule",
	}, []string{"rule"})

	// barrierOutcomes counts resolved barrier groups
	barrierOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagegate_barrier_outcomes_total",
		Help: "Resolved barrier groups by merged verdict and whether they timed out",
	}, []string{"verdict", "timed_out"})

	// rollbacks counts retries issued to a rollback target
	rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagegate_rollbacks_total",
		Help: "Rollbacks issued, by target stage kind",
	}, []string{"kind"})

	// completions counts stage completions by verdict kind
	completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagegate_stage_completions_total",
		Help: "Stage completions by verdict and verdict kind",
	}, []string{"verdict", "kind"})

	// compileCache counts phase compiler cache lookups
	compileCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagegate_phase_compile_cache_total",
		Help: "Phase compiler cache lookups by result",
	}, []string{"result"})
)

// GateDecision records one gate evaluation.
func GateDecision(decision, rule string) {
	gateDecisions.WithLabelValues(decision, rule).Inc()
}

// PolicyCorrection records one policy rewrite.
func PolicyCorrection(rule string) {
	policyCorrections.WithLabelValues(rule).Inc()
}

// BarrierOutcome records a resolved barrier group.
func BarrierOutcome(verdict string, timedOut bool) {
	t := "false"
	if timedOut {
		t = "true"
	}
	barrierOutcomes.WithLabelValues(verdict, t).Inc()
}

// Rollback records a retry issued to a stage of the given kind.
func Rollback(kind string) {
	rollbacks.WithLabelValues(kind).Inc()
}

// StageCompletion records a completed stage.
func StageCompletion(verdict, kind string) {
	completions.WithLabelValues(verdict, kind).Inc()
}

// CompileCache records a phase compiler cache hit or miss.
func CompileCache(hit bool) {
	if hit {
		compileCache.WithLabelValues("hit").Inc()
		return
	}
	compileCache.WithLabelValues("miss").Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
