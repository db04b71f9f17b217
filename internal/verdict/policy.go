package verdict

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

// DefaultBarrierGroup is assigned to BARRIER routes that name no group and
// whose stage belongs to none.
const DefaultBarrierGroup = "default"

// DefaultMaxRetries applies when a PolicyContext carries no budget.
const DefaultMaxRetries = 3

// ValidateRoute repairs a route instead of rejecting it. Verdict and route are
// case-folded, unknown routes become NEXT, FAIL always gets a severity
// (MEDIUM when absent), PASS never has one, and BARRIER always has a group.
func ValidateRoute(r pipeline.Route, defaultGroup string) pipeline.Route {
	out := r
	out.Hint = truncateHint(strings.TrimSpace(r.Hint))
	out.BarrierGroup = strings.TrimSpace(r.BarrierGroup)
	sev := pipeline.ParseSeverity(string(r.Severity))

	switch action := pipeline.RouteAction(strings.ToUpper(strings.TrimSpace(string(r.Route)))); action {
	case pipeline.RouteNext, pipeline.RouteDev, pipeline.RouteBarrier:
		out.Route = action
	default:
		out.Route = pipeline.RouteNext
	}

	switch v := pipeline.Verdict(strings.ToUpper(strings.TrimSpace(string(r.Verdict)))); v {
	case pipeline.Pass, pipeline.Fail:
		out.Verdict = v
	default:
		// No usable verdict: a rollback request or a severity implies failure.
		if out.Route == pipeline.RouteDev || sev != pipeline.SeverityNone {
			out.Verdict = pipeline.Fail
		} else {
			out.Verdict = pipeline.Pass
		}
	}

	if out.Verdict == pipeline.Pass {
		out.Severity = pipeline.SeverityNone
	} else if sev == pipeline.SeverityNone {
		out.Severity = pipeline.SeverityMedium
	} else {
		out.Severity = sev
	}

	if out.Route == pipeline.RouteBarrier && out.BarrierGroup == "" {
		out.BarrierGroup = defaultGroup
		if out.BarrierGroup == "" {
			out.BarrierGroup = DefaultBarrierGroup
		}
	}
	return out
}

// PolicyContext is the run state EnforcePolicy checks a route against.
type PolicyContext struct {
	Stage string
	DAG   pipeline.DAG
	// Retries is the stage's current retry counter.
	Retries int
	// MaxRetries is the stage's budget; zero means DefaultMaxRetries.
	MaxRetries int
	// Threshold is the lowest FAIL severity that rolls back; empty means HIGH.
	Threshold pipeline.Severity
}

// Correction records one override applied by EnforcePolicy.
type Correction struct {
	Rule   string
	From   pipeline.Route
	To     pipeline.Route
	Reason string
}

func (c Correction) String() string {
	return fmt.Sprintf("%s: %s -> %s (%s)", c.Rule, c.From, c.To, c.Reason)
}

// Correction rule names, also used as metric labels.
const (
	RulePassRoutedDev   = "pass_routed_dev"
	RuleRetryExhausted  = "retry_exhausted"
	RuleNoRollbackStage = "no_rollback_stage"
	RuleBelowThreshold  = "below_threshold"
)

// EnforcePolicy overrides routes that contradict the run state. It never
// fails; every override is returned as a Correction.
func EnforcePolicy(r pipeline.Route, pc PolicyContext) (pipeline.Route, []Correction) {
	var corrections []Correction
	apply := func(rule, reason string, fn func(*pipeline.Route)) {
		before := r
		fn(&r)
		corrections = append(corrections, Correction{Rule: rule, From: before, To: r, Reason: reason})
	}
	toNext := func(r *pipeline.Route) { r.Route = pipeline.RouteNext }

	if r.Verdict == pipeline.Pass && r.Route == pipeline.RouteDev {
		apply(RulePassRoutedDev, "PASS cannot roll back", toNext)
	}

	maxRetries := pc.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if r.Verdict == pipeline.Fail && r.Route != pipeline.RouteBarrier && pc.Retries >= maxRetries {
		apply(RuleRetryExhausted, fmt.Sprintf("retry budget %d/%d spent", pc.Retries, maxRetries), func(r *pipeline.Route) {
			r.Route = pipeline.RouteNext
			r.RetryExhausted = true
		})
	}

	if r.Route == pipeline.RouteDev && !rollbackEligible(pc) {
		apply(RuleNoRollbackStage, "no stage to roll back to", toNext)
	}

	threshold := pc.Threshold
	if !threshold.Valid() {
		threshold = pipeline.SeverityHigh
	}
	if r.Verdict == pipeline.Fail && r.Route == pipeline.RouteDev && !r.Severity.AtLeast(threshold) {
		apply(RuleBelowThreshold, fmt.Sprintf("severity %s below rollback threshold %s", r.Severity, threshold), toNext)
	}

	return r, corrections
}

// rollbackEligible reports whether the DAG has somewhere for a DEV route to go.
func rollbackEligible(pc PolicyContext) bool {
	if n, ok := pc.DAG[pc.Stage]; ok && n != nil && n.OnFail != "" {
		if _, ok := pc.DAG[n.OnFail]; ok {
			return true
		}
	}
	return pc.DAG.HasKind(pipeline.KindDev)
}
