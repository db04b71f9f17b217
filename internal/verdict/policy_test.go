package verdict

import (
	"strings"
	"testing"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

func devDAG() pipeline.DAG {
	return pipeline.DAG{
		"implement": {},
		"review":    {Deps: []string{"implement"}, OnFail: "implement", MaxRetries: 2},
	}
}

func TestValidateRoute(t *testing.T) {
	tests := []struct {
		name  string
		in    pipeline.Route
		group string
		want  pipeline.Route
	}{
		{"unknown route", pipeline.Route{Verdict: "PASS", Route: "SIDEWAYS"}, "", pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteNext}},
		{"case folded", pipeline.Route{Verdict: "fail", Route: "dev", Severity: "critical"}, "", pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityCritical}},
		{"fail gets medium", pipeline.Route{Verdict: "FAIL", Route: "NEXT"}, "", pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteNext, Severity: pipeline.SeverityMedium}},
		{"pass drops severity", pipeline.Route{Verdict: "PASS", Route: "NEXT", Severity: "HIGH"}, "", pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteNext}},
		{"barrier stage group", pipeline.Route{Verdict: "PASS", Route: "BARRIER"}, "gates-p1", pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteBarrier, BarrierGroup: "gates-p1"}},
		{"barrier default group", pipeline.Route{Verdict: "PASS", Route: "BARRIER"}, "", pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteBarrier, BarrierGroup: DefaultBarrierGroup}},
		{"missing verdict with dev", pipeline.Route{Route: "DEV"}, "", pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityMedium}},
		{"missing verdict", pipeline.Route{Route: "NEXT"}, "", pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteNext}},
		{"bogus severity", pipeline.Route{Verdict: "FAIL", Route: "DEV", Severity: "apocalyptic"}, "", pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityMedium}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateRoute(tt.in, tt.group); got != tt.want {
				t.Errorf("ValidateRoute = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidateRoute_TruncatesHint(t *testing.T) {
	got := ValidateRoute(pipeline.Route{Verdict: "FAIL", Route: "DEV", Hint: strings.Repeat("x", 1000)}, "")
	if len(got.Hint) > maxHintLen+len("…") {
		t.Errorf("len(Hint) = %d", len(got.Hint))
	}
}

func TestEnforcePolicy_PassRoutedDev(t *testing.T) {
	got, corr := EnforcePolicy(pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteDev}, PolicyContext{Stage: "review", DAG: devDAG()})
	if got.Route != pipeline.RouteNext {
		t.Errorf("Route = %q, want NEXT", got.Route)
	}
	if len(corr) != 1 || corr[0].Rule != RulePassRoutedDev {
		t.Errorf("corrections = %v", corr)
	}
}

func TestEnforcePolicy_FailWithoutSeverityDoesNotRollBack(t *testing.T) {
	r := ValidateRoute(pipeline.Route{Verdict: "FAIL", Route: "DEV"}, "")
	if r.Severity != pipeline.SeverityMedium {
		t.Fatalf("Severity = %q, want MEDIUM", r.Severity)
	}
	got, corr := EnforcePolicy(r, PolicyContext{Stage: "review", DAG: devDAG(), MaxRetries: 2})
	if got.Route != pipeline.RouteNext {
		t.Errorf("Route = %q, want NEXT", got.Route)
	}
	if got.RetryExhausted {
		t.Error("RetryExhausted = true")
	}
	if len(corr) != 1 || corr[0].Rule != RuleBelowThreshold {
		t.Errorf("corrections = %v", corr)
	}
}

func TestEnforcePolicy_MediumThreshold(t *testing.T) {
	r := pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityMedium}
	got, corr := EnforcePolicy(r, PolicyContext{Stage: "review", DAG: devDAG(), MaxRetries: 2, Threshold: pipeline.SeverityMedium})
	if got.Route != pipeline.RouteDev || len(corr) != 0 {
		t.Errorf("got %+v with %v, want DEV untouched", got, corr)
	}
}

func TestEnforcePolicy_HighRollsBack(t *testing.T) {
	r := pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityHigh}
	got, corr := EnforcePolicy(r, PolicyContext{Stage: "review", DAG: devDAG(), Retries: 1, MaxRetries: 2})
	if got != r || len(corr) != 0 {
		t.Errorf("got %+v with %v, want unchanged", got, corr)
	}
}

func TestEnforcePolicy_RetryExhausted(t *testing.T) {
	r := pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityCritical}
	got, corr := EnforcePolicy(r, PolicyContext{Stage: "review", DAG: devDAG(), Retries: 2, MaxRetries: 2})
	if got.Route != pipeline.RouteNext {
		t.Errorf("Route = %q, want NEXT", got.Route)
	}
	if !got.RetryExhausted {
		t.Error("RetryExhausted = false, want true")
	}
	if len(corr) == 0 || corr[0].Rule != RuleRetryExhausted {
		t.Errorf("corrections = %v", corr)
	}
}

func TestEnforcePolicy_DefaultRetryBudget(t *testing.T) {
	r := pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityHigh}
	if got, _ := EnforcePolicy(r, PolicyContext{Stage: "review", DAG: devDAG(), Retries: DefaultMaxRetries - 1}); got.Route != pipeline.RouteDev {
		t.Errorf("below default budget: Route = %q, want DEV", got.Route)
	}
	if got, _ := EnforcePolicy(r, PolicyContext{Stage: "review", DAG: devDAG(), Retries: DefaultMaxRetries}); !got.RetryExhausted {
		t.Error("at default budget: RetryExhausted = false")
	}
}

func TestEnforcePolicy_NoDevStage(t *testing.T) {
	dag := pipeline.DAG{"review": {}, "document": {Deps: []string{"review"}}}
	r := pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityCritical}
	got, corr := EnforcePolicy(r, PolicyContext{Stage: "review", DAG: dag})
	if got.Route != pipeline.RouteNext {
		t.Errorf("Route = %q, want NEXT", got.Route)
	}
	if len(corr) != 1 || corr[0].Rule != RuleNoRollbackStage {
		t.Errorf("corrections = %v", corr)
	}
}

func TestEnforcePolicy_BarrierUntouchedByRetries(t *testing.T) {
	r := pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteBarrier, Severity: pipeline.SeverityHigh, BarrierGroup: "g"}
	got, corr := EnforcePolicy(r, PolicyContext{Stage: "review", DAG: devDAG(), Retries: 5, MaxRetries: 2})
	if got != r || len(corr) != 0 {
		t.Errorf("got %+v with %v, want unchanged", got, corr)
	}
}
