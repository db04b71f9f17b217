package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(gateDecisions.WithLabelValues("block", "destructive"))
	GateDecision("block", "destructive")
	GateDecision("block", "destructive")
	if got := testutil.ToFloat64(gateDecisions.WithLabelValues("block", "destructive")) - before; got != 2 {
		t.Errorf("gate decisions delta = %v, want 2", got)
	}

	before = testutil.ToFloat64(barrierOutcomes.WithLabelValues("FAIL", "true"))
	BarrierOutcome("FAIL", true)
	if got := testutil.ToFloat64(barrierOutcomes.WithLabelValues("FAIL", "true")) - before; got != 1 {
		t.Errorf("barrier outcome delta = %v, want 1", got)
	}

	before = testutil.ToFloat64(compileCache.WithLabelValues("hit"))
	CompileCache(true)
	CompileCache(false)
	if got := testutil.ToFloat64(compileCache.WithLabelValues("hit")) - before; got != 1 {
		t.Errorf("cache hit delta = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	Rollback("dev")
	PolicyCorrection("below_threshold")
	StageCompletion("PASS", "route")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"stagegate_rollbacks_total", "stagegate_policy_corrections_total", "stagegate_stage_completions_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}
