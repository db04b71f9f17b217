package barrier

import (
	"slices"
	"testing"
	"time"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pass() SiblingResult {
	return SiblingResult{Verdict: pipeline.Pass, Route: pipeline.RouteNext}
}

func fail(sev pipeline.Severity, hint string) SiblingResult {
	return SiblingResult{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: sev, Hint: hint}
}

func newSet(siblings ...string) Set {
	s := Set{}
	s.Create("gates", len(siblings), "document", siblings, t0)
	return s
}

func TestUpdate_AllCompleteOnlyWhenEverySiblingReported(t *testing.T) {
	s := newSet("review", "test")

	out := s.Update("gates", "review", pass(), t0)
	if out.AllComplete {
		t.Fatal("AllComplete after one of two siblings")
	}
	if !slices.Equal(out.Missing, []string{"test"}) {
		t.Errorf("Missing = %v, want [test]", out.Missing)
	}

	// Re-reporting the same sibling does not complete the group.
	out = s.Update("gates", "review", pass(), t0)
	if out.AllComplete {
		t.Fatal("AllComplete after a duplicate report")
	}

	out = s.Update("gates", "test", pass(), t0)
	if !out.AllComplete || !out.Resolved {
		t.Fatalf("outcome = %+v, want complete and resolved", out)
	}
	if out.Merged.Verdict != pipeline.Pass {
		t.Errorf("Merged.Verdict = %q, want PASS", out.Merged.Verdict)
	}
	if out.Merged.FailedStages != nil {
		t.Errorf("FailedStages = %v, want omitted", out.Merged.FailedStages)
	}
	if out.Merged.ContextFiles != nil {
		t.Errorf("ContextFiles = %v, want omitted", out.Merged.ContextFiles)
	}
	if out.Next != "document" {
		t.Errorf("Next = %q, want document", out.Next)
	}
}

func TestUpdate_ResolvesOnce(t *testing.T) {
	s := newSet("review", "test")
	s.Update("gates", "review", pass(), t0)
	s.Update("gates", "test", pass(), t0)

	out := s.Update("gates", "test", fail(pipeline.SeverityCritical, "late"), t0)
	if !out.AllComplete {
		t.Error("AllComplete = false on a resolved group")
	}
	if out.Resolved {
		t.Error("Resolved = true on a second resolution")
	}
	if out.Merged.Verdict != pipeline.Pass {
		t.Errorf("a late report changed the merged verdict to %q", out.Merged.Verdict)
	}
}

func TestUpdate_UnknownGroup(t *testing.T) {
	s := Set{}
	out := s.Update("ghost", "review", pass(), t0)
	if out.AllComplete || out.Resolved {
		t.Errorf("outcome = %+v, want incomplete", out)
	}
	if len(s) != 0 {
		t.Errorf("Update created a group: %v", s.Names())
	}
}

func TestUpdate_NonSiblingIgnored(t *testing.T) {
	s := newSet("review", "test")
	s.Update("gates", "implement", pass(), t0)
	if len(s["gates"].Completed) != 0 {
		t.Errorf("Completed = %v, want empty", s["gates"].Completed)
	}
}

func TestCreate_Idempotent(t *testing.T) {
	s := newSet("review", "test")
	s.Update("gates", "review", fail(pipeline.SeverityHigh, "x"), t0)

	g := s.Create("gates", 2, "document", []string{"review", "test"}, t0.Add(time.Hour))
	if !slices.Equal(g.Completed, []string{"review"}) {
		t.Errorf("Completed = %v, want [review]", g.Completed)
	}
	if _, ok := g.Results["review"]; !ok {
		t.Error("recreating the group dropped the review result")
	}
	if !g.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", g.CreatedAt, t0)
	}
}

func TestMerge_Commutative(t *testing.T) {
	results := map[string]SiblingResult{
		"review":   fail(pipeline.SeverityMedium, "naming"),
		"security": fail(pipeline.SeverityHigh, "sql injection"),
		"test":     pass(),
	}
	orders := [][]string{
		{"review", "security", "test"},
		{"test", "security", "review"},
		{"security", "test", "review"},
	}
	var first *Merged
	for _, order := range orders {
		s := newSet("review", "security", "test")
		var out Outcome
		for _, stage := range order {
			out = s.Update("gates", stage, results[stage], t0)
		}
		if !out.AllComplete {
			t.Fatalf("order %v: not complete", order)
		}
		if first == nil {
			first = out.Merged
			continue
		}
		if out.Merged.Verdict != first.Verdict || out.Merged.Severity != first.Severity || out.Merged.Hint != first.Hint ||
			!slices.Equal(out.Merged.FailedStages, first.FailedStages) {
			t.Errorf("order %v merged %+v, want %+v", order, *out.Merged, *first)
		}
	}
	if first.Verdict != pipeline.Fail || first.Severity != pipeline.SeverityHigh {
		t.Errorf("merged = %+v, want FAIL:HIGH", *first)
	}
	if first.Hint != "naming | sql injection" {
		t.Errorf("Hint = %q", first.Hint)
	}
	if !slices.Equal(first.FailedStages, []string{"review", "security"}) {
		t.Errorf("FailedStages = %v", first.FailedStages)
	}
}

func TestMerge_CriticalWins(t *testing.T) {
	for _, other := range []pipeline.Severity{pipeline.SeverityLow, pipeline.SeverityMedium, pipeline.SeverityHigh, pipeline.SeverityCritical} {
		g := &Group{
			Siblings: []string{"a", "b"},
			Results: map[string]SiblingResult{
				"a": fail(pipeline.SeverityCritical, ""),
				"b": fail(other, ""),
			},
		}
		if got := Merge(g).Severity; got != pipeline.SeverityCritical {
			t.Errorf("CRITICAL + %s merged to %s", other, got)
		}
	}
}

func TestMerge_ContextFiles(t *testing.T) {
	r := pass()
	r.ContextFile = "review.md"
	g := &Group{Siblings: []string{"review", "test"}, Results: map[string]SiblingResult{"review": r, "test": pass()}}
	if got := Merge(g).ContextFiles; !slices.Equal(got, []string{"review.md"}) {
		t.Errorf("ContextFiles = %v", got)
	}
}

func TestMergedRoute(t *testing.T) {
	m := Merged{Verdict: pipeline.Fail, Severity: pipeline.SeverityHigh, Hint: "h"}
	if r := m.Route(); r.Route != pipeline.RouteDev || r.Severity != pipeline.SeverityHigh {
		t.Errorf("Route = %+v", r)
	}
	if r := (Merged{Verdict: pipeline.Pass}).Route(); r.Route != pipeline.RouteNext {
		t.Errorf("Route = %+v", r)
	}
}

func TestSweep_TimesOutMissingSibling(t *testing.T) {
	s := newSet("review", "test")
	s.Update("gates", "review", pass(), t0.Add(time.Minute))

	if out := s.Sweep(t0.Add(5*time.Minute), 10*time.Minute); len(out) != 0 {
		t.Fatalf("Sweep before timeout = %+v", out)
	}

	out := s.Sweep(t0.Add(11*time.Minute), 10*time.Minute)
	if len(out) != 1 {
		t.Fatalf("len(outcomes) = %d, want 1", len(out))
	}
	o := out[0]
	if !o.Resolved || o.Merged.Verdict != pipeline.Fail {
		t.Errorf("outcome = %+v, want resolved FAIL", o)
	}
	if !slices.Equal(o.TimedOut, []string{"test"}) {
		t.Errorf("TimedOut = %v, want [test]", o.TimedOut)
	}
	if o.Merged.Hint != TimeoutHint {
		t.Errorf("Hint = %q, want %q", o.Merged.Hint, TimeoutHint)
	}
	if !s["gates"].Results["test"].Synthetic {
		t.Error("synthesized result not marked synthetic")
	}

	if again := s.Sweep(t0.Add(time.Hour), 10*time.Minute); len(again) != 0 {
		t.Errorf("resolved group swept again: %+v", again)
	}
}

func TestSweep_ResolvesCompleteGroup(t *testing.T) {
	s := newSet("review", "test")
	// Two stale writes can leave a group complete but unresolved.
	g := s["gates"]
	g.Completed = []string{"review", "test"}
	g.Results["review"] = pass()
	g.Results["test"] = pass()

	out := s.Sweep(t0, 0)
	if len(out) != 1 || out[0].Merged.Verdict != pipeline.Pass || len(out[0].TimedOut) != 0 {
		t.Errorf("outcomes = %+v", out)
	}
}

func TestMergeFrom_StaleRead(t *testing.T) {
	base := newSet("review", "test")

	a := base.Clone()
	a.Update("gates", "review", pass(), t0.Add(time.Minute))
	b := base.Clone()
	b.Update("gates", "test", fail(pipeline.SeverityHigh, "flaky"), t0.Add(2*time.Minute))

	a.MergeFrom(b)
	g := a["gates"]
	if !slices.Equal(g.Completed, []string{"review", "test"}) {
		t.Errorf("Completed = %v", g.Completed)
	}
	if len(g.Results) != 2 {
		t.Errorf("len(Results) = %d, want 2", len(g.Results))
	}
}

func TestMergeFrom_LaterRoundWins(t *testing.T) {
	s := newSet("review", "test")
	s.Update("gates", "review", fail(pipeline.SeverityHigh, "x"), t0)
	stale := s.Clone()

	s.Reset("gates")
	s.MergeFrom(stale)
	g := s["gates"]
	if g.Round != 1 {
		t.Errorf("Round = %d, want 1", g.Round)
	}
	if len(g.Completed) != 0 || len(g.Results) != 0 {
		t.Errorf("stale round leaked back in: %+v", g)
	}

	stale.MergeFrom(s)
	if stale["gates"].Round != 1 || len(stale["gates"].Results) != 0 {
		t.Errorf("newer round did not replace older: %+v", stale["gates"])
	}
}

func TestReset(t *testing.T) {
	s := newSet("review", "test")
	s.Update("gates", "review", pass(), t0)
	s.Update("gates", "test", pass(), t0)
	s.Reset("gates")

	g := s["gates"]
	if g.Resolved || g.ResolvedAt != nil || len(g.Completed) != 0 {
		t.Errorf("after reset = %+v", g)
	}
	if !g.CreatedAt.IsZero() {
		t.Errorf("CreatedAt = %v, want zero while idle", g.CreatedAt)
	}
	s.Reset("ghost")

	// Idle groups are never timed out.
	if out := s.Sweep(t0.Add(48*time.Hour), time.Minute); len(out) != 0 {
		t.Errorf("sweep resolved an idle group: %+v", out)
	}

	// Create re-arms the clock and keeps the round.
	s.Create("gates", 2, "document", []string{"review", "test"}, t0.Add(2*time.Hour))
	if !g.CreatedAt.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("CreatedAt after re-arm = %v", g.CreatedAt)
	}
	if g.Round != 1 {
		t.Errorf("Round = %d, want 1", g.Round)
	}
}
