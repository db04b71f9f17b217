package verdict

import (
	"testing"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

func TestExtract_RouteComment(t *testing.T) {
	text := "Reviewed the change.\n<!-- ROUTE: {\"verdict\":\"FAIL\",\"route\":\"DEV\",\"severity\":\"HIGH\",\"hint\":\"nil deref in handler\"} -->\n"
	r := Extract(text)
	if r.Source != SourceRoute {
		t.Fatalf("Source = %q, want %q", r.Source, SourceRoute)
	}
	want := pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityHigh, Hint: "nil deref in handler"}
	if *r.Parsed != want {
		t.Errorf("Parsed = %+v, want %+v", *r.Parsed, want)
	}
	if r.Kind() != pipeline.VerdictRoute {
		t.Errorf("Kind = %q, want route", r.Kind())
	}
}

func TestExtract_LastMarkerWins(t *testing.T) {
	text := `ROUTE: {"verdict":"FAIL","route":"DEV","severity":"HIGH"}
fixed it after all
<!-- ROUTE: {"verdict":"PASS","route":"NEXT"} -->`
	r := Extract(text)
	if r.Source != SourceRoute || r.Parsed.Verdict != pipeline.Pass {
		t.Errorf("got %+v from %q, want PASS route", r.Parsed, r.Source)
	}
}

func TestExtract_BrokenMarkerFallsBackToEarlier(t *testing.T) {
	text := "<!-- ROUTE: {\"verdict\":\"PASS\",\"route\":\"NEXT\"} -->\n<!-- ROUTE: {not json} -->"
	r := Extract(text)
	if r.Source != SourceRoute || r.Parsed.Verdict != pipeline.Pass {
		t.Errorf("got %+v from %q, want the earlier PASS marker", r.Parsed, r.Source)
	}
}

func TestExtract_BarrierGroupSnakeCase(t *testing.T) {
	r := Extract(`<!-- ROUTE: {"verdict":"PASS","route":"BARRIER","barrier_group":"gates-p1"} -->`)
	if r.Parsed == nil || r.Parsed.BarrierGroup != "gates-p1" {
		t.Errorf("Parsed = %+v, want barrier group gates-p1", r.Parsed)
	}
}

func TestExtract_Legacy(t *testing.T) {
	tests := []struct {
		text string
		want pipeline.Route
	}{
		{"All good.\nVERDICT: PASS", pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteNext}},
		{"**VERDICT:** FAIL", pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityHigh}},
		{"verdict: fail:critical", pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityCritical}},
		{"VERDICT: FAIL:LOW\n", pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteNext, Severity: pipeline.SeverityLow}},
		{"VERDICT: FAIL\nVERDICT: PASS", pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteNext}},
	}
	for _, tt := range tests {
		r := Extract(tt.text)
		if r.Source != SourceVerdictFallback {
			t.Errorf("Extract(%q).Source = %q, want %q", tt.text, r.Source, SourceVerdictFallback)
			continue
		}
		if *r.Parsed != tt.want {
			t.Errorf("Extract(%q) = %+v, want %+v", tt.text, *r.Parsed, tt.want)
		}
	}
}

func TestExtract_RouteBeatsLegacy(t *testing.T) {
	text := "VERDICT: FAIL\n<!-- ROUTE: {\"verdict\":\"PASS\",\"route\":\"NEXT\"} -->"
	if r := Extract(text); r.Source != SourceRoute {
		t.Errorf("Source = %q, want route", r.Source)
	}
}

func TestExtract_None(t *testing.T) {
	for _, text := range []string{"", "   ", "I updated the README wording."} {
		r := Extract(text)
		if r.Source != SourceNone || r.Parsed != nil {
			t.Errorf("Extract(%q) = %+v, want none", text, r)
		}
		if r.Kind() != pipeline.VerdictPlaceholder {
			t.Errorf("Kind = %q, want placeholder", r.Kind())
		}
	}
}

func TestInfer(t *testing.T) {
	tests := []struct {
		name string
		text string
		ok   bool
		want pipeline.Verdict
		sev  pipeline.Severity
	}{
		{"explicit pass", "All tests passed.", true, pipeline.Pass, ""},
		{"lgtm", "LGTM, ship it", true, pipeline.Pass, ""},
		{"fail medium", "Two tests are failing in the parser package.", true, pipeline.Fail, pipeline.SeverityMedium},
		{"fail critical", "Build is broken: critical panic on startup.", true, pipeline.Fail, pipeline.SeverityCritical},
		{"fail high", "Found a high-severity injection bug, changes requested.", true, pipeline.Fail, pipeline.SeverityHigh},
		{"fail beats pass", "Most tests passed but 3 failed.", true, pipeline.Fail, pipeline.SeverityMedium},
		{"false positive handler", "Wired the on-failure-handler and the onFail hook; tests pass.", true, pipeline.Pass, ""},
		{"fail-fast is a flag", "Enabled fail-fast mode and failover. Looks good.", true, pipeline.Pass, ""},
		{"zero failures", "42 passed, 0 failed", true, pipeline.Pass, ""},
		{"zero critical high", "Risk review: 0 critical/high findings. Some medium risk around failure modes.", true, pipeline.Pass, ""},
		{"no critical or high", "No critical or high severity issues; one failing lint rule noted.", true, pipeline.Pass, ""},
		{"zero critical only", "Review summary: 0 critical issues, 3 high severity issues remain. Must fix before merge.", true, pipeline.Fail, pipeline.SeverityHigh},
		{"no critical but high bugs", "No critical findings. Found 2 high-severity bugs; the build is broken.", true, pipeline.Fail, pipeline.SeverityHigh},
		{"zero both contradicted", "0 critical/high findings in new code, but 2 high severity bugs remain: must fix.", true, pipeline.Fail, pipeline.SeverityHigh},
		{"zero critical is not critical", "No critical issues. Two tests are failing.", true, pipeline.Fail, pipeline.SeverityMedium},
		{"nothing", "Renamed a variable.", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := Infer(tt.text)
			if ok != tt.ok {
				t.Fatalf("Infer ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if r.Verdict != tt.want {
				t.Errorf("Verdict = %q, want %q", r.Verdict, tt.want)
			}
			if r.Severity != tt.sev {
				t.Errorf("Severity = %q, want %q", r.Severity, tt.sev)
			}
		})
	}
}

func TestInfer_HintIsFailingLine(t *testing.T) {
	r, ok := Infer("Summary\nTestParse failed with a nil map\nother notes")
	if !ok {
		t.Fatal("expected an inferred verdict")
	}
	if r.Hint != "TestParse failed with a nil map" {
		t.Errorf("Hint = %q", r.Hint)
	}
}
