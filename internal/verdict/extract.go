// Package verdict reduces a worker's free-form output to a pipeline.Route.
//
// Extraction is layered: a structured ROUTE marker, then a legacy VERDICT
// line, then content inference. ValidateRoute repairs what was found and
// EnforcePolicy corrects decisions that contradict the run state.
package verdict

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

// Source names the layer a decision came from.
type Source string

const (
	SourceRoute           Source = "route"
	SourceVerdictFallback Source = "verdict-fallback"
	SourceInferred        Source = "inferred"
	SourceNone            Source = "none"
)

// Result is the extractor output. Parsed is nil when Source is SourceNone.
type Result struct {
	Parsed *pipeline.Route
	Source Source
}

// Kind maps the source onto the verdict kind stored on a stage record.
func (r Result) Kind() pipeline.VerdictKind {
	switch r.Source {
	case SourceRoute, SourceVerdictFallback:
		return pipeline.VerdictRoute
	case SourceInferred:
		return pipeline.VerdictInferred
	}
	return pipeline.VerdictPlaceholder
}

var (
	commentMarker = regexp.MustCompile(`(?s)<!--\s*ROUTE:\s*(\{.*?\})\s*-->`)
	lineMarker    = regexp.MustCompile(`(?m)^[ \t>*_]*ROUTE:\s*(\{.*\})[ \t*_]*$`)
	legacyMarker  = regexp.MustCompile(`(?mi)^[ \t>*_#]*VERDICT[*_]*\s*:\s*[*_]*\s*(PASS|FAIL(?:\s*:\s*[A-Z]+)?)\b`)
)

// rawRoute accepts loosely-typed marker JSON; ValidateRoute does the repair.
type rawRoute struct {
	Verdict         string `json:"verdict"`
	Route           string `json:"route"`
	Severity        string `json:"severity"`
	Hint            string `json:"hint"`
	BarrierGroup    string `json:"barrierGroup"`
	BarrierGroupAlt string `json:"barrier_group"`
}

func (r rawRoute) route() pipeline.Route {
	group := r.BarrierGroup
	if group == "" {
		group = r.BarrierGroupAlt
	}
	return pipeline.Route{
		Verdict:      pipeline.Verdict(r.Verdict),
		Route:        pipeline.RouteAction(r.Route),
		Severity:     pipeline.Severity(r.Severity),
		Hint:         r.Hint,
		BarrierGroup: group,
	}
}

// Extract reads a decision out of text. The structured marker wins over the
// legacy marker, which wins over inference; within a layer the last marker in
// the text wins. The returned route is not yet validated.
func Extract(text string) Result {
	if r, ok := extractRouteMarker(text); ok {
		return Result{Parsed: &r, Source: SourceRoute}
	}
	if r, ok := extractLegacyMarker(text); ok {
		return Result{Parsed: &r, Source: SourceVerdictFallback}
	}
	if r, ok := Infer(text); ok {
		return Result{Parsed: &r, Source: SourceInferred}
	}
	return Result{Source: SourceNone}
}

type marker struct {
	start int
	body  string
}

func extractRouteMarker(text string) (pipeline.Route, bool) {
	var found []marker
	for _, re := range []*regexp.Regexp{commentMarker, lineMarker} {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			found = append(found, marker{start: m[0], body: text[m[2]:m[3]]})
		}
	}
	// Walk from the last marker back; an unparseable marker yields to an
	// earlier one rather than to the legacy layer.
	for len(found) > 0 {
		last := 0
		for i, m := range found {
			if m.start > found[last].start {
				last = i
			}
		}
		var raw rawRoute
		if err := json.Unmarshal([]byte(found[last].body), &raw); err == nil {
			return raw.route(), true
		}
		found = append(found[:last], found[last+1:]...)
	}
	return pipeline.Route{}, false
}

func extractLegacyMarker(text string) (pipeline.Route, bool) {
	all := legacyMarker.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return pipeline.Route{}, false
	}
	value := strings.ReplaceAll(all[len(all)-1][1], " ", "")
	return pipeline.ParseLegacyVerdict(value)
}
