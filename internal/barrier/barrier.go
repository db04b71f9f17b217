// Package barrier joins parallel sibling stages. A Group accumulates one
// result per sibling and resolves exactly once, either when every sibling has
// reported or when a sweep force-completes it.
package barrier

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

// HintSeparator joins the hints of failing siblings.
const HintSeparator = " | "

// TimeoutHint is the hint on results synthesized for siblings that never reported.
const TimeoutHint = "timed out"

// SiblingResult is one sibling's reported outcome.
type SiblingResult struct {
	Verdict     pipeline.Verdict     `json:"verdict"`
	Route       pipeline.RouteAction `json:"route"`
	Severity    pipeline.Severity    `json:"severity,omitempty"`
	Hint        string               `json:"hint,omitempty"`
	ContextFile string               `json:"context_file,omitempty"`
	ReportedAt  time.Time            `json:"reportedAt"`
	Synthetic   bool                 `json:"synthetic,omitempty"`
}

// ResultFromRoute builds a sibling result from a validated route.
func ResultFromRoute(r pipeline.Route, contextFile string, now time.Time) SiblingResult {
	return SiblingResult{
		Verdict:     r.Verdict,
		Route:       r.Route,
		Severity:    r.Severity,
		Hint:        r.Hint,
		ContextFile: contextFile,
		ReportedAt:  now,
	}
}

// Group is the persisted state of one join point.
type Group struct {
	Total      int                      `json:"total"`
	Completed  []string                 `json:"completed"`
	Results    map[string]SiblingResult `json:"results"`
	Next       string                   `json:"next,omitempty"`
	Siblings   []string                 `json:"siblings"`
	Resolved   bool                     `json:"resolved"`
	Round      int                      `json:"round,omitempty"`
	CreatedAt  time.Time                `json:"createdAt"`
	ResolvedAt *time.Time               `json:"resolvedAt,omitempty"`
}

// Set maps group name to group. It is stored apart from the run so resetting
// stage records never loses in-flight barrier progress.
type Set map[string]*Group

// Merged is the group verdict: worst case wins.
type Merged struct {
	Verdict      pipeline.Verdict  `json:"verdict"`
	Severity     pipeline.Severity `json:"severity,omitempty"`
	Hint         string            `json:"hint,omitempty"`
	FailedStages []string          `json:"_failedStages,omitempty"`
	ContextFiles []string          `json:"contextFiles,omitempty"`
}

// Route converts the merged verdict into a route: FAIL rolls back, PASS advances.
func (m Merged) Route() pipeline.Route {
	if m.Verdict == pipeline.Fail {
		return pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: m.Severity, Hint: m.Hint}
	}
	return pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteNext}
}

// Outcome is returned by Update and Sweep.
type Outcome struct {
	Group       string
	AllComplete bool
	// Resolved is true only for the call that flipped the group to resolved.
	Resolved bool
	Merged   *Merged
	Next     string
	// Missing lists siblings that have not reported.
	Missing []string
	// TimedOut lists siblings whose results a sweep synthesized.
	TimedOut []string
}

// Create registers a group. An existing group is returned untouched so
// recorded progress survives repeated calls; an idle group left by Reset has its
// timeout clock started.
func (s Set) Create(name string, total int, next string, siblings []string, now time.Time) *Group {
	if g, ok := s[name]; ok && g != nil {
		if g.CreatedAt.IsZero() && !g.Resolved {
			g.CreatedAt = now
		}
		return g
	}
	sibs := slices.Clone(siblings)
	sort.Strings(sibs)
	if total <= 0 {
		total = len(sibs)
	}
	g := &Group{
		Total:     total,
		Completed: []string{},
		Results:   map[string]SiblingResult{},
		Next:      next,
		Siblings:  sibs,
		CreatedAt: now,
	}
	s[name] = g
	return g
}

// Update records one sibling's result and reports whether the group is now
// complete. Updating an unknown group, or a stage that is not a sibling,
// returns AllComplete=false and changes nothing. Re-reporting a stage replaces
// its previous result. A resolved group is never re-processed.
func (s Set) Update(name, stage string, res SiblingResult, now time.Time) Outcome {
	g, ok := s[name]
	if !ok || g == nil {
		return Outcome{Group: name}
	}
	if g.Resolved {
		m := Merge(g)
		return Outcome{Group: name, AllComplete: true, Merged: &m, Next: g.Next}
	}
	if len(g.Siblings) > 0 && !slices.Contains(g.Siblings, stage) {
		return Outcome{Group: name, Next: g.Next, Missing: g.missing()}
	}

	if g.Results == nil {
		g.Results = map[string]SiblingResult{}
	}
	if res.ReportedAt.IsZero() {
		res.ReportedAt = now
	}
	g.Results[stage] = res
	if !slices.Contains(g.Completed, stage) {
		g.Completed = append(g.Completed, stage)
		sort.Strings(g.Completed)
	}

	out := Outcome{Group: name, Next: g.Next, Missing: g.missing()}
	if g.complete() {
		g.resolve(now)
		m := Merge(g)
		out.AllComplete = true
		out.Resolved = true
		out.Merged = &m
	}
	return out
}

// Sweep resolves every unresolved group that is complete, or older than
// timeout. Siblings that never reported get a synthetic FAIL. Outcomes are
// sorted by group name. A timeout of zero or less only resolves complete groups.
func (s Set) Sweep(now time.Time, timeout time.Duration) []Outcome {
	var out []Outcome
	for _, name := range s.Names() {
		g := s[name]
		if g == nil || g.Resolved {
			continue
		}
		expired := timeout > 0 && !g.CreatedAt.IsZero() && now.Sub(g.CreatedAt) >= timeout
		if !g.complete() && !expired {
			continue
		}
		missing := g.missing()
		if g.Results == nil {
			g.Results = map[string]SiblingResult{}
		}
		for _, sib := range missing {
			g.Results[sib] = SiblingResult{
				Verdict:    pipeline.Fail,
				Route:      pipeline.RouteDev,
				Severity:   pipeline.SeverityHigh,
				Hint:       TimeoutHint,
				ReportedAt: now,
				Synthetic:  true,
			}
			g.Completed = append(g.Completed, sib)
		}
		sort.Strings(g.Completed)
		g.resolve(now)
		m := Merge(g)
		out = append(out, Outcome{
			Group:       name,
			AllComplete: true,
			Resolved:    true,
			Merged:      &m,
			Next:        g.Next,
			TimedOut:    missing,
		})
	}
	return out
}

// Reset reopens a group for a new round: results are dropped and the round
// number increases so a stale copy of the old round cannot be merged back in.
// The group stays idle, outside the timeout sweep, until Create re-arms it.
func (s Set) Reset(name string) {
	g, ok := s[name]
	if !ok || g == nil {
		return
	}
	g.Round++
	g.Completed = []string{}
	g.Results = map[string]SiblingResult{}
	g.Resolved = false
	g.ResolvedAt = nil
	g.CreatedAt = time.Time{}
}

// Names returns the group names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for name, g := range s {
		out[name] = g.clone()
	}
	return out
}

// MergeFrom unions other into s. Groups in the same round combine their
// reports; for a stage reported in both, the later report wins. A higher
// round replaces a lower one wholesale.
func (s Set) MergeFrom(other Set) {
	for name, og := range other {
		if og == nil {
			continue
		}
		g, ok := s[name]
		if !ok || g == nil || og.Round > g.Round {
			s[name] = og.clone()
			continue
		}
		if og.Round < g.Round {
			continue
		}
		if g.Results == nil {
			g.Results = map[string]SiblingResult{}
		}
		for stage, r := range og.Results {
			mine, ok := g.Results[stage]
			if !ok || r.ReportedAt.After(mine.ReportedAt) {
				g.Results[stage] = r
			}
		}
		for _, stage := range og.Completed {
			if !slices.Contains(g.Completed, stage) {
				g.Completed = append(g.Completed, stage)
			}
		}
		sort.Strings(g.Completed)
		if og.Resolved && !g.Resolved {
			g.Resolved = true
			g.ResolvedAt = og.ResolvedAt
		}
		if !og.CreatedAt.IsZero() && (g.CreatedAt.IsZero() || og.CreatedAt.Before(g.CreatedAt)) {
			g.CreatedAt = og.CreatedAt
		}
	}
}

// Merge folds the group's results into one verdict. The result does not
// depend on the order siblings reported in.
func Merge(g *Group) Merged {
	m := Merged{Verdict: pipeline.Pass}
	var hints []string
	for _, stage := range g.reportOrder() {
		r := g.Results[stage]
		if r.ContextFile != "" {
			m.ContextFiles = append(m.ContextFiles, r.ContextFile)
		}
		if r.Verdict != pipeline.Fail {
			continue
		}
		m.Verdict = pipeline.Fail
		m.FailedStages = append(m.FailedStages, stage)
		sev := r.Severity
		if !sev.Valid() {
			sev = pipeline.SeverityMedium
		}
		m.Severity = pipeline.MaxSeverity(m.Severity, sev)
		if h := strings.TrimSpace(r.Hint); h != "" {
			hints = append(hints, h)
		}
	}
	m.Hint = strings.Join(hints, HintSeparator)
	return m
}

// reportOrder lists reported stages: declared siblings first, then any
// others, each sorted.
func (g *Group) reportOrder() []string {
	var order []string
	for _, s := range g.Siblings {
		if _, ok := g.Results[s]; ok {
			order = append(order, s)
		}
	}
	var extra []string
	for s := range g.Results {
		if !slices.Contains(g.Siblings, s) {
			extra = append(extra, s)
		}
	}
	sort.Strings(extra)
	return append(order, extra...)
}

func (g *Group) missing() []string {
	var out []string
	for _, s := range g.Siblings {
		if !slices.Contains(g.Completed, s) {
			out = append(out, s)
		}
	}
	return out
}

func (g *Group) complete() bool {
	if len(g.Siblings) == 0 {
		return g.Total > 0 && len(g.Completed) >= g.Total
	}
	return len(g.missing()) == 0
}

func (g *Group) resolve(now time.Time) {
	g.Resolved = true
	t := now
	g.ResolvedAt = &t
}

func (g *Group) clone() *Group {
	if g == nil {
		return nil
	}
	c := *g
	c.Completed = slices.Clone(g.Completed)
	c.Siblings = slices.Clone(g.Siblings)
	c.Results = make(map[string]SiblingResult, len(g.Results))
	for k, v := range g.Results {
		c.Results[k] = v
	}
	if g.ResolvedAt != nil {
		t := *g.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
