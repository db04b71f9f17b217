package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StageStatus is the lifecycle state of a single stage record.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusActive    StageStatus = "active"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// Done reports whether the status satisfies a dependency.
func (s StageStatus) Done() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Verdict is the PASS/FAIL outcome a worker reports.
type Verdict string

const (
	Pass Verdict = "PASS"
	Fail Verdict = "FAIL"
)

// RouteAction is the next-action directive that accompanies a verdict.
type RouteAction string

const (
	RouteNext    RouteAction = "NEXT"
	RouteDev     RouteAction = "DEV"
	RouteBarrier RouteAction = "BARRIER"
)

// Severity of a failing verdict. Ordered LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the position of s in the severity order; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is one of the four named severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the higher-ranked of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity case-folds s and returns SeverityNone for unknown input.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if sev.Valid() {
		return sev
	}
	return SeverityNone
}

// Route is the structured decision extracted from a worker's output.
type Route struct {
	Verdict        Verdict     `json:"verdict"`
	Route          RouteAction `json:"route"`
	Severity       Severity    `json:"severity,omitempty"`
	Hint           string      `json:"hint,omitempty"`
	BarrierGroup   string      `json:"barrierGroup,omitempty"`
	RetryExhausted bool        `json:"retryExhausted,omitempty"`
}

// String renders the route in the legacy marker shape, e.g. "FAIL:HIGH→DEV".
func (r Route) String() string {
	v := string(r.Verdict)
	if r.Severity != SeverityNone {
		v += ":" + string(r.Severity)
	}
	return v + "→" + string(r.Route)
}

// VerdictKind tags how a stage verdict came to be.
type VerdictKind string

const (
	// VerdictRoute is a decision read from a marker in the worker output.
	VerdictRoute VerdictKind = "route"
	// VerdictInferred is a decision guessed from the output's language.
	VerdictInferred VerdictKind = "inferred"
	// VerdictPlaceholder stands in when the output carried no usable decision.
	VerdictPlaceholder VerdictKind = "placeholder"
)

// StageVerdict is the normalized verdict stored on a stage record. Older records
// stored a bare string ("PASS", "FAIL:HIGH"); UnmarshalJSON folds both shapes
// into this one so nothing past the decoder sees the difference.
type StageVerdict struct {
	Kind  VerdictKind `json:"kind"`
	Route Route       `json:"route"`
}

func (v *StageVerdict) UnmarshalJSON(data []byte) error {
	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		r, ok := ParseLegacyVerdict(legacy)
		if !ok {
			return fmt.Errorf("unrecognized verdict %q", legacy)
		}
		*v = StageVerdict{Kind: VerdictRoute, Route: r}
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if _, wrapped := fields["kind"]; wrapped {
		type plain StageVerdict
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Kind == "" {
			p.Kind = VerdictRoute
		}
		*v = StageVerdict(p)
		return nil
	}

	// A bare route object without the kind wrapper.
	var r Route
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*v = StageVerdict{Kind: VerdictRoute, Route: r}
	return nil
}

// ParseLegacyVerdict converts "PASS", "FAIL" or "FAIL:<SEV>" into a Route.
// FAIL without a severity is HIGH; LOW never routes to DEV.
func ParseLegacyVerdict(s string) (Route, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == string(Pass) {
		return Route{Verdict: Pass, Route: RouteNext}, true
	}
	if s == string(Fail) || strings.HasPrefix(s, string(Fail)+":") {
		sev := ParseSeverity(strings.TrimPrefix(strings.TrimPrefix(s, string(Fail)), ":"))
		if sev == SeverityNone {
			sev = SeverityHigh
		}
		action := RouteDev
		if sev == SeverityLow {
			action = RouteNext
		}
		return Route{Verdict: Fail, Route: action, Severity: sev}, true
	}
	return Route{}, false
}

// Kind is the class of work a stage performs. Review and test stages are
// quality gates and have narrower write permissions.
type Kind string

const (
	KindPlan   Kind = "plan"
	KindDesign Kind = "design"
	KindDev    Kind = "dev"
	KindReview Kind = "review"
	KindTest   Kind = "test"
	KindDocs   Kind = "docs"
	KindOther  Kind = "other"
)

// QualityGate reports whether the kind is a review- or test-class stage.
func (k Kind) QualityGate() bool {
	return k == KindReview || k == KindTest
}

// BarrierSpec describes the join point a stage belongs to. Every sibling in
// the group carries an identical copy.
type BarrierSpec struct {
	Group    string   `json:"group"`
	Total    int      `json:"total"`
	Next     string   `json:"next,omitempty"`
	Siblings []string `json:"siblings"`
}

// Node is one DAG edge record.
type Node struct {
	Deps       []string     `json:"deps"`
	Kind       Kind         `json:"kind,omitempty"`
	Barrier    *BarrierSpec `json:"barrier,omitempty"`
	OnFail     string       `json:"onFail,omitempty"`
	MaxRetries int          `json:"maxRetries,omitempty"`
}

// DAG maps stage id to its edge record.
type DAG map[string]*Node

// StageRecord is the per-stage status record.
type StageRecord struct {
	Status      StageStatus   `json:"status"`
	Agent       string        `json:"agent,omitempty"`
	Verdict     *StageVerdict `json:"verdict,omitempty"`
	ContextFile string        `json:"contextFile,omitempty"`
}

// ClassificationMethod records how a template was chosen.
type ClassificationMethod string

const (
	MethodExplicit  ClassificationMethod = "explicit"
	MethodRule      ClassificationMethod = "rule"
	MethodHeuristic ClassificationMethod = "heuristic"
	MethodDefault   ClassificationMethod = "default"
)

// NoopTemplate is the template id for tasks that need no pipeline.
const NoopTemplate = "none"

// Classification is the chosen DAG template for a run.
type Classification struct {
	TemplateID string               `json:"templateId"`
	TaskType   string               `json:"taskType"`
	Method     ClassificationMethod `json:"method"`
	At         time.Time            `json:"at"`
}

// Decision is the classifier output handed to Classify.
type Decision struct {
	TemplateID string
	TaskType   string
	Method     ClassificationMethod
	DAG        DAG
	PhaseInfo  *PhaseInfo
}

// RetryEntry records one rollback.
type RetryEntry struct {
	Stage    string    `json:"stage"`
	Target   string    `json:"target"`
	Attempt  int       `json:"attempt"`
	Severity Severity  `json:"severity,omitempty"`
	Hint     string    `json:"hint,omitempty"`
	At       time.Time `json:"at"`
}

// CrashEntry records a worker that died without reporting.
type CrashEntry struct {
	Stage  string    `json:"stage"`
	Agent  string    `json:"agent"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// PendingRetry marks a stage that was rolled back and awaits re-delegation.
type PendingRetry struct {
	Stage  string `json:"stage"`
	From   string `json:"from"`
	Reason string `json:"reason,omitempty"`
}

// PhaseSummary is the retained subset of a compiled phase.
type PhaseSummary struct {
	Index int      `json:"index"`
	Name  string   `json:"name"`
	Deps  []int    `json:"deps,omitempty"`
	Tasks []string `json:"tasks,omitempty"`
}

// PhaseInfo keeps the phase breakdown a DAG was compiled from.
type PhaseInfo struct {
	TemplateID string         `json:"templateId"`
	Phases     []PhaseSummary `json:"phases"`
}

// Reclassification is one entry of the reclassification log.
type Reclassification struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// Meta holds bookkeeping that is not part of the DAG itself.
type Meta struct {
	Initialized       bool               `json:"initialized"`
	Reclassifications []Reclassification `json:"reclassifications,omitempty"`
	Cancelled         bool               `json:"cancelled,omitempty"`
	LastTransition    time.Time          `json:"lastTransition"`
	CompletedAt       *time.Time         `json:"completedAt,omitempty"`
	DirectWrites      int                `json:"directWrites,omitempty"`
}

// Run is the persisted state of one pipeline run, one per session.
type Run struct {
	Session        string                  `json:"session"`
	Classification *Classification         `json:"classification,omitempty"`
	DAG            DAG                     `json:"dag"`
	Stages         map[string]*StageRecord `json:"stages"`
	PipelineActive bool                    `json:"pipelineActive"`
	ActiveStages   []string                `json:"activeStages"`
	Retries        map[string]int          `json:"retries"`
	RetryHistory   []RetryEntry            `json:"retryHistory,omitempty"`
	Crashes        []CrashEntry            `json:"crashes,omitempty"`
	PendingRetry   *PendingRetry           `json:"pendingRetry,omitempty"`
	PhaseInfo      *PhaseInfo              `json:"phaseInfo,omitempty"`
	Meta           Meta                    `json:"meta"`
}
