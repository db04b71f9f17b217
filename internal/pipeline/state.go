package pipeline

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// Phase is the derived high-level state of a run. It is never stored.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseClassified Phase = "CLASSIFIED"
	PhaseDelegating Phase = "DELEGATING"
	PhaseRetrying   Phase = "RETRYING"
	PhaseComplete   Phase = "COMPLETE"
)

// NewRun returns an empty, unclassified run for a session.
func NewRun(session string) *Run {
	return &Run{
		Session: session,
		DAG:     DAG{},
		Stages:  map[string]*StageRecord{},
		Retries: map[string]int{},
	}
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.Classification != nil {
		cl := *r.Classification
		c.Classification = &cl
	}
	c.DAG = r.DAG.Clone()
	c.Stages = make(map[string]*StageRecord, len(r.Stages))
	for id, s := range r.Stages {
		if s == nil {
			continue
		}
		rec := *s
		if s.Verdict != nil {
			v := *s.Verdict
			rec.Verdict = &v
		}
		c.Stages[id] = &rec
	}
	c.ActiveStages = slices.Clone(r.ActiveStages)
	c.Retries = maps.Clone(r.Retries)
	if c.Retries == nil {
		c.Retries = map[string]int{}
	}
	c.RetryHistory = slices.Clone(r.RetryHistory)
	c.Crashes = slices.Clone(r.Crashes)
	if r.PendingRetry != nil {
		p := *r.PendingRetry
		c.PendingRetry = &p
	}
	if r.PhaseInfo != nil {
		pi := *r.PhaseInfo
		pi.Phases = make([]PhaseSummary, len(r.PhaseInfo.Phases))
		for i, p := range r.PhaseInfo.Phases {
			p.Deps = slices.Clone(p.Deps)
			p.Tasks = slices.Clone(p.Tasks)
			pi.Phases[i] = p
		}
		c.PhaseInfo = &pi
	}
	c.Meta.Reclassifications = slices.Clone(r.Meta.Reclassifications)
	if r.Meta.CompletedAt != nil {
		t := *r.Meta.CompletedAt
		c.Meta.CompletedAt = &t
	}
	return &c
}

// StatusOf returns the status of a stage, or "" if it has no record.
func (r *Run) StatusOf(id string) StageStatus {
	if s, ok := r.Stages[id]; ok && s != nil {
		return s.Status
	}
	return ""
}

// IsActive reports whether id is in the active set.
func (r *Run) IsActive(id string) bool {
	return slices.Contains(r.ActiveStages, id)
}

// AllDone reports whether the run has stages and every one is completed or skipped.
func (r *Run) AllDone() bool {
	if len(r.Stages) == 0 {
		return false
	}
	for _, s := range r.Stages {
		if s == nil || !s.Status.Done() {
			return false
		}
	}
	return true
}

// DerivePhase computes the run's phase from primitive state.
func DerivePhase(r *Run) Phase {
	if r == nil || r.Classification == nil {
		return PhaseIdle
	}
	if r.AllDone() {
		return PhaseComplete
	}
	if !r.PipelineActive {
		return PhaseIdle
	}
	if r.PendingRetry != nil {
		return PhaseRetrying
	}
	if len(r.ActiveStages) > 0 {
		return PhaseDelegating
	}
	for id, s := range r.Stages {
		if s != nil && s.Status == StatusPending && r.Retries[id] > 0 {
			return PhaseRetrying
		}
	}
	return PhaseClassified
}

// ReadyStages returns pending stages whose dependencies are all completed or
// skipped and that are not already active, in dependency order.
func ReadyStages(r *Run) []string {
	if r == nil {
		return nil
	}
	order, err := r.DAG.Order()
	if err != nil {
		// A cyclic DAG is never installed; fall back to sorted ids so the
		// function stays total.
		order = r.DAG.IDs()
	}
	var ready []string
	for _, id := range order {
		if r.StatusOf(id) != StatusPending || r.IsActive(id) {
			continue
		}
		if depsDone(r, id) {
			ready = append(ready, id)
		}
	}
	return ready
}

// DepsDone reports whether every dependency of id is completed or skipped.
func DepsDone(r *Run, id string) bool {
	return depsDone(r, id)
}

func depsDone(r *Run, id string) bool {
	n, ok := r.DAG[id]
	if !ok || n == nil {
		return false
	}
	for _, dep := range n.Deps {
		if !r.StatusOf(dep).Done() {
			return false
		}
	}
	return true
}

func (r *Run) addActive(id string) {
	if !slices.Contains(r.ActiveStages, id) {
		r.ActiveStages = append(r.ActiveStages, id)
		sort.Strings(r.ActiveStages)
	}
}

func (r *Run) removeActive(id string) {
	r.ActiveStages = slices.DeleteFunc(r.ActiveStages, func(s string) bool { return s == id })
}

// mutate clones r, applies fn to the stage record if it exists, and stamps the
// transition time. Unknown stages return the clone untouched.
func mutate(r *Run, id string, now time.Time, fn func(c *Run, s *StageRecord)) *Run {
	c := r.Clone()
	if c == nil {
		return nil
	}
	s, ok := c.Stages[id]
	if !ok || s == nil {
		return c
	}
	fn(c, s)
	c.Meta.LastTransition = now
	return c
}

// MarkStageActive assigns agent to the stage and adds it to the active set.
func MarkStageActive(r *Run, id, agent string, now time.Time) *Run {
	return mutate(r, id, now, func(c *Run, s *StageRecord) {
		s.Status = StatusActive
		s.Agent = agent
		s.Verdict = nil
		c.addActive(id)
		if c.PendingRetry != nil && c.PendingRetry.Stage == id {
			c.PendingRetry = nil
		}
	})
}

// MarkStageCompleted records a verdict and marks the stage completed.
func MarkStageCompleted(r *Run, id string, v *StageVerdict, now time.Time) *Run {
	return mutate(r, id, now, func(c *Run, s *StageRecord) {
		s.Status = StatusCompleted
		s.Verdict = cloneVerdict(v)
		c.removeActive(id)
	})
}

// MarkStageFailed records a verdict and marks the stage failed.
func MarkStageFailed(r *Run, id string, v *StageVerdict, now time.Time) *Run {
	return mutate(r, id, now, func(c *Run, s *StageRecord) {
		s.Status = StatusFailed
		s.Verdict = cloneVerdict(v)
		c.removeActive(id)
	})
}

// MarkStageSkipped marks the stage skipped; skipped satisfies dependencies.
func MarkStageSkipped(r *Run, id string, now time.Time) *Run {
	return mutate(r, id, now, func(c *Run, s *StageRecord) {
		s.Status = StatusSkipped
		s.Verdict = nil
		c.removeActive(id)
	})
}

// ResetStageToPending clears the stage's agent and verdict.
func ResetStageToPending(r *Run, id string, now time.Time) *Run {
	return mutate(r, id, now, func(c *Run, s *StageRecord) {
		s.Status = StatusPending
		s.Agent = ""
		s.Verdict = nil
		c.removeActive(id)
	})
}

// MarkRetryExhausted flags the stage's recorded verdict as having spent its
// retry budget. Stages without a verdict are left as they are.
func MarkRetryExhausted(r *Run, id string, now time.Time) *Run {
	return mutate(r, id, now, func(_ *Run, s *StageRecord) {
		if s.Verdict != nil {
			s.Verdict.Route.RetryExhausted = true
		}
	})
}

// SetStageContextFile points the stage at a detail artifact.
func SetStageContextFile(r *Run, id, path string, now time.Time) *Run {
	return mutate(r, id, now, func(_ *Run, s *StageRecord) {
		s.ContextFile = path
	})
}

func cloneVerdict(v *StageVerdict) *StageVerdict {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Classify installs the decision's DAG on the run. Reclassifying a run that
// already had a template appends to the reclassification log and resets all
// stage records.
func Classify(r *Run, d Decision, now time.Time) *Run {
	c := r.Clone()
	if c == nil {
		c = NewRun("")
	}
	if c.Classification != nil {
		c.Meta.Reclassifications = append(c.Meta.Reclassifications, Reclassification{
			From: c.Classification.TemplateID,
			To:   d.TemplateID,
			At:   now,
		})
	}
	c.Classification = &Classification{
		TemplateID: d.TemplateID,
		TaskType:   d.TaskType,
		Method:     d.Method,
		At:         now,
	}
	c.DAG = d.DAG.Clone()
	if c.DAG == nil {
		c.DAG = DAG{}
	}
	c.Stages = make(map[string]*StageRecord, len(c.DAG))
	for id := range c.DAG {
		c.Stages[id] = &StageRecord{Status: StatusPending}
	}
	c.ActiveStages = nil
	c.Retries = map[string]int{}
	c.PendingRetry = nil
	c.PhaseInfo = d.PhaseInfo
	c.PipelineActive = d.TemplateID != NoopTemplate && len(c.DAG) > 0
	c.Meta.Initialized = true
	c.Meta.Cancelled = false
	c.Meta.CompletedAt = nil
	c.Meta.DirectWrites = 0
	c.Meta.LastTransition = now
	return c
}

// Cancel stops enforcement. Stage history is kept for the audit trail.
func Cancel(r *Run, now time.Time) *Run {
	c := r.Clone()
	if c == nil {
		return nil
	}
	c.PipelineActive = false
	c.Meta.Cancelled = true
	c.Meta.LastTransition = now
	return c
}

// Finish marks a run whose stages are all done as complete and stops
// enforcement. A run with unfinished stages is returned unchanged.
func Finish(r *Run, now time.Time) *Run {
	c := r.Clone()
	if c == nil || !c.AllDone() {
		return c
	}
	c.PipelineActive = false
	t := now
	c.Meta.CompletedAt = &t
	c.Meta.LastTransition = now
	return c
}
