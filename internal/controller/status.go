package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lucasnoah/stagegate/internal/events"
	"github.com/lucasnoah/stagegate/internal/phase"
	"github.com/lucasnoah/stagegate/internal/pipeline"
	"github.com/lucasnoah/stagegate/internal/store"
)

// StageRow is one stage in a status report.
type StageRow struct {
	ID          string               `json:"id"`
	Kind        pipeline.Kind        `json:"kind"`
	Status      pipeline.StageStatus `json:"status"`
	Agent       string               `json:"agent,omitempty"`
	Verdict     string               `json:"verdict,omitempty"`
	VerdictKind pipeline.VerdictKind `json:"verdict_kind,omitempty"`
	Retries     int                  `json:"retries,omitempty"`
	ContextFile string               `json:"context_file,omitempty"`
}

// BarrierRow is one barrier group in a status report.
type BarrierRow struct {
	Group     string   `json:"group"`
	Total     int      `json:"total"`
	Completed []string `json:"completed"`
	Next      string   `json:"next,omitempty"`
	Resolved  bool     `json:"resolved"`
	Round     int      `json:"round,omitempty"`
	Armed     bool     `json:"armed"`
}

// StatusInfo summarizes one run.
type StatusInfo struct {
	Session        string                 `json:"session"`
	Template       string                 `json:"template,omitempty"`
	TaskType       string                 `json:"task_type,omitempty"`
	Phase          pipeline.Phase         `json:"phase"`
	PipelineActive bool                   `json:"pipeline_active"`
	Cancelled      bool                   `json:"cancelled,omitempty"`
	Active         []string               `json:"active"`
	Ready          []string               `json:"ready"`
	Stages         []StageRow             `json:"stages"`
	Barriers       []BarrierRow           `json:"barriers,omitempty"`
	PendingRetry   *pipeline.PendingRetry `json:"pending_retry,omitempty"`
	Crashes        int                    `json:"crashes,omitempty"`
	DirectWrites   int                    `json:"direct_writes,omitempty"`
	LastTransition time.Time              `json:"last_transition"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Status reports the state of one run.
func (c *Controller) Status(ctx context.Context, session string) (*StatusInfo, error) {
	if err := store.ValidateSession(session); err != nil {
		return nil, err
	}
	snap, err := c.store.Get(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	return statusOf(snap), nil
}

// StatusAll reports every stored run in session order.
func (c *Controller) StatusAll(ctx context.Context) ([]*StatusInfo, error) {
	sessions, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*StatusInfo, 0, len(sessions))
	for _, s := range sessions {
		snap, err := c.store.Get(ctx, s)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", s, err)
		}
		out = append(out, statusOf(snap))
	}
	return out, nil
}

func statusOf(snap *store.Snapshot) *StatusInfo {
	run := snap.Run
	info := &StatusInfo{
		Session:        run.Session,
		Phase:          pipeline.DerivePhase(run),
		PipelineActive: run.PipelineActive,
		Cancelled:      run.Meta.Cancelled,
		Active:         append([]string{}, run.ActiveStages...),
		Ready:          pipeline.ReadyStages(run),
		PendingRetry:   run.PendingRetry,
		Crashes:        len(run.Crashes),
		DirectWrites:   run.Meta.DirectWrites,
		LastTransition: run.Meta.LastTransition,
		CompletedAt:    run.Meta.CompletedAt,
	}
	if run.Classification != nil {
		info.Template = run.Classification.TemplateID
		info.TaskType = run.Classification.TaskType
	}
	for _, id := range dagOrder(run.DAG) {
		row := StageRow{ID: id, Kind: run.DAG.KindOf(id), Status: run.StatusOf(id), Retries: run.Retries[id]}
		if rec := run.Stages[id]; rec != nil {
			row.Agent = rec.Agent
			row.ContextFile = rec.ContextFile
			if rec.Verdict != nil {
				row.Verdict = rec.Verdict.Route.String()
				row.VerdictKind = rec.Verdict.Kind
			}
		}
		info.Stages = append(info.Stages, row)
	}
	for _, name := range snap.Barriers.Names() {
		g := snap.Barriers[name]
		info.Barriers = append(info.Barriers, BarrierRow{
			Group:     name,
			Total:     g.Total,
			Completed: append([]string{}, g.Completed...),
			Next:      g.Next,
			Resolved:  g.Resolved,
			Round:     g.Round,
			Armed:     !g.CreatedAt.IsZero(),
		})
	}
	return info
}

// Events returns the session's event log, filtered to types when given.
func (c *Controller) Events(ctx context.Context, session string, types ...events.Type) ([]events.Event, error) {
	if err := store.ValidateSession(session); err != nil {
		return nil, err
	}
	evs, err := c.store.Events(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events.Filter(evs, types...), nil
}

// Brief is what a worker needs to start a stage.
type Brief struct {
	Session string               `json:"session"`
	Stage   string               `json:"stage"`
	Kind    pipeline.Kind        `json:"kind"`
	Status  pipeline.StageStatus `json:"status"`
	// Phase is set for stages of a compiled phase breakdown.
	Phase *pipeline.PhaseSummary `json:"phase,omitempty"`
	Tasks []string               `json:"tasks,omitempty"`
	// RetryHint carries the failure that sent the run back to this stage.
	RetryHint    string   `json:"retry_hint,omitempty"`
	Attempt      int      `json:"attempt,omitempty"`
	ContextFiles []string `json:"context_files,omitempty"`
}

// Brief builds the working brief for a stage: its phase checklist, the hint
// of a pending retry, and the context files its dependencies left behind.
func (c *Controller) Brief(ctx context.Context, session, stage string) (*Brief, error) {
	if err := store.ValidateSession(session); err != nil {
		return nil, err
	}
	snap, err := c.store.Get(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	run := snap.Run
	cands := matchStage(run, stage)
	if len(cands) == 0 {
		return nil, fmt.Errorf("stage %q: %w", stage, ErrUnknownStage)
	}
	id := cands[0]
	ready := pipeline.ReadyStages(run)
	for _, cand := range cands {
		if run.IsActive(cand) || slices.Contains(ready, cand) {
			id = cand
			break
		}
	}

	b := &Brief{Session: session, Stage: id, Kind: run.DAG.KindOf(id), Status: run.StatusOf(id), Attempt: run.Retries[id]}
	ph, tasks, ok := phase.TasksFor(run.PhaseInfo, id)
	b.Tasks = tasks
	if ok {
		b.Phase = &ph
	}
	if pr := run.PendingRetry; pr != nil && pr.Stage == id {
		b.RetryHint = pr.Reason
	} else if n := len(run.RetryHistory); n > 0 && run.RetryHistory[n-1].Target == id {
		b.RetryHint = run.RetryHistory[n-1].Hint
	}
	if n := run.DAG[id]; n != nil {
		for _, dep := range n.Deps {
			if rec := run.Stages[dep]; rec != nil && rec.ContextFile != "" {
				b.ContextFiles = append(b.ContextFiles, rec.ContextFile)
			}
		}
	}
	return b, nil
}
