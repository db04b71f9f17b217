package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/stagegate/internal/events"
	"github.com/lucasnoah/stagegate/internal/metrics"
	"github.com/lucasnoah/stagegate/internal/pipeline"
	"github.com/lucasnoah/stagegate/internal/store"
)

// Cancel stops enforcement for session and reports whether a pipeline was
// active. Stage history is kept until the run is pruned.
func (c *Controller) Cancel(ctx context.Context, session string) (bool, error) {
	if err := store.ValidateSession(session); err != nil {
		return false, err
	}
	wasActive := false
	err := c.update(ctx, session, func(snap *store.Snapshot, ev *events.Log, now time.Time) error {
		wasActive = snap.Run.PipelineActive
		if snap.Run.Meta.Cancelled {
			return errNoChange
		}
		snap.Run = pipeline.Cancel(snap.Run, now)
		ev.Add(events.PipelineCancelled, "", map[string]any{"was_active": wasActive, "phase": string(pipeline.DerivePhase(snap.Run))})
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	c.logger.Info("pipeline cancelled", "session", session, "was_active", wasActive)
	return wasActive, nil
}

// Sweep resolves the session's barrier groups that are complete or timed out.
func (c *Controller) Sweep(ctx context.Context, session string) ([]GroupOutcome, error) {
	if err := store.ValidateSession(session); err != nil {
		return nil, err
	}
	var outs []GroupOutcome
	err := c.update(ctx, session, func(snap *store.Snapshot, ev *events.Log, now time.Time) error {
		outs = c.sweep(snap, ev, now)
		if len(outs) == 0 {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	for _, o := range outs {
		c.logger.Info("barrier swept", "session", session, "group", o.Group, "verdict", o.Verdict, "timed_out", o.TimedOut)
	}
	return outs, nil
}

// SweepAll sweeps every stored session. Sessions that fail are logged and
// skipped; the first error is returned after all sessions were tried.
func (c *Controller) SweepAll(ctx context.Context) (map[string][]GroupOutcome, error) {
	sessions, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := map[string][]GroupOutcome{}
	var firstErr error
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		outs, err := c.Sweep(ctx, s)
		if err != nil {
			c.logger.Warn("sweep failed", "session", s, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(outs) > 0 {
			out[s] = outs
		}
	}
	return out, firstErr
}

// Prune reasons.
const (
	PruneCancelled = "cancelled"
	PruneCompleted = "completed"
	PruneIdle      = "idle"
)

// PruneEntry is one deleted run.
type PruneEntry struct {
	Session string `json:"session"`
	Reason  string `json:"reason"`
}

// Prune deletes cancelled runs, completed runs past the completion grace and
// runs untouched for longer than the idle expiry.
func (c *Controller) Prune(ctx context.Context) ([]PruneEntry, error) {
	sessions, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := c.now()
	grace := c.cfg.Policy.CompletionGraceDuration()
	idle := c.cfg.Policy.IdleExpiryDuration()

	var pruned []PruneEntry
	for _, s := range sessions {
		snap, err := c.store.Get(ctx, s)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return pruned, fmt.Errorf("load %s: %w", s, err)
		}
		reason := pruneReason(snap.Run, now, grace, idle)
		if reason == "" {
			continue
		}
		if err := c.store.Delete(ctx, s); err != nil && !errors.Is(err, store.ErrNotFound) {
			return pruned, fmt.Errorf("delete %s: %w", s, err)
		}
		c.logger.Info("pruned run", "session", s, "reason", reason)
		pruned = append(pruned, PruneEntry{Session: s, Reason: reason})
	}
	return pruned, nil
}

func pruneReason(run *pipeline.Run, now time.Time, grace, idle time.Duration) string {
	switch {
	case run.Meta.Cancelled:
		return PruneCancelled
	case run.Meta.CompletedAt != nil && now.Sub(*run.Meta.CompletedAt) >= grace:
		return PruneCompleted
	case idle > 0 && !run.Meta.LastTransition.IsZero() && now.Sub(run.Meta.LastTransition) >= idle:
		return PruneIdle
	}
	return ""
}

// CrashHint prefixes the hint of a synthesized crash verdict.
const CrashHint = "crashed"

// RecordCrash handles a worker that died without reporting. The stage is
// retried under its normal retry budget; once that is spent, or when the stage
// is a barrier sibling, the crash counts as a FAIL:HIGH report.
func (c *Controller) RecordCrash(ctx context.Context, session, agent, stage, reason string) (*CompleteResult, error) {
	if err := store.ValidateSession(session); err != nil {
		return nil, err
	}
	var out *CompleteResult
	err := c.update(ctx, session, func(snap *store.Snapshot, ev *events.Log, now time.Time) error {
		swept := c.sweep(snap, ev, now)
		out = &CompleteResult{Session: session, Agent: agent}
		if !snap.Run.PipelineActive {
			out.Action = ActionIgnored
			out.Message = "no active pipeline"
			if len(swept) > 0 {
				return nil
			}
			return errNoChange
		}
		id := agentStage(snap.Run, agent, stage)
		if id == "" {
			out.Action = ActionIgnored
			out.Message = fmt.Sprintf("agent %q holds no active stage", agent)
			if len(swept) > 0 {
				return nil
			}
			return errNoChange
		}
		out.Stage = id

		hint := CrashHint
		if reason != "" {
			hint = CrashHint + ": " + reason
		}
		run := snap.Run.Clone()
		run.Crashes = append(run.Crashes, pipeline.CrashEntry{Stage: id, Agent: agent, Reason: reason, At: now})
		snap.Run = run
		ev.Add(events.StageCrashed, id, map[string]any{"agent": agent, "reason": reason})

		crash := pipeline.Route{Verdict: pipeline.Fail, Route: pipeline.RouteDev, Severity: pipeline.SeverityHigh, Hint: hint}
		node := run.DAG[id]
		budget := maxRetriesFor(run.DAG, id, c.cfg.Policy.MaxRetries)
		if budget <= 0 {
			budget = c.cfg.Policy.MaxRetries
		}
		if (node != nil && node.Barrier != nil) || run.Retries[id] >= budget {
			c.finish(snap, ev, now, id, crash, pipeline.VerdictPlaceholder, "", out)
			return nil
		}

		run = pipeline.ResetStageToPending(run, id, now)
		if run.Retries == nil {
			run.Retries = map[string]int{}
		}
		run.Retries[id]++
		run.RetryHistory = append(run.RetryHistory, pipeline.RetryEntry{
			Stage: id, Target: id, Attempt: run.Retries[id], Severity: crash.Severity, Hint: hint, At: now,
		})
		run.PendingRetry = &pipeline.PendingRetry{Stage: id, From: id, Reason: hint}
		snap.Run = run
		metrics.Rollback(string(run.DAG.KindOf(id)))
		ev.Add(events.RetryIssued, id, map[string]any{"from": []string{id}, "attempt": run.Retries[id], "hint": hint})
		out.Action = ActionRolledBack
		out.RollbackTarget = id
		out.Next = []string{id}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return &CompleteResult{Session: session, Agent: agent, Action: ActionIgnored, Message: "no pipeline for session"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record crash: %w", err)
	}
	if out.Action != ActionIgnored {
		c.logger.Warn("stage crashed", "session", session, "stage", out.Stage, "agent", agent, "action", out.Action)
	}
	return out, nil
}
