package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/stagegate/internal/events"
	"github.com/lucasnoah/stagegate/internal/gate"
	"github.com/lucasnoah/stagegate/internal/metrics"
	"github.com/lucasnoah/stagegate/internal/pipeline"
	"github.com/lucasnoah/stagegate/internal/store"
)

// RuleWriteLimit is reported when a run without a pipeline has spent its
// direct-write budget.
const RuleWriteLimit = "write_limit"

// CanProceed decides whether op may act on target in session. Sessions with
// no run are only refused destructive commands.
func (c *Controller) CanProceed(ctx context.Context, session, op, target string) (gate.Decision, error) {
	if err := store.ValidateSession(session); err != nil {
		return gate.Decision{}, err
	}
	snap, err := c.store.Get(ctx, session)
	if errors.Is(err, store.ErrNotFound) {
		d := c.gate.Evaluate(op, target, nil)
		if !d.Allowed() && d.Rule != gate.RuleDestructive {
			d = gate.Decision{Action: gate.Allow, Rule: gate.RuleNoPipeline, Reason: "no pipeline for session"}
		}
		metrics.GateDecision(string(d.Action), d.Rule)
		return d, nil
	}
	if err != nil {
		return gate.Decision{}, fmt.Errorf("can proceed: %w", err)
	}

	run := snap.Run
	d := c.gate.Evaluate(op, target, run)
	if d.Allowed() && c.countsDirectWrite(run, op, target) {
		d, err = c.directWrite(ctx, session, d)
		if err != nil {
			return gate.Decision{}, err
		}
	} else if !d.Allowed() {
		c.blocked(ctx, session, op, target, d)
	}
	metrics.GateDecision(string(d.Action), d.Rule)
	return d, nil
}

// countsDirectWrite reports whether op is a project write by a run that was
// classified as needing no pipeline.
func (c *Controller) countsDirectWrite(run *pipeline.Run, op, target string) bool {
	if run.PipelineActive || run.Meta.Cancelled || run.Classification == nil {
		return false
	}
	if run.Classification.TemplateID != pipeline.NoopTemplate {
		return false
	}
	return c.gate.Kind(op) == gate.OpWrite && !c.gate.IsScratch(target)
}

// directWrite charges one write against the soft and hard limits.
func (c *Controller) directWrite(ctx context.Context, session string, allowed gate.Decision) (gate.Decision, error) {
	soft, hard := c.cfg.Policy.SoftWriteLimit, c.cfg.Policy.HardWriteLimit
	d := allowed
	err := c.update(ctx, session, func(snap *store.Snapshot, ev *events.Log, now time.Time) error {
		d = allowed
		n := snap.Run.Meta.DirectWrites
		if hard > 0 && n >= hard {
			d = gate.Decision{
				Action: gate.Block,
				Rule:   RuleWriteLimit,
				Reason: fmt.Sprintf("%d direct writes without a pipeline; classify the task to continue", n),
			}
			ev.Add(events.OperationBlocked, "", map[string]any{"rule": d.Rule, "writes": n})
			return errNoChange
		}
		n++
		snap.Run.Meta.DirectWrites = n
		if soft > 0 && n > soft {
			ev.Add(events.WriteLimitWarning, "", map[string]any{"writes": n, "soft": soft, "hard": hard})
			d.Reason = fmt.Sprintf("%s (direct write %d of %d)", d.Reason, n, hard)
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return allowed, nil
	}
	if err != nil {
		return gate.Decision{}, fmt.Errorf("count direct write: %w", err)
	}
	if d.Rule == RuleWriteLimit {
		c.logger.Warn("direct write limit reached", "session", session, "limit", hard)
	}
	return d, nil
}

func (c *Controller) blocked(ctx context.Context, session, op, target string, d gate.Decision) {
	ev := events.NewLog(session, c.now())
	detail := map[string]any{"op": op, "rule": d.Rule, "reason": d.Reason}
	if d.Signature != "" {
		detail["signature"] = d.Signature
	}
	if target != "" && c.gate.Kind(op) != gate.OpCommand {
		detail["target"] = target
	}
	ev.Add(events.OperationBlocked, "", detail)
	c.flush(ctx, session, ev)
}
