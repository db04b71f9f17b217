package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lucasnoah/stagegate/internal/barrier"
	"github.com/lucasnoah/stagegate/internal/events"
	"github.com/lucasnoah/stagegate/internal/metrics"
	"github.com/lucasnoah/stagegate/internal/pipeline"
	"github.com/lucasnoah/stagegate/internal/store"
	"github.com/lucasnoah/stagegate/internal/verdict"
)

// Completion actions.
const (
	ActionAdvanced       = "advanced"
	ActionRolledBack     = "rolled_back"
	ActionBarrierWaiting = "barrier_waiting"
	ActionComplete       = "complete"
)

// CompleteInput is what a finishing worker reports.
type CompleteInput struct {
	Output string
	// Stage names the finishing stage when the agent id alone is ambiguous.
	Stage string
	// ContextFile points at a detail artifact the worker wrote.
	ContextFile string
}

// BarrierReport describes the barrier group a completion fed into.
type BarrierReport struct {
	Group    string          `json:"group"`
	Resolved bool            `json:"resolved"`
	Missing  []string        `json:"missing,omitempty"`
	TimedOut []string        `json:"timed_out,omitempty"`
	Merged   *barrier.Merged `json:"merged,omitempty"`
}

// CompleteResult describes what happened after a stage finished.
type CompleteResult struct {
	Session        string          `json:"session"`
	Stage          string          `json:"stage,omitempty"`
	Agent          string          `json:"agent,omitempty"`
	Action         string          `json:"action"`
	Source         verdict.Source  `json:"source,omitempty"`
	Route          *pipeline.Route `json:"route,omitempty"`
	Corrections    []string        `json:"corrections,omitempty"`
	Barrier        *BarrierReport  `json:"barrier,omitempty"`
	RollbackTarget string          `json:"rollback_target,omitempty"`
	// Next lists the stages that may be delegated now, the barrier's
	// designated next stage first.
	Next    []string `json:"next,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Complete interprets a worker's output for the stage it holds, then rolls
// back, waits at a barrier or advances.
func (c *Controller) Complete(ctx context.Context, session, agent string, in CompleteInput) (*CompleteResult, error) {
	if err := store.ValidateSession(session); err != nil {
		return nil, err
	}
	var out *CompleteResult
	err := c.update(ctx, session, func(snap *store.Snapshot, ev *events.Log, now time.Time) error {
		swept := c.sweep(snap, ev, now)
		out = &CompleteResult{Session: session, Agent: agent}
		ignore := func(msg string) error {
			out.Action = ActionIgnored
			out.Message = msg
			if len(swept) > 0 {
				return nil
			}
			return errNoChange
		}

		if !snap.Run.PipelineActive {
			return ignore("no active pipeline")
		}
		id := agentStage(snap.Run, agent, in.Stage)
		if id == "" {
			return ignore(fmt.Sprintf("agent %q holds no active stage", agent))
		}
		out.Stage = id

		ext := verdict.Extract(in.Output)
		out.Source = ext.Source
		kind := ext.Kind()
		var raw pipeline.Route
		if ext.Parsed == nil {
			raw = pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteNext}
			kind = pipeline.VerdictPlaceholder
			ev.Add(events.VerdictMissing, id, map[string]any{"agent": agent})
			c.logger.Warn("stage output carried no verdict", "session", session, "stage", id)
		} else {
			raw = *ext.Parsed
		}
		c.finish(snap, ev, now, id, raw, kind, in.ContextFile, out)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return &CompleteResult{Session: session, Agent: agent, Action: ActionIgnored, Message: "no pipeline for session"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	if out.Action != ActionIgnored {
		c.logger.Info("stage completed", "session", session, "stage", out.Stage, "action", out.Action, "next", out.Next)
	}
	return out, nil
}

// finish applies a route to a stage that has just reported.
func (c *Controller) finish(snap *store.Snapshot, ev *events.Log, now time.Time, id string, raw pipeline.Route, kind pipeline.VerdictKind, contextFile string, out *CompleteResult) {
	dag := snap.Run.DAG
	node := dag[id]

	group := ""
	if node != nil && node.Barrier != nil {
		group = node.Barrier.Group
	}
	route := verdict.ValidateRoute(raw, group)
	switch {
	case group != "":
		route.Route = pipeline.RouteBarrier
		route.BarrierGroup = group
	case route.Route == pipeline.RouteBarrier:
		// The stage is nobody's sibling; read the verdict on its own.
		route.BarrierGroup = ""
		route.Route = pipeline.RouteNext
		if route.Verdict == pipeline.Fail {
			route.Route = pipeline.RouteDev
		}
	}

	enforced, corr := verdict.EnforcePolicy(route, verdict.PolicyContext{
		Stage:      id,
		DAG:        dag,
		Retries:    snap.Run.Retries[id],
		MaxRetries: maxRetriesFor(dag, id, c.cfg.Policy.MaxRetries),
		Threshold:  c.cfg.Policy.Threshold(),
	})
	c.recordCorrections(ev, id, corr, out)
	out.Route = &enforced

	if contextFile != "" {
		snap.Run = pipeline.SetStageContextFile(snap.Run, id, contextFile, now)
	}
	sv := &pipeline.StageVerdict{Kind: kind, Route: enforced}
	metrics.StageCompletion(string(enforced.Verdict), string(kind))
	ev.Add(events.StageCompleted, id, map[string]any{
		"verdict":  string(enforced.Verdict),
		"route":    string(enforced.Route),
		"severity": string(enforced.Severity),
		"kind":     string(kind),
	})

	switch enforced.Route {
	case pipeline.RouteBarrier:
		snap.Run = pipeline.MarkStageCompleted(snap.Run, id, sv, now)
		b := node.Barrier
		snap.Barriers.Create(b.Group, b.Total, b.Next, b.Siblings, now)
		o := snap.Barriers.Update(b.Group, id, barrier.ResultFromRoute(enforced, contextFile, now), now)
		out.Barrier = &BarrierReport{Group: o.Group, Resolved: o.Resolved, Missing: o.Missing, Merged: o.Merged}
		switch {
		case o.Resolved:
			c.applyBarrier(snap, ev, now, o, out)
		case o.AllComplete:
			// Resolved by an earlier report or sweep; this one only advances.
			c.advance(snap, ev, now, o.Next, out)
		default:
			out.Action = ActionBarrierWaiting
			ev.Add(events.BarrierWaiting, id, map[string]any{"group": o.Group, "missing": o.Missing})
		}

	case pipeline.RouteDev:
		if target := rollbackTarget(dag, id); target != "" {
			snap.Run = pipeline.MarkStageFailed(snap.Run, id, sv, now)
			c.rollback(snap, ev, now, []string{id}, target, enforced, out)
			return
		}
		c.recordCorrections(ev, id, []verdict.Correction{{
			Rule: verdict.RuleNoRollbackStage, From: enforced, To: asNext(enforced), Reason: "no dev stage in this phase",
		}}, out)
		sv.Route = asNext(enforced)
		out.Route = &sv.Route
		snap.Run = pipeline.MarkStageCompleted(snap.Run, id, sv, now)
		c.advance(snap, ev, now, "", out)

	default:
		snap.Run = pipeline.MarkStageCompleted(snap.Run, id, sv, now)
		if enforced.RetryExhausted {
			ev.Add(events.RetryExhausted, id, map[string]any{"retries": snap.Run.Retries[id]})
		}
		c.advance(snap, ev, now, "", out)
	}
}

func asNext(r pipeline.Route) pipeline.Route {
	r.Route = pipeline.RouteNext
	return r
}

// applyBarrier acts on a group that has just resolved: a merged FAIL rolls
// back through the policy, anything else advances.
func (c *Controller) applyBarrier(snap *store.Snapshot, ev *events.Log, now time.Time, o barrier.Outcome, out *CompleteResult) {
	m := o.Merged
	if m == nil {
		return
	}
	timedOut := len(o.TimedOut) > 0
	metrics.BarrierOutcome(string(m.Verdict), timedOut)
	typ := events.BarrierResolved
	if timedOut {
		typ = events.BarrierTimedOut
	}
	ev.Add(typ, "", map[string]any{
		"group":     o.Group,
		"verdict":   string(m.Verdict),
		"severity":  string(m.Severity),
		"failed":    m.FailedStages,
		"timed_out": o.TimedOut,
	})
	if out.Barrier == nil {
		out.Barrier = &BarrierReport{Group: o.Group}
	}
	out.Barrier.Resolved = true
	out.Barrier.Merged = m
	out.Barrier.TimedOut = o.TimedOut

	// Siblings that never reported count as failed reports.
	for _, sib := range o.TimedOut {
		snap.Run = pipeline.MarkStageCompleted(snap.Run, sib, &pipeline.StageVerdict{
			Kind: pipeline.VerdictPlaceholder,
			Route: pipeline.Route{
				Verdict:      pipeline.Fail,
				Route:        pipeline.RouteBarrier,
				Severity:     pipeline.SeverityHigh,
				Hint:         barrier.TimeoutHint,
				BarrierGroup: o.Group,
			},
		}, now)
	}

	if m.Verdict == pipeline.Fail && len(m.FailedStages) > 0 {
		from := m.FailedStages[0]
		retries := 0
		for _, f := range m.FailedStages {
			retries = max(retries, snap.Run.Retries[f])
		}
		enforced, corr := verdict.EnforcePolicy(m.Route(), verdict.PolicyContext{
			Stage:      from,
			DAG:        snap.Run.DAG,
			Retries:    retries,
			MaxRetries: maxRetriesFor(snap.Run.DAG, from, c.cfg.Policy.MaxRetries),
			Threshold:  c.cfg.Policy.Threshold(),
		})
		c.recordCorrections(ev, from, corr, out)
		if enforced.Route == pipeline.RouteDev {
			if target := rollbackTarget(snap.Run.DAG, from); target != "" {
				c.rollback(snap, ev, now, m.FailedStages, target, enforced, out)
				return
			}
		}
		if enforced.RetryExhausted {
			for _, f := range m.FailedStages {
				snap.Run = pipeline.MarkRetryExhausted(snap.Run, f, now)
			}
			ev.Add(events.RetryExhausted, from, map[string]any{"group": o.Group, "retries": retries})
		}
	}
	c.advance(snap, ev, now, o.Next, out)
}

// rollback resets target and everything downstream of it to pending, charges
// a retry to every failed stage and reopens the affected barrier groups.
func (c *Controller) rollback(snap *store.Snapshot, ev *events.Log, now time.Time, failed []string, target string, route pipeline.Route, out *CompleteResult) {
	run := snap.Run
	ids := append([]string{target}, run.DAG.Downstream(target)...)
	for _, f := range failed {
		if !slices.Contains(ids, f) {
			ids = append(ids, f)
		}
	}
	groups := map[string]bool{}
	for _, id := range ids {
		run = pipeline.ResetStageToPending(run, id, now)
		if n := run.DAG[id]; n != nil && n.Barrier != nil {
			groups[n.Barrier.Group] = true
		}
	}
	for g := range groups {
		snap.Barriers.Reset(g)
	}

	if run.Retries == nil {
		run.Retries = map[string]int{}
	}
	attempt := 0
	for _, f := range failed {
		run.Retries[f]++
		attempt = max(attempt, run.Retries[f])
		run.RetryHistory = append(run.RetryHistory, pipeline.RetryEntry{
			Stage:    f,
			Target:   target,
			Attempt:  run.Retries[f],
			Severity: route.Severity,
			Hint:     route.Hint,
			At:       now,
		})
	}
	run.PendingRetry = &pipeline.PendingRetry{Stage: target, From: failed[0], Reason: route.Hint}
	snap.Run = run

	metrics.Rollback(string(run.DAG.KindOf(target)))
	ev.Add(events.RetryIssued, target, map[string]any{
		"from":     failed,
		"attempt":  attempt,
		"severity": string(route.Severity),
		"hint":     route.Hint,
	})
	c.logger.Info("rolling back", "session", run.Session, "from", failed, "target", target, "attempt", attempt)

	out.Action = ActionRolledBack
	out.RollbackTarget = target
	out.Next = []string{target}
}

// advance completes the run when every stage is done, otherwise lists the
// stages that are ready now.
func (c *Controller) advance(snap *store.Snapshot, ev *events.Log, now time.Time, preferred string, out *CompleteResult) {
	if snap.Run.AllDone() {
		snap.Run = pipeline.Finish(snap.Run, now)
		out.Action = ActionComplete
		out.Next = nil
		ev.Add(events.PipelineComplete, "", map[string]any{"stages": len(snap.Run.DAG)})
		return
	}
	ready := pipeline.ReadyStages(snap.Run)
	if i := slices.Index(ready, preferred); i > 0 {
		ready = append([]string{preferred}, slices.Delete(ready, i, i+1)...)
	}
	out.Action = ActionAdvanced
	out.Next = ready
}

func (c *Controller) recordCorrections(ev *events.Log, stage string, corr []verdict.Correction, out *CompleteResult) {
	for _, cr := range corr {
		metrics.PolicyCorrection(cr.Rule)
		ev.Add(events.PolicyCorrected, stage, map[string]any{
			"rule":   cr.Rule,
			"from":   cr.From.String(),
			"to":     cr.To.String(),
			"reason": cr.Reason,
		})
		out.Corrections = append(out.Corrections, cr.String())
	}
}

// sweep force-resolves barrier groups that are complete or past the barrier
// timeout and applies their outcomes.
func (c *Controller) sweep(snap *store.Snapshot, ev *events.Log, now time.Time) []GroupOutcome {
	if !snap.Run.PipelineActive {
		return nil
	}
	var outs []GroupOutcome
	for _, o := range snap.Barriers.Sweep(now, c.cfg.Policy.BarrierTimeoutDuration()) {
		if o.Merged == nil {
			continue
		}
		res := &CompleteResult{}
		c.applyBarrier(snap, ev, now, o, res)
		outs = append(outs, GroupOutcome{
			Group:          o.Group,
			Verdict:        o.Merged.Verdict,
			Severity:       o.Merged.Severity,
			TimedOut:       o.TimedOut,
			Action:         res.Action,
			RollbackTarget: res.RollbackTarget,
			Next:           res.Next,
		})
	}
	return outs
}

// GroupOutcome is one group resolved by a sweep.
type GroupOutcome struct {
	Group          string            `json:"group"`
	Verdict        pipeline.Verdict  `json:"verdict"`
	Severity       pipeline.Severity `json:"severity,omitempty"`
	TimedOut       []string          `json:"timed_out,omitempty"`
	Action         string            `json:"action"`
	RollbackTarget string            `json:"rollback_target,omitempty"`
	Next           []string          `json:"next,omitempty"`
}
