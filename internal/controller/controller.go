// Package controller ties the state model, extractor, barrier synchronizer,
// phase compiler and access gate together. Every method is one
// read-modify-write of a session's state through the store.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lucasnoah/stagegate/internal/barrier"
	"github.com/lucasnoah/stagegate/internal/classify"
	"github.com/lucasnoah/stagegate/internal/config"
	"github.com/lucasnoah/stagegate/internal/events"
	"github.com/lucasnoah/stagegate/internal/gate"
	"github.com/lucasnoah/stagegate/internal/phase"
	"github.com/lucasnoah/stagegate/internal/pipeline"
	"github.com/lucasnoah/stagegate/internal/store"
)

// ErrUnknownStage is returned when a named stage matches nothing in the DAG.
var ErrUnknownStage = errors.New("unknown stage")

// errNoChange aborts a store update without writing. Events recorded before
// it are still flushed.
var errNoChange = errors.New("no change")

// Controller composes pipeline lifecycle operations.
type Controller struct {
	store      store.Store
	cfg        *config.Config
	classifier *classify.Classifier
	compiler   *phase.Compiler
	gate       *gate.Gate
	logger     *slog.Logger
	now        func() time.Time
}

// Options configures New.
type Options struct {
	Store  store.Store
	Config *config.Config
	Logger *slog.Logger
	// Now overrides the clock; tests use it.
	Now func() time.Time
}

// New creates a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("controller: store is required")
	}
	cfg := opts.Config
	if cfg == nil {
		d, err := config.Defaults()
		if err != nil {
			return nil, err
		}
		cfg = d
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	rules := make([]classify.Rule, 0, len(cfg.Classifier.Rules))
	for _, r := range cfg.Classifier.Rules {
		rules = append(rules, classify.Rule{Template: r.Template, TaskType: r.TaskType, Keywords: r.Keywords, Pattern: r.Pattern})
	}
	h := cfg.Classifier.Heuristics
	cl, err := classify.New(rules, classify.Heuristics{Trivial: h.Trivial, Small: h.Small, Large: h.Large, Default: h.Default})
	if err != nil {
		return nil, fmt.Errorf("build classifier: %w", err)
	}
	comp, err := phase.NewCompiler(cfg, 0, logger)
	if err != nil {
		return nil, err
	}
	g, err := gate.New(gate.Options{
		TestFilePatterns: cfg.Gate.TestFilePatterns,
		ScratchDirs:      cfg.Gate.ScratchDirs,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build gate: %w", err)
	}

	return &Controller{
		store:      opts.Store,
		cfg:        cfg,
		classifier: cl,
		compiler:   comp,
		gate:       g,
		logger:     logger,
		now:        func() time.Time { return now().UTC() },
	}, nil
}

// Gate returns the access gate the controller evaluates operations with.
func (c *Controller) Gate() *gate.Gate { return c.gate }

// Compiler returns the phase compiler.
func (c *Controller) Compiler() *phase.Compiler { return c.compiler }

// update runs fn inside one store update and appends the events it recorded
// once the write has succeeded.
func (c *Controller) update(ctx context.Context, session string, fn func(snap *store.Snapshot, ev *events.Log, now time.Time) error) error {
	now := c.now()
	ev := events.NewLog(session, now)
	err := c.store.Update(ctx, session, func(snap *store.Snapshot) error {
		ev.Reset()
		if snap.Barriers == nil {
			snap.Barriers = barrier.Set{}
		}
		return fn(snap, ev, now)
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return err
	}
	c.flush(ctx, session, ev)
	return nil
}

func (c *Controller) flush(ctx context.Context, session string, ev *events.Log) {
	if len(ev.Events()) == 0 {
		return
	}
	if err := c.store.AppendEvents(ctx, session, ev.Events()); err != nil {
		c.logger.Warn("append events failed", "session", session, "count", len(ev.Events()), "error", err)
	}
}

// ClassifyOpts holds options for classifying a task.
type ClassifyOpts struct {
	// Template forces a template id instead of running the classifier.
	Template string
	// TasksDoc is a phase breakdown document; when it compiles, its DAG
	// replaces the flat template.
	TasksDoc string
}

// ClassifyResult describes the installed pipeline.
type ClassifyResult struct {
	Session        string                        `json:"session"`
	TemplateID     string                        `json:"template"`
	TaskType       string                        `json:"task_type"`
	Method         pipeline.ClassificationMethod `json:"method"`
	PipelineActive bool                          `json:"pipeline_active"`
	Reclassified   bool                          `json:"reclassified,omitempty"`
	Phases         int                           `json:"phases,omitempty"`
	Stages         []string                      `json:"stages"`
	Ready          []string                      `json:"ready"`
}

// Classify picks a template for the task and installs its DAG, creating the
// session's run if needed.
func (c *Controller) Classify(ctx context.Context, session, text string, opts ClassifyOpts) (*ClassifyResult, error) {
	if err := store.ValidateSession(session); err != nil {
		return nil, err
	}
	res := c.classifier.Classify(text, opts.Template)
	tmpl, ok := c.cfg.Template(res.TemplateID)
	if !ok {
		return nil, fmt.Errorf("classify: template %q is not defined", res.TemplateID)
	}

	dag := tmpl.BuildDAG()
	var info *pipeline.PhaseInfo
	if opts.TasksDoc != "" && tmpl.PhaseTemplate != "" {
		pd, phases := c.compiler.Compile(opts.TasksDoc, tmpl.PhaseTemplate)
		if len(pd) > 0 {
			dag = pd
			info = phase.Info(tmpl.PhaseTemplate, phases)
		} else {
			c.logger.Info("phase breakdown unusable, using flat template", "session", session, "template", res.TemplateID, "phases", len(phases))
		}
	}

	if err := c.store.Create(ctx, &store.Snapshot{Run: pipeline.NewRun(session)}); err != nil && !errors.Is(err, store.ErrExists) {
		return nil, fmt.Errorf("create run: %w", err)
	}

	var out *ClassifyResult
	err := c.update(ctx, session, func(snap *store.Snapshot, ev *events.Log, now time.Time) error {
		reclassified := snap.Run.Classification != nil
		prev := ""
		if reclassified {
			prev = snap.Run.Classification.TemplateID
		}
		snap.Run = pipeline.Classify(snap.Run, pipeline.Decision{
			TemplateID: res.TemplateID,
			TaskType:   res.TaskType,
			Method:     res.Method,
			DAG:        dag,
			PhaseInfo:  info,
		}, now)
		syncBarriers(snap, dag)

		order, _ := snap.Run.DAG.Order()
		out = &ClassifyResult{
			Session:        session,
			TemplateID:     res.TemplateID,
			TaskType:       res.TaskType,
			Method:         res.Method,
			PipelineActive: snap.Run.PipelineActive,
			Reclassified:   reclassified,
			Stages:         order,
			Ready:          pipeline.ReadyStages(snap.Run),
		}
		if info != nil {
			out.Phases = len(info.Phases)
		}
		detail := map[string]any{
			"template":  res.TemplateID,
			"task_type": res.TaskType,
			"method":    string(res.Method),
			"stages":    len(dag),
		}
		if info != nil {
			detail["phases"] = len(info.Phases)
		}
		if reclassified {
			detail["from"] = prev
			ev.Add(events.TaskReclassified, "", detail)
		} else {
			ev.Add(events.TaskClassified, "", detail)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	c.logger.Info("task classified", "session", session, "template", out.TemplateID, "method", out.Method, "stages", len(out.Stages))
	return out, nil
}

// syncBarriers drops groups the new DAG no longer declares and reopens the
// ones it keeps. Groups are created when a sibling is first delegated.
func syncBarriers(snap *store.Snapshot, dag pipeline.DAG) {
	specs := dag.Barriers()
	for _, name := range snap.Barriers.Names() {
		if _, ok := specs[name]; !ok {
			delete(snap.Barriers, name)
			continue
		}
		snap.Barriers.Reset(name)
		g := snap.Barriers[name]
		spec := specs[name]
		g.Total = spec.Total
		g.Next = spec.Next
		g.Siblings = append([]string{}, spec.Siblings...)
	}
}

// Delegation actions.
const (
	ActionDelegated     = "delegated"
	ActionAlreadyActive = "already_active"
	ActionRejected      = "rejected"
	ActionIgnored       = "ignored"
)

// DelegateInput names the stage an agent is being assigned.
type DelegateInput struct {
	// Stage is a stage id, a base name ("review" matches "review-p2") or a
	// kind. Empty means infer it from Prompt or the single ready stage.
	Stage  string
	Prompt string
}

// DelegateResult describes a delegation.
type DelegateResult struct {
	Session string `json:"session"`
	Stage   string `json:"stage,omitempty"`
	Agent   string `json:"agent"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

// Delegate records that agent has been assigned a stage and marks it active.
// Re-delegating the same agent is a no-op; a second agent on an active stage
// is rejected.
func (c *Controller) Delegate(ctx context.Context, session, agent string, in DelegateInput) (*DelegateResult, error) {
	if err := store.ValidateSession(session); err != nil {
		return nil, err
	}
	var out *DelegateResult
	err := c.update(ctx, session, func(snap *store.Snapshot, ev *events.Log, now time.Time) error {
		swept := c.sweep(snap, ev, now)
		out = &DelegateResult{Session: session, Agent: agent}
		noChange := func() error {
			if len(swept) > 0 {
				return nil
			}
			return errNoChange
		}

		run := snap.Run
		if !run.PipelineActive {
			out.Action = ActionIgnored
			out.Message = "no active pipeline"
			return noChange()
		}

		id, err := resolveDelegate(run, in, agent)
		if err != nil {
			return err
		}
		if id == "" {
			out.Action = ActionRejected
			out.Message = fmt.Sprintf("cannot tell which stage to delegate (ready: %v)", pipeline.ReadyStages(run))
			ev.Add(events.DelegateRejected, "", map[string]any{"agent": agent, "reason": out.Message})
			c.logger.Warn("delegation rejected", "session", session, "agent", agent, "reason", out.Message)
			return noChange()
		}
		out.Stage = id

		rec := run.Stages[id]
		switch {
		case rec.Status == pipeline.StatusActive && rec.Agent == agent:
			out.Action = ActionAlreadyActive
			return noChange()
		case rec.Status == pipeline.StatusActive:
			out.Action = ActionRejected
			out.Message = fmt.Sprintf("stage %s is already held by %s", id, rec.Agent)
		case rec.Status != pipeline.StatusPending:
			out.Action = ActionRejected
			out.Message = fmt.Sprintf("stage %s is %s", id, rec.Status)
		case !pipeline.DepsDone(run, id):
			out.Action = ActionRejected
			out.Message = fmt.Sprintf("stage %s is waiting on its dependencies", id)
		}
		if out.Action == ActionRejected {
			ev.Add(events.DelegateRejected, id, map[string]any{"agent": agent, "reason": out.Message})
			c.logger.Warn("delegation rejected", "session", session, "stage", id, "agent", agent, "reason", out.Message)
			return noChange()
		}

		snap.Run = pipeline.MarkStageActive(run, id, agent, now)
		if b := run.DAG[id].Barrier; b != nil {
			snap.Barriers.Create(b.Group, b.Total, b.Next, b.Siblings, now)
		}
		out.Action = ActionDelegated
		ev.Add(events.StageDelegated, id, map[string]any{"agent": agent})
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return &DelegateResult{Session: session, Agent: agent, Action: ActionIgnored, Message: "no pipeline for session"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delegate: %w", err)
	}
	return out, nil
}
