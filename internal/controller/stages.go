package controller

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

func dagOrder(dag pipeline.DAG) []string {
	order, err := dag.Order()
	if err != nil {
		return dag.IDs()
	}
	return order
}

// matchStage returns the stages name refers to, best matches first: the exact
// id, then stages with that base name, then stages of that kind.
func matchStage(run *pipeline.Run, name string) []string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if _, ok := run.DAG[name]; ok {
		return []string{name}
	}
	lower := strings.ToLower(name)
	var byBase, byKind []string
	for _, id := range dagOrder(run.DAG) {
		base, _ := pipeline.SplitPhaseSuffix(id)
		switch {
		case strings.ToLower(base) == lower:
			byBase = append(byBase, id)
		case string(run.DAG.KindOf(id)) == lower:
			byKind = append(byKind, id)
		}
	}
	return append(byBase, byKind...)
}

// resolveDelegate picks the stage a delegation refers to. An empty id with a
// nil error means the delegation is ambiguous.
func resolveDelegate(run *pipeline.Run, in DelegateInput, agent string) (string, error) {
	ready := pipeline.ReadyStages(run)

	if in.Stage != "" {
		cands := matchStage(run, in.Stage)
		if len(cands) == 0 {
			return "", fmt.Errorf("stage %q: %w", in.Stage, ErrUnknownStage)
		}
		// An agent re-announcing its own stage.
		for _, id := range cands {
			if rec := run.Stages[id]; rec != nil && rec.Status == pipeline.StatusActive && rec.Agent == agent {
				return id, nil
			}
		}
		for _, id := range cands {
			if slices.Contains(ready, id) {
				return id, nil
			}
		}
		// Nothing ready; the caller reports why the best match cannot run.
		return cands[0], nil
	}

	if id := mentionedStage(in.Prompt, ready); id != "" {
		return id, nil
	}
	if len(ready) == 1 {
		return ready[0], nil
	}
	return "", nil
}

// mentionedStage returns the ready stage the prompt names. A full id wins over
// a base name; among base-name matches the earliest ready stage wins.
func mentionedStage(prompt string, ready []string) string {
	if strings.TrimSpace(prompt) == "" {
		return ""
	}
	best := ""
	for _, id := range ready {
		if mentions(prompt, id) && len(id) > len(best) {
			best = id
		}
	}
	if best != "" {
		return best
	}
	for _, id := range ready {
		if base, _ := pipeline.SplitPhaseSuffix(id); mentions(prompt, base) {
			return id
		}
	}
	return ""
}

func mentions(text, name string) bool {
	re := regexp.MustCompile(`(?i)(?:^|[^A-Za-z0-9_-])` + regexp.QuoteMeta(name) + `(?:$|[^A-Za-z0-9_-])`)
	return re.MatchString(text)
}

// agentStage returns the active stage held by agent. With no agent id and a
// single active stage, that stage is assumed.
func agentStage(run *pipeline.Run, agent, stage string) string {
	if stage != "" {
		for _, id := range matchStage(run, stage) {
			if run.IsActive(id) && (agent == "" || run.Stages[id].Agent == agent) {
				return id
			}
		}
		return ""
	}
	for _, id := range run.ActiveStages {
		if rec := run.Stages[id]; rec != nil && rec.Agent == agent && agent != "" {
			return id
		}
	}
	if agent == "" && len(run.ActiveStages) == 1 {
		return run.ActiveStages[0]
	}
	return ""
}

// rollbackTarget returns the stage a failure of from rolls back to: its
// onFail when set, otherwise the dev stage upstream of it. A stage of phase N
// only ever rolls back within phase N.
func rollbackTarget(dag pipeline.DAG, from string) string {
	if n := dag[from]; n != nil && n.OnFail != "" {
		if _, ok := dag[n.OnFail]; ok {
			return n.OnFail
		}
	}
	_, phase := pipeline.SplitPhaseSuffix(from)
	var upstream, unsuffixed []string
	firstDev := ""
	for _, id := range dagOrder(dag) {
		if dag.KindOf(id) != pipeline.KindDev || id == from {
			continue
		}
		_, p := pipeline.SplitPhaseSuffix(id)
		if phase > 0 {
			if p == phase {
				return id
			}
			continue
		}
		if firstDev == "" {
			firstDev = id
		}
		if slices.Contains(dag.Downstream(id), from) {
			upstream = append(upstream, id)
			if p == 0 {
				unsuffixed = append(unsuffixed, id)
			}
		}
	}
	if phase > 0 {
		return ""
	}
	switch {
	case len(unsuffixed) > 0:
		return unsuffixed[len(unsuffixed)-1]
	case len(upstream) > 0:
		return upstream[len(upstream)-1]
	}
	return firstDev
}

func maxRetriesFor(dag pipeline.DAG, id string, fallback int) int {
	if n := dag[id]; n != nil && n.MaxRetries > 0 {
		return n.MaxRetries
	}
	return fallback
}
