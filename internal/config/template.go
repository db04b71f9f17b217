package config

import (
	"slices"
	"sort"

	"github.com/lucasnoah/stagegate/internal/phase"
	"github.com/lucasnoah/stagegate/internal/pipeline"
)

// BuildDAG converts the template into a DAG. Stages that share a barrier name
// become one barrier group; its next stage is the single stage that depends
// on every sibling, if there is one.
func (t Template) BuildDAG() pipeline.DAG {
	dag := pipeline.DAG{}
	groups := map[string][]string{}
	for _, s := range t.Stages {
		if s.ID == "" {
			continue
		}
		deps := append([]string{}, s.Deps...)
		dag[s.ID] = &pipeline.Node{
			Deps:       deps,
			Kind:       pipeline.Kind(s.Kind),
			OnFail:     s.OnFail,
			MaxRetries: s.MaxRetries,
		}
		if s.Barrier != "" {
			groups[s.Barrier] = append(groups[s.Barrier], s.ID)
		}
	}

	for group, siblings := range groups {
		sort.Strings(siblings)
		next := joinTarget(dag, siblings)
		for _, id := range siblings {
			dag[id].Barrier = &pipeline.BarrierSpec{
				Group:    group,
				Total:    len(siblings),
				Next:     next,
				Siblings: append([]string{}, siblings...),
			}
		}
	}
	return dag
}

// joinTarget returns the only stage depending on all of siblings, or "".
func joinTarget(dag pipeline.DAG, siblings []string) string {
	var found []string
	for _, id := range dag.IDs() {
		n := dag[id]
		all := true
		for _, s := range siblings {
			if !slices.Contains(n.Deps, s) {
				all = false
				break
			}
		}
		if all {
			found = append(found, id)
		}
	}
	if len(found) == 1 {
		return found[0]
	}
	return ""
}

// Template returns the named flat template.
func (c *Config) Template(id string) (Template, bool) {
	t, ok := c.Templates[id]
	return t, ok
}

// PhaseTemplate implements phase.Registry.
func (c *Config) PhaseTemplate(id string) (phase.Template, bool) {
	pt, ok := c.PhaseTemplates[id]
	if !ok {
		return phase.Template{}, false
	}
	out := phase.Template{ID: id, Entry: pt.Entry}
	for _, s := range pt.Stages {
		out.Stages = append(out.Stages, phase.StageTemplate{ID: s.ID, Kind: pipeline.Kind(s.Kind), Deps: append([]string{}, s.Deps...)})
	}
	if pt.Final != nil {
		out.Final = &phase.StageTemplate{ID: pt.Final.ID, Kind: pipeline.Kind(pt.Final.Kind)}
	}
	return out, true
}
