package phase

import (
	"fmt"
	"slices"
	"sort"

	"github.com/lucasnoah/stagegate/internal/graph"
	"github.com/lucasnoah/stagegate/internal/pipeline"
)

// GateRetries is the retry budget of every per-phase quality-gate stage.
const GateRetries = 2

// StageTemplate is one stage of a per-phase template. Deps name other stages
// of the same template.
type StageTemplate struct {
	ID   string
	Kind pipeline.Kind
	Deps []string
}

// Template is the stage set instantiated once per phase, plus an optional
// final stage that runs after every leaf phase.
type Template struct {
	ID     string
	Stages []StageTemplate
	// Entry is the stage a phase starts with; empty means the first stage
	// without deps.
	Entry string
	Final *StageTemplate
}

func (t Template) entry() string {
	if t.Entry != "" {
		return t.Entry
	}
	for _, s := range t.Stages {
		if len(s.Deps) == 0 {
			return s.ID
		}
	}
	if len(t.Stages) > 0 {
		return t.Stages[0].ID
	}
	return ""
}

func (t Template) kindOf(s StageTemplate) pipeline.Kind {
	if s.Kind != "" {
		return s.Kind
	}
	return pipeline.KindOfName(s.ID)
}

func (t Template) gates() []StageTemplate {
	var out []StageTemplate
	for _, s := range t.Stages {
		if t.kindOf(s).QualityGate() {
			out = append(out, s)
		}
	}
	return out
}

// Registry looks up per-phase templates by id.
type Registry interface {
	PhaseTemplate(id string) (Template, bool)
}

// MapRegistry is a Registry backed by a map.
type MapRegistry map[string]Template

func (m MapRegistry) PhaseTemplate(id string) (Template, bool) {
	t, ok := m[id]
	return t, ok
}

// BarrierGroup returns the barrier group name for a phase's gate stages.
func BarrierGroup(phase int) string {
	return fmt.Sprintf("gates-p%d", phase)
}

// GenerateDAG expands phases into one stage instance per template stage per
// phase. It returns an empty DAG when there are fewer than two phases, when the
// template is unknown or has no stages, or when the phase graph has a cycle
// anywhere.
func GenerateDAG(phases []Phase, templateID string, reg Registry) pipeline.DAG {
	if len(phases) < 2 || reg == nil {
		return pipeline.DAG{}
	}
	tmpl, ok := reg.PhaseTemplate(templateID)
	if !ok || len(tmpl.Stages) == 0 {
		return pipeline.DAG{}
	}

	deps := ResolvePhaseDeps(phases)
	indices := make([]int, len(phases))
	for i, p := range phases {
		indices[i] = p.Index
	}
	if graph.HasCycle(indices, deps) {
		return pipeline.DAG{}
	}

	entry := tmpl.entry()
	gates := tmpl.gates()
	gateIDs := func(phase int) []string {
		ids := make([]string, len(gates))
		for i, g := range gates {
			ids[i] = pipeline.PhaseStageID(g.ID, phase)
		}
		sort.Strings(ids)
		return ids
	}
	// Without gates a phase is done when its last template stage is.
	exitIDs := func(phase int) []string {
		if len(gates) > 0 {
			return gateIDs(phase)
		}
		return []string{pipeline.PhaseStageID(tmpl.Stages[len(tmpl.Stages)-1].ID, phase)}
	}

	dependents := map[int][]int{}
	for idx, ds := range deps {
		for _, d := range ds {
			dependents[d] = append(dependents[d], idx)
		}
	}

	dag := pipeline.DAG{}
	for _, p := range phases {
		n := p.Index

		var barrier *pipeline.BarrierSpec
		if len(gates) > 0 {
			barrier = &pipeline.BarrierSpec{
				Group:    BarrierGroup(n),
				Total:    len(gates),
				Siblings: gateIDs(n),
			}
			switch ds := dependents[n]; {
			case len(ds) == 1:
				barrier.Next = pipeline.PhaseStageID(entry, ds[0])
			case len(ds) == 0 && tmpl.Final != nil:
				barrier.Next = tmpl.Final.ID
			}
		}

		for _, st := range tmpl.Stages {
			id := pipeline.PhaseStageID(st.ID, n)
			node := &pipeline.Node{Kind: tmpl.kindOf(st)}
			for _, d := range st.Deps {
				node.Deps = append(node.Deps, pipeline.PhaseStageID(d, n))
			}
			if st.ID == entry {
				for _, dp := range deps[n] {
					node.Deps = append(node.Deps, exitIDs(dp)...)
				}
			}
			if node.Kind.QualityGate() {
				node.OnFail = pipeline.PhaseStageID(entry, n)
				node.MaxRetries = GateRetries
				b := *barrier
				b.Siblings = slices.Clone(barrier.Siblings)
				node.Barrier = &b
			}
			if node.Deps == nil {
				node.Deps = []string{}
			}
			dag[id] = node
		}
	}

	if tmpl.Final != nil {
		final := &pipeline.Node{Kind: tmpl.kindOf(*tmpl.Final), Deps: []string{}}
		for _, p := range phases {
			if len(dependents[p.Index]) == 0 {
				final.Deps = append(final.Deps, exitIDs(p.Index)...)
			}
		}
		dag[tmpl.Final.ID] = final
	}
	return dag
}

// Info keeps the parts of phases later stages need.
func Info(templateID string, phases []Phase) *pipeline.PhaseInfo {
	info := &pipeline.PhaseInfo{TemplateID: templateID}
	for _, p := range phases {
		info.Phases = append(info.Phases, pipeline.PhaseSummary{
			Index: p.Index,
			Name:  p.Name,
			Deps:  slices.Clone(p.DepIndices),
			Tasks: slices.Clone(p.Tasks),
		})
	}
	return info
}

// TasksFor returns the phase a stage belongs to and that phase's checklist.
// Stages without a phase suffix get every phase's tasks.
func TasksFor(info *pipeline.PhaseInfo, stageID string) (pipeline.PhaseSummary, []string, bool) {
	if info == nil {
		return pipeline.PhaseSummary{}, nil, false
	}
	_, n := pipeline.SplitPhaseSuffix(stageID)
	if n == 0 {
		var all []string
		for _, p := range info.Phases {
			all = append(all, p.Tasks...)
		}
		return pipeline.PhaseSummary{}, all, false
	}
	for _, p := range info.Phases {
		if p.Index == n {
			return p, slices.Clone(p.Tasks), true
		}
	}
	return pipeline.PhaseSummary{}, nil, false
}
