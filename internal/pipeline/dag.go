package pipeline

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/lucasnoah/stagegate/internal/graph"
)

var phaseSuffix = regexp.MustCompile(`^(.+)-p(\d+)$`)

// PhaseStageID returns the per-phase instance id of a template stage.
func PhaseStageID(base string, phase int) string {
	return fmt.Sprintf("%s-p%d", base, phase)
}

// SplitPhaseSuffix splits "review-p2" into ("review", 2). Ids without a phase
// suffix come back unchanged with phase 0.
func SplitPhaseSuffix(id string) (string, int) {
	m := phaseSuffix.FindStringSubmatch(id)
	if m == nil {
		return id, 0
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n <= 0 {
		return id, 0
	}
	return m[1], n
}

// kindsByName is used when a DAG node does not declare its kind.
var kindsByName = map[string]Kind{
	"plan":            KindPlan,
	"planning":        KindPlan,
	"design":          KindDesign,
	"architect":       KindDesign,
	"implement":       KindDev,
	"implementation":  KindDev,
	"dev":             KindDev,
	"develop":         KindDev,
	"fix":             KindDev,
	"review":          KindReview,
	"code-review":     KindReview,
	"security-review": KindReview,
	"audit":           KindReview,
	"test":            KindTest,
	"tests":           KindTest,
	"qa":              KindTest,
	"verify":          KindTest,
	"document":        KindDocs,
	"docs":            KindDocs,
}

// KindOfName infers a kind from a stage id, ignoring any phase suffix.
func KindOfName(id string) Kind {
	base, _ := SplitPhaseSuffix(id)
	if k, ok := kindsByName[strings.ToLower(base)]; ok {
		return k
	}
	return KindOther
}

// KindOf returns the declared kind of a stage, falling back to its name.
func (d DAG) KindOf(id string) Kind {
	if n, ok := d[id]; ok && n != nil && n.Kind != "" {
		return n.Kind
	}
	return KindOfName(id)
}

// HasKind reports whether any stage in the DAG is of kind k.
func (d DAG) HasKind(k Kind) bool {
	for id := range d {
		if d.KindOf(id) == k {
			return true
		}
	}
	return false
}

// IDs returns the stage ids in sorted order.
func (d DAG) IDs() []string {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// depMap flattens the DAG into the shape graph.TopoSort wants.
func (d DAG) depMap() map[string][]string {
	deps := make(map[string][]string, len(d))
	for id, n := range d {
		if n != nil {
			deps[id] = n.Deps
		}
	}
	return deps
}

// Order returns the stage ids in dependency order. Ties resolve alphabetically.
func (d DAG) Order() ([]string, error) {
	return graph.TopoSort(d.IDs(), d.depMap())
}

// Dependents returns the stages that list id as a direct dependency.
func (d DAG) Dependents(id string) []string {
	var out []string
	for other, n := range d {
		if n != nil && slices.Contains(n.Deps, id) {
			out = append(out, other)
		}
	}
	sort.Strings(out)
	return out
}

// Downstream returns every stage that transitively depends on id, sorted.
func (d DAG) Downstream(id string) []string {
	seen := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range d.Dependents(cur) {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of the DAG.
func (d DAG) Clone() DAG {
	if d == nil {
		return nil
	}
	out := make(DAG, len(d))
	for id, n := range d {
		if n == nil {
			out[id] = nil
			continue
		}
		c := *n
		c.Deps = slices.Clone(n.Deps)
		if n.Barrier != nil {
			b := *n.Barrier
			b.Siblings = slices.Clone(n.Barrier.Siblings)
			c.Barrier = &b
		}
		out[id] = &c
	}
	return out
}

// Barriers returns one descriptor per barrier group declared in the DAG.
func (d DAG) Barriers() map[string]BarrierSpec {
	out := map[string]BarrierSpec{}
	for _, id := range d.IDs() {
		n := d[id]
		if n == nil || n.Barrier == nil {
			continue
		}
		if _, ok := out[n.Barrier.Group]; !ok {
			b := *n.Barrier
			b.Siblings = slices.Clone(n.Barrier.Siblings)
			out[n.Barrier.Group] = b
		}
	}
	return out
}

// ValidationError represents a single structural problem with a DAG.
type ValidationError struct {
	Stage   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Stage == "" {
		return e.Message
	}
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Message)
}

// ValidateDAG checks a DAG for structural errors and returns all of them.
func ValidateDAG(d DAG) []ValidationError {
	var errs []ValidationError
	for _, id := range d.IDs() {
		n := d[id]
		if n == nil {
			errs = append(errs, ValidationError{Stage: id, Message: "nil edge record"})
			continue
		}
		for _, dep := range n.Deps {
			if dep == id {
				errs = append(errs, ValidationError{Stage: id, Message: "depends on itself"})
				continue
			}
			if _, ok := d[dep]; !ok {
				errs = append(errs, ValidationError{Stage: id, Message: fmt.Sprintf("unknown dependency %q", dep)})
			}
		}
		if n.OnFail != "" {
			if _, ok := d[n.OnFail]; !ok {
				errs = append(errs, ValidationError{Stage: id, Message: fmt.Sprintf("onFail references unknown stage %q", n.OnFail)})
			}
		}
		if n.MaxRetries < 0 {
			errs = append(errs, ValidationError{Stage: id, Message: "maxRetries must not be negative"})
		}
		if b := n.Barrier; b != nil {
			if b.Group == "" {
				errs = append(errs, ValidationError{Stage: id, Message: "barrier has no group"})
			}
			if !slices.Contains(b.Siblings, id) {
				errs = append(errs, ValidationError{Stage: id, Message: fmt.Sprintf("barrier %q does not list the stage as a sibling", b.Group)})
			}
			if b.Total != len(b.Siblings) {
				errs = append(errs, ValidationError{Stage: id, Message: fmt.Sprintf("barrier %q total %d != %d siblings", b.Group, b.Total, len(b.Siblings))})
			}
			if b.Next != "" {
				if _, ok := d[b.Next]; !ok {
					errs = append(errs, ValidationError{Stage: id, Message: fmt.Sprintf("barrier %q next references unknown stage %q", b.Group, b.Next)})
				}
			}
		}
	}
	if _, err := d.Order(); err != nil {
		errs = append(errs, ValidationError{Message: err.Error()})
	}
	return errs
}
