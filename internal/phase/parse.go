// Package phase compiles a task breakdown document into a per-phase DAG.
package phase

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Phase is one parsed section of a task breakdown.
type Phase struct {
	Name string
	// Index is the 1-based position of the phase in the document.
	Index int
	// Number is the number written in the heading, e.g. 3 for "Phase 3".
	Number     int
	Deps       []string
	DepIndices []int
	Tasks      []string
}

var (
	phaseHeading = regexp.MustCompile(`(?i)^\s{0,3}#{1,4}\s*Phase\s+(\d+)\b(?:\s*[:.\-–—]\s*(.*?))?\s*#*\s*$`)
	anyHeading   = regexp.MustCompile(`^\s{0,3}#{1,6}\s`)
	depsLine     = regexp.MustCompile(`(?i)^\s*(?:[-*]\s+)?[*_]*(?:depends\s+on|depends|deps|dependencies)[*_]*\s*:\s*[*_]*\s*\[(.*?)\]`)
	checklist    = regexp.MustCompile(`^\s*[-*+]\s+\[[ xX]\]\s+(.+?)\s*$`)
	phaseRef     = regexp.MustCompile(`(?i)^(?:phase\s*)?(\d+)$`)
)

// ParsePhasesFromTasks reads phases out of a task breakdown. Headings that are
// not phase-shaped close the current phase; checklist items outside a phase
// are discarded. Dependency indices are resolved before returning.
func ParsePhasesFromTasks(text string) []Phase {
	var phases []Phase
	var cur *Phase
	sawDeps := false

	flush := func() {
		if cur != nil {
			phases = append(phases, *cur)
			cur = nil
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if m := phaseHeading.FindStringSubmatch(line); m != nil {
			flush()
			num, _ := strconv.Atoi(m[1])
			name := strings.TrimSpace(m[2])
			if name == "" {
				name = "Phase " + m[1]
			}
			cur = &Phase{Name: name, Index: len(phases) + 1, Number: num}
			sawDeps = false
			continue
		}
		if anyHeading.MatchString(line) {
			flush()
			continue
		}
		if cur == nil {
			continue
		}
		if !sawDeps {
			if m := depsLine.FindStringSubmatch(line); m != nil {
				cur.Deps = splitDeps(m[1])
				sawDeps = true
				continue
			}
		}
		if m := checklist.FindStringSubmatch(line); m != nil {
			cur.Tasks = append(cur.Tasks, m[1])
		}
	}
	flush()

	resolved := ResolvePhaseDeps(phases)
	for i := range phases {
		phases[i].DepIndices = resolved[phases[i].Index]
	}
	return phases
}

func splitDeps(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`+"`")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ResolvePhaseDeps maps each phase index to the indices of the phases it
// depends on. Names match case-insensitively; "Phase 2" and "2" refer to the
// heading number. Self references and unknown names are dropped.
func ResolvePhaseDeps(phases []Phase) map[int][]int {
	byName := make(map[string]int, len(phases))
	byNumber := make(map[int]int, len(phases))
	byIndex := make(map[int]bool, len(phases))
	for _, p := range phases {
		byName[normalizeName(p.Name)] = p.Index
		if _, dup := byNumber[p.Number]; !dup && p.Number > 0 {
			byNumber[p.Number] = p.Index
		}
		byIndex[p.Index] = true
	}

	out := make(map[int][]int, len(phases))
	for _, p := range phases {
		seen := map[int]bool{}
		deps := []int{}
		for _, ref := range p.Deps {
			idx, ok := byName[normalizeName(ref)]
			if !ok {
				if m := phaseRef.FindStringSubmatch(strings.TrimSpace(ref)); m != nil {
					n, _ := strconv.Atoi(m[1])
					if idx, ok = byNumber[n]; !ok && byIndex[n] {
						idx, ok = n, true
					}
				}
			}
			if !ok || idx == p.Index || seen[idx] {
				continue
			}
			seen[idx] = true
			deps = append(deps, idx)
		}
		sort.Ints(deps)
		out[p.Index] = deps
	}
	return out
}

func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
