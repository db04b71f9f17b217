// Package graph holds the topological sort shared by DAG validation and the
// phase compiler.
package graph

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// ErrCycle is matched by errors.Is on any *CycleError.
var ErrCycle = errors.New("dependency cycle")

// CycleError lists the nodes that could not be ordered.
type CycleError[K cmp.Ordered] struct {
	Nodes []K
}

func (e *CycleError[K]) Error() string {
	return fmt.Sprintf("dependency cycle among %v", e.Nodes)
}

func (e *CycleError[K]) Is(target error) bool {
	return target == ErrCycle
}

// TopoSort orders nodes so every node comes after its deps (Kahn's algorithm).
// Ties are broken by the order nodes are given in, which keeps results stable.
// Deps that are not in nodes are ignored. If any cycle exists anywhere the whole
// sort fails with a *CycleError naming every node left unordered.
func TopoSort[K cmp.Ordered](nodes []K, deps map[K][]K) ([]K, error) {
	position := make(map[K]int, len(nodes))
	for i, n := range nodes {
		if _, dup := position[n]; !dup {
			position[n] = i
		}
	}

	indegree := make(map[K]int, len(position))
	dependents := make(map[K][]K, len(position))
	for n := range position {
		indegree[n] = 0
	}
	for n := range position {
		seen := make(map[K]bool)
		for _, d := range deps[n] {
			if _, ok := position[d]; !ok || seen[d] {
				continue
			}
			seen[d] = true
			indegree[n]++
			dependents[d] = append(dependents[d], n)
		}
	}

	byPosition := func(a, b K) int { return cmp.Compare(position[a], position[b]) }

	var queue []K
	for n, deg := range indegree {
		if deg == 0 {
			queue = append(queue, n)
		}
	}
	slices.SortFunc(queue, byPosition)

	order := make([]K, 0, len(position))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		released := false
		for _, m := range dependents[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
				released = true
			}
		}
		if released {
			slices.SortFunc(queue, byPosition)
		}
	}

	if len(order) != len(position) {
		var stuck []K
		for n, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, n)
			}
		}
		slices.SortFunc(stuck, byPosition)
		return nil, &CycleError[K]{Nodes: stuck}
	}
	return order, nil
}

// HasCycle reports whether deps contains a cycle among nodes.
func HasCycle[K cmp.Ordered](nodes []K, deps map[K][]K) bool {
	_, err := TopoSort(nodes, deps)
	return err != nil
}
