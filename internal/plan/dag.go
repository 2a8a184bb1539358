package plan

import (
	"fmt"
	"slices"
	"strings"
)

// topoSort orders ids with Kahn's algorithm, always taking the smallest ready
// id next. Unknown and self dependencies are ignored here; Build reports them
// separately. When a cycle remains, the returned cycle holds its path with the
// first id repeated at the end.
func topoSort(ids []PhaseID, nodes map[PhaseID]PhaseNode) (order, cycle []PhaseID) {
	inDegree := make(map[PhaseID]int, len(ids))
	forward := make(map[PhaseID][]PhaseID, len(ids))
	for _, id := range ids {
		inDegree[id] += 0
		for _, dep := range nodes[id].Deps {
			if dep == id {
				continue
			}
			if _, ok := nodes[dep]; !ok {
				continue
			}
			inDegree[id]++
			forward[dep] = append(forward[dep], id)
		}
	}

	var ready []PhaseID
	for _, id := range ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order = make([]PhaseID, 0, len(ids))
	for len(ready) > 0 {
		slices.Sort(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range forward[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) == len(ids) {
		return order, nil
	}
	return nil, findCycle(ids, nodes, inDegree)
}

// findCycle runs a depth-first search over phases still carrying in-degree
// and returns the first cycle found, following dependency edges.
func findCycle(ids []PhaseID, nodes map[PhaseID]PhaseNode, inDegree map[PhaseID]int) []PhaseID {
	const (
		white = iota
		gray
		black
	)
	color := make(map[PhaseID]int, len(ids))
	var stack []PhaseID
	var cycle []PhaseID

	var visit func(id PhaseID) bool
	visit = func(id PhaseID) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range nodes[id].Deps {
			if dep == id {
				continue
			}
			if _, ok := nodes[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				start := slices.Index(stack, dep)
				cycle = append(slices.Clone(stack[start:]), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if inDegree[id] > 0 && color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

func formatPath(ids []PhaseID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, " -> ")
}
