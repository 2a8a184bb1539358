package plan

import (
	"fmt"
	"slices"
	"strings"
)

// GraphNode is a phase as shown in a dependency graph view.
type GraphNode struct {
	ID            PhaseID `json:"id" yaml:"id"`
	Name          string  `json:"name" yaml:"name"`
	ParallelGroup string  `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	Critical      bool    `json:"critical,omitempty" yaml:"critical,omitempty"`
	Checkpoint    bool    `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	// Status is filled in by callers that overlay run state.
	Status string `json:"status,omitempty" yaml:"status,omitempty"`
}

// GraphEdge points from a dependency to the phase that needs it.
type GraphEdge struct {
	From PhaseID `json:"from" yaml:"from"`
	To   PhaseID `json:"to" yaml:"to"`
}

// Graph is a read-only view of a plan for visualization.
type Graph struct {
	Nodes []GraphNode `json:"nodes" yaml:"nodes"`
	Edges []GraphEdge `json:"edges" yaml:"edges"`
}

// Graph returns nodes ordered by id and edges ordered by (from, to).
func (p *ExecutionPlan) Graph() Graph {
	g := Graph{
		Nodes: make([]GraphNode, 0, len(p.ids)),
		Edges: []GraphEdge{},
	}
	for _, id := range p.ids {
		n := p.nodes[id]
		g.Nodes = append(g.Nodes, GraphNode{
			ID:            n.ID,
			Name:          n.Name,
			ParallelGroup: n.ParallelGroup,
			Critical:      n.Critical,
			Checkpoint:    n.Checkpoint,
		})
		for _, dep := range n.Deps {
			g.Edges = append(g.Edges, GraphEdge{From: dep, To: id})
		}
	}
	slices.SortFunc(g.Edges, func(a, b GraphEdge) int {
		if a.From != b.From {
			return int(a.From - b.From)
		}
		return int(a.To - b.To)
	})
	return g
}

// Mermaid renders the graph as a mermaid flowchart. Parallel groups become
// subgraphs, critical phases get a double border and checkpoints a hexagon.
func (g Graph) Mermaid() string {
	var sb strings.Builder
	sb.WriteString("flowchart TD\n")

	groups := make(map[string][]GraphNode)
	var groupNames []string
	for _, n := range g.Nodes {
		if n.ParallelGroup == "" {
			sb.WriteString("    " + mermaidNode(n) + "\n")
			continue
		}
		if _, ok := groups[n.ParallelGroup]; !ok {
			groupNames = append(groupNames, n.ParallelGroup)
		}
		groups[n.ParallelGroup] = append(groups[n.ParallelGroup], n)
	}
	for _, name := range groupNames {
		fmt.Fprintf(&sb, "    subgraph %s\n", name)
		for _, n := range groups[name] {
			sb.WriteString("        " + mermaidNode(n) + "\n")
		}
		sb.WriteString("    end\n")
	}
	for _, e := range g.Edges {
		fmt.Fprintf(&sb, "    p%d --> p%d\n", e.From, e.To)
	}
	return sb.String()
}

func mermaidNode(n GraphNode) string {
	label := fmt.Sprintf("%d. %s", n.ID, n.Name)
	if n.Status != "" {
		label += " (" + n.Status + ")"
	}
	switch {
	case n.Checkpoint:
		return fmt.Sprintf("p%d{{\"%s\"}}", n.ID, label)
	case n.Critical:
		return fmt.Sprintf("p%d[[\"%s\"]]", n.ID, label)
	default:
		return fmt.Sprintf("p%d[\"%s\"]", n.ID, label)
	}
}

// Mermaid renders the plan's graph as a mermaid flowchart.
func (p *ExecutionPlan) Mermaid() string {
	return p.Graph().Mermaid()
}

// Group is a set of ready phases dispatched together. Singletons have an
// empty Name.
type Group struct {
	Name string
	IDs  []PhaseID
}

// IsParallel reports whether the group has more than one member.
func (g Group) IsParallel() bool {
	return len(g.IDs) > 1
}

// Partition splits ready phase ids into dispatch groups: ids sharing a
// non-empty parallel group form one group, all others are singletons.
// Groups are ordered by their smallest id and members are ascending.
// Unknown ids are dropped.
func (p *ExecutionPlan) Partition(ready []PhaseID) []Group {
	byName := make(map[string]int)
	var groups []Group
	sorted := slices.Clone(ready)
	slices.Sort(sorted)
	for _, id := range slices.Compact(sorted) {
		n, ok := p.nodes[id]
		if !ok {
			continue
		}
		if n.ParallelGroup == "" {
			groups = append(groups, Group{IDs: []PhaseID{id}})
			continue
		}
		if idx, ok := byName[n.ParallelGroup]; ok {
			groups[idx].IDs = append(groups[idx].IDs, id)
			continue
		}
		byName[n.ParallelGroup] = len(groups)
		groups = append(groups, Group{Name: n.ParallelGroup, IDs: []PhaseID{id}})
	}
	return groups
}
