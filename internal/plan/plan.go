// Package plan builds and queries immutable execution plans: the validated,
// acyclic graph of phases a pipeline run walks through.
package plan

import (
	"fmt"
	"slices"

	"github.com/Iron-Ham/phaseflow/internal/errors"
)

// PhaseID identifies a phase within a plan. Valid ids are positive.
type PhaseID int

// DefaultMaxRetries is used for phases that do not set max_retries.
const DefaultMaxRetries = 2

// PhaseSpec describes one phase as written in a plan file.
type PhaseSpec struct {
	ID            PhaseID   `yaml:"id" json:"id"`
	Name          string    `yaml:"name" json:"name"`
	Description   string    `yaml:"description,omitempty" json:"description,omitempty"`
	DependsOn     []PhaseID `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	ParallelGroup string    `yaml:"parallel_group,omitempty" json:"parallel_group,omitempty"`
	// MaxRetries is the number of retries after the first attempt.
	// Nil means the plan default.
	MaxRetries *int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Critical   bool `yaml:"critical,omitempty" json:"critical,omitempty"`
	Checkpoint bool `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`
}

// PhaseNode is a validated phase. Deps is sorted and deduplicated.
type PhaseNode struct {
	ID            PhaseID
	Name          string
	Description   string
	Deps          []PhaseID
	ParallelGroup string
	MaxRetries    int
	Critical      bool
	Checkpoint    bool
}

// Label returns "id:name", or just the id when the phase is unnamed.
func (n PhaseNode) Label() string {
	if n.Name == "" {
		return fmt.Sprintf("%d", n.ID)
	}
	return fmt.Sprintf("%d:%s", n.ID, n.Name)
}

func (n PhaseNode) clone() PhaseNode {
	n.Deps = slices.Clone(n.Deps)
	return n
}

// ExecutionPlan is an immutable, validated phase graph.
type ExecutionPlan struct {
	nodes      map[PhaseID]PhaseNode
	ids        []PhaseID
	dependents map[PhaseID][]PhaseID
	order      []PhaseID
}

type buildOptions struct {
	defaultMaxRetries int
}

// BuildOption configures Build.
type BuildOption func(*buildOptions)

// WithDefaultMaxRetries sets the retry budget of phases without max_retries.
func WithDefaultMaxRetries(n int) BuildOption {
	return func(o *buildOptions) { o.defaultMaxRetries = n }
}

// Build validates specs and returns the plan. Every problem found is reported
// in a single *errors.InvalidPlanError: non-positive or duplicate ids, unknown
// or self dependencies, negative retry budgets and dependency cycles.
func Build(specs []PhaseSpec, opts ...BuildOption) (*ExecutionPlan, error) {
	o := buildOptions{defaultMaxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	var problems []string
	if len(specs) == 0 {
		problems = append(problems, "plan has no phases")
	}
	if o.defaultMaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("default max retries %d is negative", o.defaultMaxRetries))
	}

	nodes := make(map[PhaseID]PhaseNode, len(specs))
	for i, s := range specs {
		if s.ID <= 0 {
			problems = append(problems, fmt.Sprintf("phase #%d: id %d must be positive", i, s.ID))
			continue
		}
		if _, dup := nodes[s.ID]; dup {
			problems = append(problems, fmt.Sprintf("phase %d: duplicate id", s.ID))
			continue
		}
		maxRetries := o.defaultMaxRetries
		if s.MaxRetries != nil {
			maxRetries = *s.MaxRetries
		}
		if maxRetries < 0 {
			problems = append(problems, fmt.Sprintf("phase %d: max_retries %d is negative", s.ID, maxRetries))
		}
		deps := slices.Clone(s.DependsOn)
		slices.Sort(deps)
		nodes[s.ID] = PhaseNode{
			ID:            s.ID,
			Name:          s.Name,
			Description:   s.Description,
			Deps:          slices.Compact(deps),
			ParallelGroup: s.ParallelGroup,
			MaxRetries:    maxRetries,
			Critical:      s.Critical,
			Checkpoint:    s.Checkpoint,
		}
	}

	ids := make([]PhaseID, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		for _, dep := range nodes[id].Deps {
			switch {
			case dep == id:
				problems = append(problems, fmt.Sprintf("phase %d: depends on itself", id))
			case nodes[dep].ID == 0:
				problems = append(problems, fmt.Sprintf("phase %d: unknown dependency %d", id, dep))
			}
		}
	}

	order, cycle := topoSort(ids, nodes)
	if len(cycle) > 0 {
		problems = append(problems, "dependency cycle: "+formatPath(cycle))
	}

	if len(problems) > 0 {
		err := errors.NewInvalidPlanError(problems)
		if len(cycle) > 0 {
			err = err.WithCycle(toInts(cycle))
		}
		return nil, err
	}

	dependents := make(map[PhaseID][]PhaseID, len(ids))
	for _, id := range ids {
		for _, dep := range nodes[id].Deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	return &ExecutionPlan{
		nodes:      nodes,
		ids:        ids,
		dependents: dependents,
		order:      order,
	}, nil
}

// Node returns the phase with the given id.
func (p *ExecutionPlan) Node(id PhaseID) (PhaseNode, bool) {
	n, ok := p.nodes[id]
	if !ok {
		return PhaseNode{}, false
	}
	return n.clone(), true
}

// Nodes returns every phase ordered by id.
func (p *ExecutionPlan) Nodes() []PhaseNode {
	out := make([]PhaseNode, 0, len(p.ids))
	for _, id := range p.ids {
		out = append(out, p.nodes[id].clone())
	}
	return out
}

// Has reports whether id is part of the plan.
func (p *ExecutionPlan) Has(id PhaseID) bool {
	_, ok := p.nodes[id]
	return ok
}

// IDs returns the phase ids in ascending order.
func (p *ExecutionPlan) IDs() []PhaseID {
	return slices.Clone(p.ids)
}

// Len returns the number of phases.
func (p *ExecutionPlan) Len() int {
	return len(p.ids)
}

// Dependents returns the phases that depend directly on id, ascending.
func (p *ExecutionPlan) Dependents(id PhaseID) []PhaseID {
	return slices.Clone(p.dependents[id])
}

// Downstream returns every phase that depends on id directly or
// transitively, ascending. id itself is not included.
func (p *ExecutionPlan) Downstream(id PhaseID) []PhaseID {
	return p.walk(id, func(n PhaseID) []PhaseID { return p.dependents[n] })
}

func (p *ExecutionPlan) walk(start PhaseID, next func(PhaseID) []PhaseID) []PhaseID {
	seen := make(map[PhaseID]bool)
	stack := slices.Clone(next(start))
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, next(n)...)
	}
	out := make([]PhaseID, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Related reports whether a and b are connected by a dependency path in
// either direction.
func (p *ExecutionPlan) Related(a, b PhaseID) bool {
	return slices.Contains(p.Downstream(a), b) || slices.Contains(p.Downstream(b), a)
}

// TopologicalOrder returns the phase ids so that every phase follows its
// dependencies. Ties are broken by ascending id.
func (p *ExecutionPlan) TopologicalOrder() []PhaseID {
	return slices.Clone(p.order)
}

func toInts(ids []PhaseID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
