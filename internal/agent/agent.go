// Package agent defines the boundary between the pipeline and the code that
// produces each phase's content, plus a registry mapping phases to agents.
package agent

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/Iron-Ham/phaseflow/internal/errors"
	"github.com/Iron-Ham/phaseflow/internal/plan"
)

// Output is the payload a phase produces. Values should be JSON-friendly.
type Output map[string]any

// Clone returns a shallow copy.
func (o Output) Clone() Output {
	if o == nil {
		return nil
	}
	return maps.Clone(o)
}

// Float returns the value under key as a float64 when it is numeric.
func (o Output) Float(key string) (float64, bool) {
	switch v := o[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Input is the run-level input every agent receives.
type Input map[string]any

// Merge returns a copy of in with mods applied on top.
func (in Input) Merge(mods map[string]any) Input {
	out := make(Input, len(in)+len(mods))
	maps.Copy(out, in)
	maps.Copy(out, mods)
	return out
}

// Status is the agent's own verdict on an attempt.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PhaseOutcome is what an agent returns for one attempt.
type PhaseOutcome struct {
	Output       Output
	QualityScore *float64
	// Status defaults to completed when empty.
	Status       Status
	ErrorMessage string
}

// Failed reports whether the agent declared the attempt failed.
func (o PhaseOutcome) Failed() bool {
	return o.Status == StatusFailed
}

// Score returns a pointer to s, for building outcomes.
func Score(s float64) *float64 {
	return &s
}

// PhaseAgent produces the content of one phase. Implementations must honor
// ctx and be safe to call again after a failure.
type PhaseAgent interface {
	Process(ctx context.Context, previous map[plan.PhaseID]Output, input Input) (PhaseOutcome, error)
}

// Func adapts a function to PhaseAgent.
type Func func(ctx context.Context, previous map[plan.PhaseID]Output, input Input) (PhaseOutcome, error)

// Process calls f.
func (f Func) Process(ctx context.Context, previous map[plan.PhaseID]Output, input Input) (PhaseOutcome, error) {
	return f(ctx, previous, input)
}

// Registry maps phase ids to agents. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[plan.PhaseID]PhaseAgent
}

// NewRegistry creates a registry from an explicit map. The map is copied.
func NewRegistry(agents map[plan.PhaseID]PhaseAgent) *Registry {
	r := &Registry{agents: make(map[plan.PhaseID]PhaseAgent, len(agents))}
	maps.Copy(r.agents, agents)
	return r
}

// Register adds or replaces the agent for id.
func (r *Registry) Register(id plan.PhaseID, a PhaseAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = a
}

// Get returns the agent for id, or an error matching errors.ErrNoAgent.
// A nil registry has no agents.
func (r *Registry) Get(id plan.PhaseID) (PhaseAgent, error) {
	if r == nil {
		return nil, fmt.Errorf("phase %d: %w", id, errors.ErrNoAgent)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok || a == nil {
		return nil, fmt.Errorf("phase %d: %w", id, errors.ErrNoAgent)
	}
	return a, nil
}

// IDs returns the registered phase ids, ascending.
func (r *Registry) IDs() []plan.PhaseID {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.agents))
}

// Validate checks that every phase of p has an agent.
func (r *Registry) Validate(p *plan.ExecutionPlan) error {
	var missing []error
	for _, id := range p.IDs() {
		if _, err := r.Get(id); err != nil {
			missing = append(missing, err)
		}
	}
	return errors.Join(missing...)
}
