package agent

import (
	"context"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/phaseflow/internal/plan"
)

// Simulated is a stand-in agent used by the CLI demo and in tests. It sleeps
// for a jittered latency, then derives a deterministic output from its
// inputs. It can be told to fail its first few calls.
type Simulated struct {
	Name    string
	Latency time.Duration
	// Jitter adds up to this much random latency per call.
	Jitter time.Duration
	// FailFirst makes the first n calls return an error.
	FailFirst int
	// Quality is reported as the outcome's quality score.
	Quality float64

	calls atomic.Int64
}

// Calls returns how many times Process was invoked.
func (s *Simulated) Calls() int {
	return int(s.calls.Load())
}

// Process implements PhaseAgent.
func (s *Simulated) Process(ctx context.Context, previous map[plan.PhaseID]Output, input Input) (PhaseOutcome, error) {
	n := s.calls.Add(1)

	delay := s.Latency
	if s.Jitter > 0 {
		delay += rand.N(s.Jitter)
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return PhaseOutcome{}, ctx.Err()
		case <-timer.C:
		}
	}

	if int(n) <= s.FailFirst {
		return PhaseOutcome{}, fmt.Errorf("%s: simulated failure on call %d", s.Name, n)
	}

	deps := slices.Sorted(maps.Keys(previous))
	upstream := make([]string, 0, len(deps))
	for _, id := range deps {
		if name, ok := previous[id]["phase"].(string); ok {
			upstream = append(upstream, name)
		}
	}

	topic, _ := input["topic"].(string)
	if topic == "" {
		topic = "untitled"
	}

	out := Output{
		"phase":         s.Name,
		"topic":         topic,
		"summary":       fmt.Sprintf("%s for %q built on [%s]", s.Name, topic, strings.Join(upstream, ", ")),
		"upstream":      upstream,
		"quality_score": s.Quality,
	}
	if notes, ok := input["notes"].(string); ok && notes != "" {
		out["notes"] = notes
	}
	return PhaseOutcome{
		Output:       out,
		QualityScore: Score(s.Quality),
		Status:       StatusCompleted,
	}, nil
}

// DemoOptions tunes the demo registry.
type DemoOptions struct {
	Latency time.Duration
	Jitter  time.Duration
	Quality float64
}

// DemoRegistry returns simulated agents for every phase of p, named after
// the phases.
func DemoRegistry(p *plan.ExecutionPlan, opts DemoOptions) *Registry {
	if opts.Quality == 0 {
		opts.Quality = 0.85
	}
	agents := make(map[plan.PhaseID]PhaseAgent, p.Len())
	for _, n := range p.Nodes() {
		name := n.Name
		if name == "" {
			name = fmt.Sprintf("phase-%d", n.ID)
		}
		agents[n.ID] = &Simulated{
			Name:    name,
			Latency: opts.Latency,
			Jitter:  opts.Jitter,
			Quality: opts.Quality,
		}
	}
	return NewRegistry(agents)
}
