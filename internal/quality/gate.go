// Package quality adapts an external quality assessor to the pipeline. A
// gate only judges an output; it holds no pipeline state.
package quality

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/plan"
)

// DefaultMinScore is the score a phase must reach to pass ThresholdGate.
const DefaultMinScore = 0.7

// ScoreKey is the output key agents use to report their own quality score.
const ScoreKey = "quality_score"

// Assessment is a gate's verdict on one phase output.
type Assessment struct {
	Score       float64 `json:"score"`
	Passed      bool    `json:"passed"`
	ShouldRetry bool    `json:"should_retry"`
	Reason      string  `json:"reason,omitempty"`
	// Unscored is set when the output carried no score and Score is a
	// default rather than a measurement.
	Unscored bool `json:"unscored,omitempty"`
}

// Gate judges the output of a phase.
type Gate interface {
	Assess(ctx context.Context, id plan.PhaseID, output agent.Output) (Assessment, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, id plan.PhaseID, output agent.Output) (Assessment, error)

// Assess calls f.
func (f GateFunc) Assess(ctx context.Context, id plan.PhaseID, output agent.Output) (Assessment, error) {
	return f(ctx, id, output)
}

// ThresholdGate passes outputs whose reported score is at least MinScore.
// Failing outputs are marked for retry. An output without a score passes
// unless RequireScore is set.
type ThresholdGate struct {
	MinScore     float64
	RequireScore bool
}

// NewThresholdGate returns a gate with the given minimum, clamped to [0,1].
func NewThresholdGate(minScore float64) *ThresholdGate {
	return &ThresholdGate{MinScore: Clamp(minScore)}
}

// Assess implements Gate.
func (g *ThresholdGate) Assess(ctx context.Context, _ plan.PhaseID, output agent.Output) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}
	score, ok := output.Float(ScoreKey)
	if !ok {
		if g.RequireScore {
			return Assessment{Passed: false, ShouldRetry: true, Reason: "no quality score reported", Unscored: true}, nil
		}
		return Assessment{Score: 1, Passed: true, Reason: "no quality score reported", Unscored: true}, nil
	}
	score = Clamp(score)
	if score < g.MinScore {
		return Assessment{
			Score:       score,
			ShouldRetry: true,
			Reason:      fmt.Sprintf("score %.2f below minimum %.2f", score, g.MinScore),
		}, nil
	}
	return Assessment{Score: score, Passed: true}, nil
}

// WithScore returns a copy of output carrying score under ScoreKey. A score
// already present in output wins; a nil score leaves the copy unchanged.
func WithScore(output agent.Output, score *float64) agent.Output {
	out := output.Clone()
	if score == nil {
		return out
	}
	if _, ok := out.Float(ScoreKey); ok {
		return out
	}
	if out == nil {
		out = make(agent.Output, 1)
	}
	out[ScoreKey] = *score
	return out
}

// Clamp limits s to [0,1].
func Clamp(s float64) float64 {
	return min(max(s, 0), 1)
}

// AlwaysPass is a gate that accepts everything.
var AlwaysPass Gate = GateFunc(func(context.Context, plan.PhaseID, agent.Output) (Assessment, error) {
	return Assessment{Score: 1, Passed: true}, nil
})
