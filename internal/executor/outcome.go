package executor

import (
	"time"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/plan"
)

// Kind tags an Outcome.
type Kind int

const (
	// KindSuccess means an attempt produced an output.
	KindSuccess Kind = iota
	// KindRetryable is a failed attempt that will be tried again. The
	// executor only reports it to hooks; Execute never returns it.
	KindRetryable
	// KindFatal means the phase will not be tried again: its budget is
	// spent, its error was permanent, or the context ended.
	KindFatal
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Attempt records one agent invocation.
type Attempt struct {
	Number    int           `json:"number"` // zero-based
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Outcome is the result of executing one phase.
type Outcome struct {
	Kind         Kind
	PhaseID      plan.PhaseID
	Output       agent.Output
	QualityScore *float64
	Err          error
	Attempts     []Attempt
	// Retries is how many retries this execution consumed.
	Retries   int
	StartedAt time.Time
	EndedAt   time.Time
}

// Succeeded reports whether the outcome carries an output.
func (o Outcome) Succeeded() bool { return o.Kind == KindSuccess }

// Duration returns the wall time of the execution, backoff included.
func (o Outcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.EndedAt.IsZero() {
		return 0
	}
	return o.EndedAt.Sub(o.StartedAt)
}
