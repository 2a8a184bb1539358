// Package feedback implements human-in-the-loop checkpoints: after a
// designated phase completes, the pipeline waits a bounded time for a
// reviewer's adjustment and applies it to the stored output.
package feedback

import (
	"context"
	"maps"
	"time"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/errors"
	"github.com/Iron-Ham/phaseflow/internal/event"
	"github.com/Iron-Ham/phaseflow/internal/logging"
	"github.com/Iron-Ham/phaseflow/internal/plan"
)

// DefaultTimeout bounds how long a checkpoint waits for a reviewer.
const DefaultTimeout = 5 * time.Minute

// Output keys written by Adjustment.Apply.
const (
	NotesKey    = "feedback_notes"
	ApprovedKey = "feedback_approved"
)

// Adjustment is a reviewer's response to a phase output.
type Adjustment struct {
	Approved  bool           `yaml:"approved" json:"approved"`
	Notes     string         `yaml:"notes,omitempty" json:"notes,omitempty"`
	Overrides map[string]any `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// Apply returns a copy of out with the overrides merged in and the review
// recorded. out itself is not modified.
func (a Adjustment) Apply(out agent.Output) agent.Output {
	adjusted := make(agent.Output, len(out)+len(a.Overrides)+2)
	maps.Copy(adjusted, out)
	maps.Copy(adjusted, a.Overrides)
	adjusted[ApprovedKey] = a.Approved
	if a.Notes != "" {
		adjusted[NotesKey] = a.Notes
	}
	return adjusted
}

// Provider supplies reviewer feedback. AwaitFeedback returns a nil
// adjustment when the reviewer has nothing to change. It must return when
// ctx is done.
type Provider interface {
	AwaitFeedback(ctx context.Context, id plan.PhaseID, preview agent.Output) (*Adjustment, error)
}

// Recorder receives feedback metrics. The metrics package implements it.
type Recorder interface {
	FeedbackReceived(applied bool)
	FeedbackTimeout()
}

type nopRecorder struct{}

func (nopRecorder) FeedbackReceived(bool) {}
func (nopRecorder) FeedbackTimeout()      {}

// Checkpoint decides whether a phase needs review and waits for it.
// It is created per run.
type Checkpoint struct {
	provider Provider
	phases   map[plan.PhaseID]bool
	timeout  time.Duration
	runID    string
	bus      *event.Bus
	logger   *logging.Logger
	recorder Recorder
}

// Option configures a Checkpoint.
type Option func(*Checkpoint)

// WithTimeout sets the default wait used when Maybe is given zero.
func WithTimeout(d time.Duration) Option {
	return func(c *Checkpoint) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBus publishes feedback events for runID on bus.
func WithBus(bus *event.Bus, runID string) Option {
	return func(c *Checkpoint) {
		c.bus = bus
		c.runID = runID
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Checkpoint) { c.logger = logging.OrNop(l) }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Checkpoint) {
		if r != nil {
			c.recorder = r
		}
	}
}

// NewCheckpoint creates a checkpoint for the given phases. A nil provider
// behaves like NoopProvider.
func NewCheckpoint(p Provider, phases []plan.PhaseID, opts ...Option) *Checkpoint {
	if p == nil {
		p = NoopProvider{}
	}
	c := &Checkpoint{
		provider: p,
		phases:   make(map[plan.PhaseID]bool, len(phases)),
		timeout:  DefaultTimeout,
		logger:   logging.NopLogger(),
		recorder: nopRecorder{},
	}
	for _, id := range phases {
		c.phases[id] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether id is a checkpoint phase.
func (c *Checkpoint) Enabled(id plan.PhaseID) bool {
	return c.phases[id]
}

// Maybe waits for feedback on a checkpoint phase. It returns the adjusted
// output and true when an adjustment arrived. For phases that are not
// checkpoints, or when the reviewer sent nothing, it returns output
// unchanged and false.
//
// When timeout elapses first the returned error is a FeedbackTimeoutError;
// the caller continues with the unchanged output. Timeouts are never fatal.
func (c *Checkpoint) Maybe(ctx context.Context, id plan.PhaseID, output agent.Output, timeout time.Duration) (agent.Output, bool, error) {
	if !c.Enabled(id) {
		return output, false, nil
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	log := c.logger.With("phase_id", int(id))

	c.bus.Publish(event.NewFeedbackRequestedEvent(c.runID, int(id), timeout))
	log.Info("awaiting feedback", "timeout", timeout)

	adj, err := c.await(ctx, id, output.Clone(), timeout)
	switch {
	case err != nil && errors.Is(err, errors.ErrTimeout):
		c.recorder.FeedbackTimeout()
		c.bus.Publish(event.NewFeedbackTimeoutEvent(c.runID, int(id), timeout))
		log.Warn("feedback timed out, continuing without adjustment", "timeout", timeout)
		return output, false, err
	case err != nil:
		log.Warn("feedback provider failed, continuing without adjustment", "error", err)
		return output, false, err
	case adj == nil:
		c.recorder.FeedbackReceived(false)
		c.bus.Publish(event.NewFeedbackReceivedEvent(c.runID, int(id), true, ""))
		log.Info("no adjustment requested")
		return output, false, nil
	}

	c.recorder.FeedbackReceived(true)
	c.bus.Publish(event.NewFeedbackReceivedEvent(c.runID, int(id), adj.Approved, adj.Notes))
	log.Info("feedback applied", "approved", adj.Approved, "overrides", len(adj.Overrides))
	return adj.Apply(output), true, nil
}

type awaitResult struct {
	adj *Adjustment
	err error
}

// await runs the provider on its own goroutine so that a provider ignoring
// ctx cannot hold the pipeline past the timeout.
func (c *Checkpoint) await(ctx context.Context, id plan.PhaseID, preview agent.Output, timeout time.Duration) (*Adjustment, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan awaitResult, 1)
	go func() {
		adj, err := c.provider.AwaitFeedback(tctx, id, preview)
		done <- awaitResult{adj, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.NewFeedbackTimeoutError(int(id), timeout).WithCause(r.err)
		}
		return r.adj, r.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.NewFeedbackTimeoutError(int(id), timeout)
	}
}
