// Package executor runs a single phase: it bounds concurrency with a
// weighted semaphore shared by every phase of a run, retries failed attempts
// with exponential backoff, and reports a tagged Outcome. It never touches
// run state; the scheduler integrates outcomes.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/errors"
	"github.com/Iron-Ham/phaseflow/internal/logging"
	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/retry"
)

// DefaultMaxParallel is the number of agent calls allowed at once.
const DefaultMaxParallel = 3

const tracerName = "github.com/Iron-Ham/phaseflow/internal/executor"

// Recorder receives execution metrics. The metrics package implements it.
type Recorder interface {
	PhaseAttempt(phase string, result string, d time.Duration)
	PhaseRetry(phase string)
	ActivePhases(delta float64)
}

type nopRecorder struct{}

func (nopRecorder) PhaseAttempt(string, string, time.Duration) {}
func (nopRecorder) PhaseRetry(string)                          {}
func (nopRecorder) ActivePhases(float64)                       {}

// Hooks observe attempts as they happen. Any field may be nil. Hooks run on
// the executing goroutine and must not block.
type Hooks struct {
	OnAttemptStart func(node plan.PhaseNode, attempt int)
	// OnRetry sees each KindRetryable outcome before the backoff sleep.
	OnRetry func(node plan.PhaseNode, o Outcome, delay time.Duration)
}

// Request describes one phase execution.
type Request struct {
	Node plan.PhaseNode
	// Previous holds the results of phases completed so far.
	Previous map[plan.PhaseID]agent.Output
	Input    agent.Input
	// RetriesUsed is how much of the node's retry budget is already spent.
	RetriesUsed int
}

// Executor runs phases against a registry of agents.
type Executor struct {
	agents   *agent.Registry
	sem      *semaphore.Weighted
	backoff  retry.Backoff
	logger   *logging.Logger
	tracer   trace.Tracer
	recorder Recorder
	hooks    Hooks
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxParallel sets the semaphore size. Values below 1 are ignored.
func WithMaxParallel(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithSemaphore shares an existing semaphore, e.g. across executors created
// for the same run.
func WithSemaphore(sem *semaphore.Weighted) Option {
	return func(e *Executor) {
		if sem != nil {
			e.sem = sem
		}
	}
}

// WithBackoff sets the retry delay policy.
func WithBackoff(b retry.Backoff) Option {
	return func(e *Executor) { e.backoff = b }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = logging.OrNop(l) }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithHooks sets attempt hooks.
func WithHooks(h Hooks) Option {
	return func(e *Executor) { e.hooks = h }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an executor.
func New(agents *agent.Registry, opts ...Option) *Executor {
	e := &Executor{
		agents:   agents,
		sem:      semaphore.NewWeighted(DefaultMaxParallel),
		backoff:  retry.Backoff{Base: retry.DefaultBaseDelay},
		logger:   logging.NopLogger(),
		tracer:   otel.Tracer(tracerName),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs req.Node until an attempt succeeds, its retry budget is
// spent, the agent returns a permanent error, or ctx ends. Total attempts
// are at most MaxRetries-RetriesUsed+1. The returned outcome is never
// KindRetryable.
func (e *Executor) Execute(ctx context.Context, req Request) Outcome {
	node := req.Node
	log := e.logger.WithPhase(int(node.ID), node.Name)

	ctx, span := e.tracer.Start(ctx, "phase.execute", trace.WithAttributes(
		attribute.Int("phase.id", int(node.ID)),
		attribute.String("phase.name", node.Name),
		attribute.Int("phase.max_retries", node.MaxRetries),
	))
	defer span.End()

	out := Outcome{PhaseID: node.ID, StartedAt: e.now()}
	retries := req.RetriesUsed

	for attempt := 0; ; attempt++ {
		if e.hooks.OnAttemptStart != nil {
			e.hooks.OnAttemptStart(node, attempt)
		}
		rec, result, err := e.attempt(ctx, req, attempt)
		out.Attempts = append(out.Attempts, rec)
		e.recorder.PhaseAttempt(node.Name, attemptResult(err), rec.Duration)

		if err == nil {
			out.Kind = KindSuccess
			out.Output = result.Output
			out.QualityScore = qualityScore(result)
			out.Retries = retries - req.RetriesUsed
			out.EndedAt = e.now()
			span.SetStatus(codes.Ok, "")
			span.SetAttributes(attribute.Int("phase.attempts", len(out.Attempts)))
			log.Info("phase succeeded", "attempt", attempt, "duration", rec.Duration)
			return out
		}

		span.AddEvent("attempt.failed", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()),
		))

		permanent := errors.IsNonRetryable(err) || ctx.Err() != nil
		if permanent || retries >= node.MaxRetries {
			return e.fatal(span, log, out, req, retries, err, !permanent)
		}

		retries++
		delay := e.backoff.Delay(attempt)
		e.recorder.PhaseRetry(node.Name)
		log.Warn("phase attempt failed, retrying",
			"attempt", attempt,
			"retry", retries,
			"max_retries", node.MaxRetries,
			"delay", delay,
			"error", err,
		)
		if e.hooks.OnRetry != nil {
			pending := out
			pending.Kind = KindRetryable
			pending.Err = err
			pending.Retries = retries - req.RetriesUsed
			e.hooks.OnRetry(node, pending, delay)
		}
		if werr := retry.Sleep(ctx, delay); werr != nil {
			return e.fatal(span, log, out, req, retries, werr, false)
		}
	}
}

// fatal ends an execution. transient reports that the budget ran out on an
// error a fresh execution might not hit again.
func (e *Executor) fatal(span trace.Span, log *logging.Logger, out Outcome, req Request, retries int, cause error, transient bool) Outcome {
	out.Kind = KindFatal
	out.Retries = retries - req.RetriesUsed
	out.EndedAt = e.now()
	out.Err = errors.NewPhaseExecutionError(int(req.Node.ID), req.Node.Name, len(out.Attempts), cause).
		WithRetryable(transient)
	span.RecordError(out.Err)
	span.SetStatus(codes.Error, "phase failed")
	span.SetAttributes(attribute.Bool("phase.retryable", transient))
	log.Error("phase failed", "attempts", len(out.Attempts), "retryable", transient, "error", cause)
	return out
}

// attempt performs one agent call while holding a semaphore slot.
func (e *Executor) attempt(ctx context.Context, req Request, n int) (rec Attempt, result agent.PhaseOutcome, err error) {
	rec = Attempt{Number: n, StartedAt: e.now()}
	defer func() {
		rec.Duration = e.now().Sub(rec.StartedAt)
		rec.Err = err
	}()

	if err = e.sem.Acquire(ctx, 1); err != nil {
		return rec, result, err
	}
	e.recorder.ActivePhases(1)
	defer func() {
		e.recorder.ActivePhases(-1)
		e.sem.Release(1)
	}()

	a, err := e.agents.Get(req.Node.ID)
	if err != nil {
		return rec, result, errors.NonRetryable(err)
	}
	result, err = e.invoke(ctx, a, req)
	if err == nil && result.Failed() {
		msg := result.ErrorMessage
		if msg == "" {
			msg = "agent reported failure"
		}
		err = errors.New(msg)
	}
	return rec, result, err
}

// invoke calls the agent, converting a panic into an error.
func (e *Executor) invoke(ctx context.Context, a agent.PhaseAgent, req Request) (result agent.PhaseOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("agent panicked",
				"phase_id", int(req.Node.ID),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return a.Process(ctx, req.Previous, req.Input)
}

func attemptResult(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}

// qualityScore prefers the score on the outcome, falling back to the
// quality_score output key.
func qualityScore(o agent.PhaseOutcome) *float64 {
	if o.QualityScore != nil {
		return agent.Score(*o.QualityScore)
	}
	if s, ok := o.Output.Float("quality_score"); ok {
		return agent.Score(s)
	}
	return nil
}
