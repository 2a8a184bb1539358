// Package orchestrator drives a pipeline run through its execution plan.
//
// The Orchestrator owns one run at a time. A single scheduler goroutine
// computes the ready set, dispatches groups to the executor, integrates the
// outcomes into the run and consults the quality gate and feedback
// checkpoints between groups. Workers never write run state.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/config"
	"github.com/Iron-Ham/phaseflow/internal/errors"
	"github.com/Iron-Ham/phaseflow/internal/event"
	"github.com/Iron-Ham/phaseflow/internal/executor"
	"github.com/Iron-Ham/phaseflow/internal/feedback"
	"github.com/Iron-Ham/phaseflow/internal/logging"
	"github.com/Iron-Ham/phaseflow/internal/metrics"
	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/progress"
	"github.com/Iron-Ham/phaseflow/internal/quality"
	"github.com/Iron-Ham/phaseflow/internal/report"
	"github.com/Iron-Ham/phaseflow/internal/retry"
	"github.com/Iron-Ham/phaseflow/internal/run"
)

const tracerName = "github.com/Iron-Ham/phaseflow/internal/orchestrator"

// Config holds the scheduling settings of an Orchestrator.
type Config struct {
	// MaxParallelPhases bounds concurrent agent calls across the whole run.
	MaxParallelPhases int
	// RetryBaseDelay is the backoff base; zero retries immediately.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps one backoff delay. Zero leaves it uncapped.
	RetryMaxDelay time.Duration
	// RunTimeout fails the run when exceeded. Zero disables it.
	RunTimeout time.Duration

	FeedbackEnabled bool
	FeedbackTimeout time.Duration
	// Checkpoints are reviewed in addition to phases flagged in the plan.
	Checkpoints []plan.PhaseID

	MinScore float64
	// CriticalPhases replaces the plan's critical flags when non-empty.
	CriticalPhases []plan.PhaseID

	// ObserverFlushTimeout bounds how long a finishing run waits for async
	// progress observers. Zero uses progress.DefaultFlushTimeout.
	ObserverFlushTimeout time.Duration
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		MaxParallelPhases: executor.DefaultMaxParallel,
		RetryBaseDelay:    retry.DefaultBaseDelay,
		RetryMaxDelay:     retry.DefaultMaxDelay,
		FeedbackTimeout:   feedback.DefaultTimeout,
		MinScore:          quality.DefaultMinScore,
	}
}

// ConfigFrom converts the application configuration.
func ConfigFrom(cfg *config.Config) Config {
	if cfg == nil {
		return DefaultConfig()
	}
	return Config{
		MaxParallelPhases: cfg.Pipeline.MaxParallelPhases,
		RetryBaseDelay:    cfg.Pipeline.RetryBaseDelay,
		RetryMaxDelay:     cfg.Pipeline.RetryMaxDelay,
		RunTimeout:        cfg.Pipeline.RunTimeout,
		FeedbackEnabled:   cfg.Feedback.Enabled,
		FeedbackTimeout:   cfg.Feedback.Timeout,
		Checkpoints:       toIDs(cfg.Feedback.Checkpoints),
		MinScore:          cfg.Quality.MinScore,
		CriticalPhases:    toIDs(cfg.Quality.CriticalPhases),
	}
}

func toIDs(ids []int) []plan.PhaseID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]plan.PhaseID, len(ids))
	for i, id := range ids {
		out[i] = plan.PhaseID(id)
	}
	return out
}

func toInts(ids []plan.PhaseID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

// Orchestrator schedules pipeline runs. It is safe for concurrent use, but
// runs one operation (Run, Resume or RegeneratePhase) at a time.
type Orchestrator struct {
	cfg       Config
	agents    *agent.Registry
	gate      quality.Gate
	provider  feedback.Provider
	bus       *event.Bus
	publisher *progress.Publisher
	metrics   *metrics.Metrics
	logger    *logging.Logger
	tracer    trace.Tracer
	sem       *semaphore.Weighted
	now       func() time.Time

	mu      sync.Mutex
	current *run.PipelineRun
	active  bool
	cancel  context.CancelCauseFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the scheduling settings.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithQualityGate sets the gate consulted for critical phases.
func WithQualityGate(g quality.Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithFeedbackProvider sets where checkpoint feedback comes from.
func WithFeedbackProvider(p feedback.Provider) Option {
	return func(o *Orchestrator) { o.provider = p }
}

// WithBus publishes run events on bus.
func WithBus(bus *event.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator that runs phases with the given agents.
func New(agents *agent.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    DefaultConfig(),
		agents: agents,
		logger: logging.NopLogger(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxParallelPhases < 1 {
		o.cfg.MaxParallelPhases = executor.DefaultMaxParallel
	}
	if o.gate == nil {
		o.gate = quality.NewThresholdGate(o.cfg.MinScore)
	}
	if o.provider == nil {
		o.provider = feedback.NoopProvider{}
	}
	o.sem = semaphore.NewWeighted(int64(o.cfg.MaxParallelPhases))
	o.publisher = progress.NewPublisher(
		progress.WithBus(o.bus),
		progress.WithLogger(o.logger.WithGroup("progress")),
		progress.WithFlushTimeout(o.cfg.ObserverFlushTimeout),
	)
	return o
}

// RegisterObserver subscribes o to progress snapshots and returns its id.
func (o *Orchestrator) RegisterObserver(obs progress.Observer) string {
	return o.publisher.Register(obs)
}

// UnregisterObserver removes an observer. It reports whether id was known.
func (o *Orchestrator) UnregisterObserver(id string) bool {
	return o.publisher.Unregister(id)
}

// Run executes p from scratch and returns the final report. On a fatal
// error the report describes the partial state and is returned alongside
// the error. Invalid plans and plans with phases lacking an agent never
// start.
func (o *Orchestrator) Run(ctx context.Context, p *plan.ExecutionPlan, input agent.Input) (*report.FinalReport, error) {
	if p == nil {
		return nil, errors.NewInvalidPlanError([]string{"plan is nil"})
	}
	if err := o.agents.Validate(p); err != nil {
		return nil, err
	}

	r, ctx, release, err := o.acquire(ctx, run.New(p, input))
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", r.ID()),
		attribute.Int("run.phases", p.Len()),
	))
	defer span.End()

	if err := r.Start(o.now()); err != nil {
		return nil, err
	}
	o.bus.Publish(event.NewRunStartedEvent(r.ID(), p.Len()))

	sc := o.newScheduler(r)
	sc.log.Info("run started",
		"phases", p.Len(),
		"max_parallel", o.cfg.MaxParallelPhases,
		"feedback", o.cfg.FeedbackEnabled,
	)

	ctx, cancel := o.withRunTimeout(ctx)
	defer cancel()
	return o.finish(span, sc, sc.schedule(ctx))
}

// Resume continues scheduling the current run, typically after
// RegeneratePhase reset downstream phases. A terminal run is reopened
// first; phases that already failed stay failed.
func (o *Orchestrator) Resume(ctx context.Context) (*report.FinalReport, error) {
	r, ctx, release, err := o.acquire(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer release()

	if r.Status().IsTerminal() {
		if err := r.Reopen(); err != nil {
			return nil, err
		}
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.resume", trace.WithAttributes(
		attribute.String("run.id", r.ID()),
	))
	defer span.End()

	sc := o.newScheduler(r)
	sc.log.Info("run resumed", "pending", len(r.IDsWithStatus(run.PhasePending)))

	ctx, cancel := o.withRunTimeout(ctx)
	defer cancel()
	return o.finish(span, sc, sc.schedule(ctx))
}

// Cancel stops the operation in progress. Running phases are marked
// cancelled with reason and their agents see a cancelled context.
// Completed results are kept.
func (o *Orchestrator) Cancel(reason string) error {
	o.mu.Lock()
	r, cancel, active := o.current, o.cancel, o.active
	o.mu.Unlock()

	if !active || r == nil {
		return errors.ErrNoRun
	}
	if reason == "" {
		reason = "cancelled"
	}

	from := r.Status()
	ids, ok := r.Cancel(reason, o.now())
	if ok {
		o.bus.Publish(event.NewRunStatusChangedEvent(r.ID(), string(from), string(run.StatusCancelled)))
		for _, id := range ids {
			n, _ := r.Plan().Node(id)
			o.bus.Publish(event.NewPhaseCancelledEvent(r.ID(), int(id), n.Name, reason))
		}
		o.logger.WithRun(r.ID()).Warn("run cancelled", "reason", reason, "interrupted", toInts(ids))
	}
	cancel(fmt.Errorf("%w: %s", errors.ErrRunCancelled, reason))
	return nil
}

// Status returns a snapshot of the current run. Before the first run it
// returns the zero Snapshot.
func (o *Orchestrator) Status() run.Snapshot {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return run.Snapshot{}
	}
	return r.Snapshot()
}

// DependencyGraph returns the graph of the current run's plan. Before the
// first run it is empty.
func (o *Orchestrator) DependencyGraph() plan.Graph {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return plan.Graph{}
	}
	return r.Plan().Graph()
}

// acquire claims the orchestrator for one operation on fresh, or on the
// current run when fresh is nil.
func (o *Orchestrator) acquire(ctx context.Context, fresh *run.PipelineRun) (*run.PipelineRun, context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active {
		return nil, nil, nil, errors.ErrRunInProgress
	}
	r := fresh
	if r == nil {
		if o.current == nil {
			return nil, nil, nil, errors.ErrNoRun
		}
		r = o.current
	}
	o.current = r
	o.active = true

	ctx, cancel := context.WithCancelCause(ctx)
	o.cancel = cancel
	release := func() {
		cancel(nil)
		o.mu.Lock()
		o.active = false
		o.cancel = nil
		o.mu.Unlock()
	}
	return r, ctx, release, nil
}

func (o *Orchestrator) withRunTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.RunTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeoutCause(ctx, o.cfg.RunTimeout, errors.ErrTimeout)
}

// finish settles the run status and compiles the report.
func (o *Orchestrator) finish(span trace.Span, sc *scheduler, err error) (*report.FinalReport, error) {
	r := sc.run
	if err == nil && r.Status() == run.StatusCancelled {
		err = errors.ErrRunCancelled
	}

	status := run.StatusCompleted
	switch {
	case errors.Is(err, errors.ErrRunCancelled):
		status = run.StatusCancelled
	case err != nil:
		status = run.StatusFailed
	}
	from := r.Status()
	r.Finish(status, err, o.now())
	final := r.Status()
	if from != final {
		o.bus.Publish(event.NewRunStatusChangedEvent(r.ID(), string(from), string(final)))
	}

	sc.publishProgress()
	o.publisher.Flush()

	start, end := r.Times()
	elapsed := end.Sub(start)
	o.bus.Publish(event.NewRunFinishedEvent(r.ID(), string(final), elapsed, err))
	o.metrics.RunFinished(string(final), elapsed)

	rep := report.CompileAt(r, o.now())
	span.SetAttributes(
		attribute.String("run.status", string(final)),
		attribute.Int("run.completed", rep.Completed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(final))
		span.SetAttributes(attribute.String("run.error_severity", errors.GetSeverity(err).String()))
		sc.log.Error("run finished",
			"status", final,
			"completed", rep.Completed,
			"total", rep.Total,
			"fatal", errors.IsFatal(err),
			"severity", errors.GetSeverity(err).String(),
			"error", err,
		)
	} else {
		span.SetStatus(codes.Ok, "")
		sc.log.Info("run finished",
			"status", final,
			"completed", rep.Completed,
			"total", rep.Total,
			"wall_clock", rep.WallClock.Std(),
			"parallel_efficiency", rep.ParallelEfficiency,
		)
	}
	return rep, err
}
