package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/phaseflow/internal/errors"
	"github.com/Iron-Ham/phaseflow/internal/event"
	"github.com/Iron-Ham/phaseflow/internal/executor"
	"github.com/Iron-Ham/phaseflow/internal/feedback"
	"github.com/Iron-Ham/phaseflow/internal/logging"
	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/progress"
	"github.com/Iron-Ham/phaseflow/internal/retry"
	"github.com/Iron-Ham/phaseflow/internal/run"
)

// scheduler carries the per-operation collaborators of one run. Its
// methods run on the scheduling goroutine only.
type scheduler struct {
	o          *Orchestrator
	run        *run.PipelineRun
	exec       *executor.Executor
	checkpoint *feedback.Checkpoint
	critical   map[plan.PhaseID]bool
	log        *logging.Logger
}

func (o *Orchestrator) newScheduler(r *run.PipelineRun) *scheduler {
	p := r.Plan()
	log := o.logger.WithRun(r.ID())
	sc := &scheduler{
		o:        o,
		run:      r,
		critical: make(map[plan.PhaseID]bool),
		log:      log,
	}

	sc.exec = executor.New(o.agents,
		executor.WithSemaphore(o.sem),
		executor.WithBackoff(retry.Backoff{Base: o.cfg.RetryBaseDelay, Max: o.cfg.RetryMaxDelay}),
		executor.WithLogger(log),
		executor.WithRecorder(o.metrics),
		executor.WithClock(o.now),
		executor.WithHooks(executor.Hooks{
			OnAttemptStart: func(n plan.PhaseNode, attempt int) {
				o.bus.Publish(event.NewPhaseStartedEvent(r.ID(), int(n.ID), n.Name, attempt))
			},
			OnRetry: func(n plan.PhaseNode, out executor.Outcome, _ time.Duration) {
				o.bus.Publish(event.NewPhaseAttemptFailedEvent(r.ID(), int(n.ID), n.Name, len(out.Attempts)-1, out.Err))
			},
		}),
	)

	var checkpoints []plan.PhaseID
	if o.cfg.FeedbackEnabled {
		for _, n := range p.Nodes() {
			if n.Checkpoint {
				checkpoints = append(checkpoints, n.ID)
			}
		}
		for _, id := range o.cfg.Checkpoints {
			if p.Has(id) {
				checkpoints = append(checkpoints, id)
			}
		}
	}
	sc.checkpoint = feedback.NewCheckpoint(o.provider, checkpoints,
		feedback.WithTimeout(o.cfg.FeedbackTimeout),
		feedback.WithBus(o.bus, r.ID()),
		feedback.WithLogger(log.WithGroup("feedback")),
		feedback.WithRecorder(o.metrics),
	)

	if len(o.cfg.CriticalPhases) > 0 {
		for _, id := range o.cfg.CriticalPhases {
			sc.critical[id] = true
		}
	} else {
		for _, n := range p.Nodes() {
			if n.Critical {
				sc.critical[n.ID] = true
			}
		}
	}
	return sc
}

// schedule runs ready groups until every phase has settled or a fatal
// error ends the run.
func (sc *scheduler) schedule(ctx context.Context) error {
	p := sc.run.Plan()
	for {
		if err := sc.interrupted(ctx); err != nil {
			return err
		}
		if sc.run.AllTerminal() {
			return nil
		}
		ready := sc.run.Ready()
		if len(ready) == 0 {
			return sc.deadlock()
		}

		for _, g := range p.Partition(ready) {
			if err := sc.interrupted(ctx); err != nil {
				return err
			}
			if err := sc.runGroup(ctx, g); err != nil {
				return err
			}
			if err := sc.assessQuality(ctx, g.IDs); err != nil {
				return err
			}
			sc.publishProgress()
			if err := sc.reviewCheckpoints(ctx, g.IDs); err != nil {
				return err
			}
		}
	}
}

// runGroup executes one dispatch group and integrates its outcomes. Only
// an exhausted singleton, or an interruption, returns an error: failed
// members of a parallel group are recorded on the phase.
func (sc *scheduler) runGroup(ctx context.Context, g plan.Group) error {
	p := sc.run.Plan()
	ctx, span := sc.o.tracer.Start(ctx, "group.execute", trace.WithAttributes(
		attribute.String("group.name", g.Name),
		attribute.IntSlice("group.phases", toInts(g.IDs)),
	))
	defer span.End()

	started := sc.o.now()
	sc.o.bus.Publish(event.NewGroupStartedEvent(sc.run.ID(), g.Name, toInts(g.IDs)))

	var nodes []plan.PhaseNode
	var reqs []executor.Request
	for _, id := range g.IDs {
		n, _ := p.Node(id)
		req := sc.request(n)
		if !sc.run.MarkRunning(id, sc.o.now()) {
			continue
		}
		nodes = append(nodes, n)
		reqs = append(reqs, req)
	}
	if len(nodes) == 0 {
		return sc.interrupted(ctx)
	}

	var outcomes []executor.Outcome
	if g.IsParallel() {
		outcomes = sc.fanOut(ctx, g, reqs)
	} else {
		outcomes = []executor.Outcome{sc.exec.Execute(ctx, reqs[0])}
	}

	var succeeded, failed []int
	for i, n := range nodes {
		if sc.integrate(ctx, n, outcomes[i]) {
			succeeded = append(succeeded, int(n.ID))
		} else {
			failed = append(failed, int(n.ID))
		}
	}
	sc.o.bus.Publish(event.NewGroupFinishedEvent(sc.run.ID(), g.Name, succeeded, failed, sc.o.now().Sub(started)))

	if err := sc.interrupted(ctx); err != nil {
		return err
	}
	if !g.IsParallel() && len(failed) > 0 && outcomes[0].Err != nil {
		return outcomes[0].Err
	}
	if len(failed) > 0 {
		sc.log.Warn("parallel group finished with failures",
			"group", g.Name,
			"succeeded", succeeded,
			"failed", failed,
		)
	}
	return nil
}

// fanOut runs the members of a parallel group concurrently and waits for
// all of them. The shared semaphore still bounds the agent calls.
func (sc *scheduler) fanOut(ctx context.Context, g plan.Group, reqs []executor.Request) []executor.Outcome {
	sc.transition(run.StatusParallelExecution)
	defer sc.transition(run.StatusRunning)

	sc.log.Info("running parallel group", "group", g.Name, "phases", toInts(g.IDs))

	outcomes := make([]executor.Outcome, len(reqs))
	var wg conc.WaitGroup
	for i, req := range reqs {
		// Stays in place only if the worker dies before writing its outcome.
		outcomes[i] = executor.Outcome{
			Kind:    executor.KindFatal,
			PhaseID: req.Node.ID,
			Err:     errors.NewPhaseExecutionError(int(req.Node.ID), req.Node.Name, 0, errors.New("phase worker panicked")),
			EndedAt: sc.o.now(),
		}
		wg.Go(func() {
			outcomes[i] = sc.exec.Execute(ctx, req)
		})
	}
	if rec := wg.WaitAndRecover(); rec != nil {
		sc.log.Error("parallel group worker panicked",
			"group", g.Name,
			"panic", fmt.Sprint(rec.Value),
			"stack", string(rec.Stack),
		)
	}
	return outcomes
}

// request builds the executor input for n from the current run state.
func (sc *scheduler) request(n plan.PhaseNode) executor.Request {
	prev := sc.run.Results()
	delete(prev, n.ID)
	st, _ := sc.run.Retries().State(n.ID)
	return executor.Request{
		Node:        n,
		Previous:    prev,
		Input:       sc.run.Input(),
		RetriesUsed: st.RetryCount,
	}
}

// integrate records an outcome on the run. It reports whether the phase
// completed.
func (sc *scheduler) integrate(ctx context.Context, n plan.PhaseNode, out executor.Outcome) bool {
	sc.recordAttempts(n.ID, out)
	runID := sc.run.ID()

	if out.Succeeded() {
		if !sc.run.MarkCompleted(n.ID, out.Output, out.QualityScore, out.EndedAt) {
			sc.log.Debug("dropping result of phase that is no longer running", "phase_id", int(n.ID))
			return false
		}
		sc.o.bus.Publish(event.NewPhaseCompletedEvent(runID, int(n.ID), n.Name, len(out.Attempts), out.Duration()))
		return true
	}

	if ctx.Err() != nil {
		reason := context.Cause(ctx).Error()
		if sc.run.MarkCancelled(n.ID, reason, out.EndedAt) {
			sc.o.bus.Publish(event.NewPhaseCancelledEvent(runID, int(n.ID), n.Name, reason))
		}
		return false
	}
	if sc.run.MarkFailed(n.ID, out.Err, out.EndedAt) {
		sc.o.bus.Publish(event.NewPhaseFailedEvent(runID, int(n.ID), n.Name, len(out.Attempts), out.Err))
	}
	return false
}

func (sc *scheduler) recordAttempts(id plan.PhaseID, out executor.Outcome) {
	retries := sc.run.Retries()
	for _, a := range out.Attempts {
		retries.RecordAttempt(id, a.Err == nil, a.Duration, a.Err)
	}
	for range out.Retries {
		retries.RecordRetry(id)
	}
}

// interrupted returns the error that ends the run when it was cancelled or
// its context is done, and nil otherwise.
func (sc *scheduler) interrupted(ctx context.Context) error {
	if sc.run.Status() == run.StatusCancelled {
		return cancelError(ctx)
	}
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, errors.ErrTimeout) {
		return fmt.Errorf("run deadline of %s exceeded: %w", sc.o.cfg.RunTimeout, errors.ErrTimeout)
	}

	from := sc.run.Status()
	ids, ok := sc.run.Cancel(cause.Error(), sc.o.now())
	if ok {
		sc.o.bus.Publish(event.NewRunStatusChangedEvent(sc.run.ID(), string(from), string(run.StatusCancelled)))
		p := sc.run.Plan()
		for _, id := range ids {
			n, _ := p.Node(id)
			sc.o.bus.Publish(event.NewPhaseCancelledEvent(sc.run.ID(), int(id), n.Name, cause.Error()))
		}
	}
	return cancelError(ctx)
}

func cancelError(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return errors.ErrRunCancelled
	case errors.Is(cause, errors.ErrRunCancelled):
		return cause
	default:
		return fmt.Errorf("%w: %v", errors.ErrRunCancelled, cause)
	}
}

// deadlock settles a run that has pending phases but nothing ready: those
// phases can never run, so they are cancelled as blocked.
func (sc *scheduler) deadlock() error {
	blocked := sc.run.IDsWithStatus(run.PhasePending)
	now := sc.o.now()
	p := sc.run.Plan()
	for _, id := range blocked {
		if sc.run.MarkCancelled(id, run.BlockedReason, now) {
			n, _ := p.Node(id)
			sc.o.bus.Publish(event.NewPhaseCancelledEvent(sc.run.ID(), int(id), n.Name, run.BlockedReason))
		}
	}
	err := errors.NewPartialCompletionError(
		toInts(sc.run.IDsWithStatus(run.PhaseCompleted)),
		toInts(sc.run.IDsWithStatus(run.PhaseFailed)),
		toInts(blocked),
	)
	sc.log.Error("no phase can make progress", "blocked", toInts(blocked), "error", err)
	return err
}

// transition moves the run status and announces the change.
func (sc *scheduler) transition(to run.Status) {
	from, ok := sc.run.Transition(to)
	if ok && from != to {
		sc.o.bus.Publish(event.NewRunStatusChangedEvent(sc.run.ID(), string(from), string(to)))
	}
}

func (sc *scheduler) publishProgress() {
	sc.o.publisher.Publish(progress.NewSnapshot(sc.run, sc.o.now()))
}

// phaseLogger returns a logger scoped to one phase.
func (sc *scheduler) phaseLogger(n plan.PhaseNode) *logging.Logger {
	return sc.log.WithPhase(int(n.ID), n.Name)
}

// completedIn returns the ids among ids whose phase is completed.
func (sc *scheduler) completedIn(ids []plan.PhaseID) []plan.PhaseID {
	var out []plan.PhaseID
	for _, id := range ids {
		if st, ok := sc.run.Phase(id); ok && st.Status == run.PhaseCompleted {
			out = append(out, id)
		}
	}
	return out
}
