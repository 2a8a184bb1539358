package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/phaseflow/internal/errors"
	"github.com/Iron-Ham/phaseflow/internal/event"
	"github.com/Iron-Ham/phaseflow/internal/executor"
	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/run"
)

const (
	resetRegenerated = "regenerated"
	resetUpstream    = "upstream phase regenerated"
)

// RegeneratePhase re-executes one phase of the current run with
// modifications merged into the run input, then resets every phase
// downstream of it to pending. Phases that are not downstream keep their
// state. The reset phases run on the next Resume.
//
// It fails with ErrRunInProgress while another operation is active, with
// ErrNoRun before the first run, and with ErrUnknownPhase for ids outside
// the plan. The target's dependencies must have completed.
func (o *Orchestrator) RegeneratePhase(ctx context.Context, id plan.PhaseID, modifications map[string]any) (executor.Outcome, error) {
	r, ctx, release, err := o.acquire(ctx, nil)
	if err != nil {
		return executor.Outcome{}, err
	}
	defer release()

	p := r.Plan()
	n, ok := p.Node(id)
	if !ok {
		return executor.Outcome{}, fmt.Errorf("phase %d: %w", id, errors.ErrUnknownPhase)
	}
	for _, dep := range n.Deps {
		if st, _ := r.Phase(dep); st.Status != run.PhaseCompleted {
			return executor.Outcome{}, fmt.Errorf("phase %d depends on phase %d, which is %s: %w",
				id, dep, st.Status, errors.ErrInvalidInput)
		}
	}

	if r.Status().IsTerminal() {
		if err := r.Reopen(); err != nil {
			return executor.Outcome{}, err
		}
	}

	ctx, span := o.tracer.Start(ctx, "phase.regenerate", trace.WithAttributes(
		attribute.String("run.id", r.ID()),
		attribute.Int("phase.id", int(id)),
		attribute.Int("phase.modifications", len(modifications)),
	))
	defer span.End()

	sc := o.newScheduler(r)
	log := sc.phaseLogger(n)
	log.Info("regenerating phase", "modifications", len(modifications))

	r.SetInput(r.Input().Merge(modifications))
	r.ResetPhase(id)
	o.bus.Publish(event.NewPhaseResetEvent(r.ID(), int(id), n.Name, resetRegenerated))

	req := sc.request(n)
	if !r.MarkRunning(id, o.now()) {
		return executor.Outcome{}, sc.interrupted(ctx)
	}
	outcome := sc.exec.Execute(ctx, req)
	completed := sc.integrate(ctx, n, outcome)

	downstream := p.Downstream(id)
	for _, d := range downstream {
		r.ResetPhase(d)
		dn, _ := p.Node(d)
		o.bus.Publish(event.NewPhaseResetEvent(r.ID(), int(d), dn.Name, resetUpstream))
	}
	log.Info("reset downstream phases", "phases", toInts(downstream))

	if ierr := sc.interrupted(ctx); ierr != nil {
		r.Finish(run.StatusCancelled, ierr, o.now())
		span.RecordError(ierr)
		return outcome, ierr
	}
	if completed {
		if err := sc.assessQuality(ctx, []plan.PhaseID{id}); err != nil {
			r.Finish(run.StatusCancelled, err, o.now())
			return outcome, err
		}
		if st, ok := r.Phase(id); ok && st.Result != nil {
			outcome.Output = st.Result
			outcome.QualityScore = st.QualityScore
		}
	}
	sc.publishProgress()
	o.publisher.Flush()

	switch {
	case !completed:
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, "regeneration failed")
		r.Finish(run.StatusFailed, outcome.Err, o.now())
		return outcome, outcome.Err
	case len(downstream) == 0 && r.AllTerminal():
		r.Finish(run.StatusCompleted, nil, o.now())
	}
	span.SetStatus(codes.Ok, "")
	return outcome, nil
}
