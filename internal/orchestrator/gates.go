package orchestrator

import (
	"context"

	"github.com/Iron-Ham/phaseflow/internal/event"
	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/quality"
	"github.com/Iron-Ham/phaseflow/internal/run"
)

// assessQuality consults the quality gate for the completed critical phases
// among ids.
func (sc *scheduler) assessQuality(ctx context.Context, ids []plan.PhaseID) error {
	for _, id := range sc.completedIn(ids) {
		if !sc.critical[id] {
			continue
		}
		if err := sc.gatePhase(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// gatePhase assesses one completed phase and re-executes it while the gate
// asks for a retry and the phase has retry budget left. Each quality retry
// consumes one retry. When the budget runs out the last result is kept.
// The gate sees the score recorded for the phase even when the agent
// reported it on the outcome rather than in the output.
// The gate is advisory: its errors are logged, never fatal.
func (sc *scheduler) gatePhase(ctx context.Context, id plan.PhaseID) error {
	n, _ := sc.run.Plan().Node(id)
	log := sc.phaseLogger(n)
	retries := sc.run.Retries()

	for {
		st, _ := sc.run.Phase(id)
		a, err := sc.o.gate.Assess(ctx, id, quality.WithScore(st.Result, st.QualityScore))
		if err != nil {
			if ierr := sc.interrupted(ctx); ierr != nil {
				return ierr
			}
			log.Warn("quality gate unavailable, accepting result", "error", err)
			return nil
		}

		if !a.Unscored {
			sc.run.SetQualityScore(id, a.Score)
		}
		sc.o.metrics.QualityVerdict(n.Name, a.Passed)
		sc.o.bus.Publish(event.NewQualityAssessedEvent(sc.run.ID(), int(id), a.Score, a.Passed, a.ShouldRetry, a.Reason))
		if a.Passed || !a.ShouldRetry {
			log.Debug("quality assessed", "score", a.Score, "passed", a.Passed)
			return nil
		}

		budget, _ := retries.State(id)
		if budget.Remaining() == 0 {
			log.Warn("quality below threshold and retry budget spent, keeping result",
				"score", a.Score,
				"reason", a.Reason,
				"retries", budget.RetryCount,
			)
			return nil
		}

		retries.Reopen(id)
		retries.RecordRetry(id)
		retries.SetLastError(id, a.Reason)
		sc.o.metrics.PhaseRetry(n.Name)
		log.Info("quality below threshold, regenerating phase",
			"score", a.Score,
			"reason", a.Reason,
			"retry", budget.RetryCount+1,
			"max_retries", budget.MaxRetries,
		)

		outcome := sc.exec.Execute(ctx, sc.request(n))
		sc.recordAttempts(id, outcome)
		if !outcome.Succeeded() {
			if ierr := sc.interrupted(ctx); ierr != nil {
				return ierr
			}
			log.Warn("quality retry failed, keeping previous result", "error", outcome.Err)
			return nil
		}
		sc.run.Regenerated(id, outcome.Output, outcome.QualityScore, outcome.EndedAt)
		sc.o.bus.Publish(event.NewPhaseCompletedEvent(sc.run.ID(), int(id), n.Name, len(outcome.Attempts), outcome.Duration()))
	}
}

// reviewCheckpoints waits for feedback on the completed checkpoint phases
// among ids. Each phase is reviewed at most once per run. A timeout keeps
// the output unchanged.
func (sc *scheduler) reviewCheckpoints(ctx context.Context, ids []plan.PhaseID) error {
	for _, id := range sc.completedIn(ids) {
		if !sc.checkpoint.Enabled(id) || !sc.run.MarkCheckpointProcessed(id) {
			continue
		}
		out, _ := sc.run.Result(id)

		sc.transition(run.StatusWaitingFeedback)
		adjusted, applied, err := sc.checkpoint.Maybe(ctx, id, out, sc.o.cfg.FeedbackTimeout)
		sc.transition(run.StatusRunning)

		if applied {
			sc.run.SetResult(id, adjusted)
		}
		if err != nil {
			if ierr := sc.interrupted(ctx); ierr != nil {
				return ierr
			}
		}
	}
	return nil
}
