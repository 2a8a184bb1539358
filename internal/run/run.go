// Package run holds the mutable state of one pipeline run: run and phase
// lifecycle, results, processed feedback checkpoints and retry bookkeeping.
//
// A PipelineRun is written by the scheduler goroutine. Other goroutines only
// read it, or cancel it, through the same mutex.
package run

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/errors"
	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/retry"
)

// BlockedReason is recorded on phases that can never run because an upstream
// phase did not complete.
const BlockedReason = "blocked by failed dependency"

// PhaseState is the lifecycle of one phase within a run.
type PhaseState struct {
	ID           plan.PhaseID `json:"id"`
	Name         string       `json:"name"`
	Status       PhaseStatus  `json:"status"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	Attempts     int          `json:"attempts"`
	StartedAt    time.Time    `json:"started_at,omitzero"`
	EndedAt      time.Time    `json:"ended_at,omitzero"`
	Result       agent.Output `json:"result,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	// Retryable is set on a failed phase whose error was transient, so a
	// regeneration with a fresh budget may succeed.
	Retryable    bool         `json:"retryable,omitempty"`
	CancelReason string       `json:"cancel_reason,omitempty"`
	QualityScore *float64     `json:"quality_score,omitempty"`
}

// Duration returns how long the phase ran, or zero if it has not finished.
func (s PhaseState) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

func (s *PhaseState) clone() PhaseState {
	c := *s
	c.Result = s.Result.Clone()
	if s.QualityScore != nil {
		c.QualityScore = agent.Score(*s.QualityScore)
	}
	return c
}

// PipelineRun is the mutable aggregate of one run.
type PipelineRun struct {
	mu sync.RWMutex

	id      string
	plan    *plan.ExecutionPlan
	input   agent.Input
	status  Status
	phases  map[plan.PhaseID]*PhaseState
	results map[plan.PhaseID]agent.Output
	// checkpoints holds the phases whose feedback has been handled.
	checkpoints map[plan.PhaseID]bool
	retries     *retry.Manager

	startedAt time.Time
	endedAt   time.Time
	err       error
}

// New creates a run for p in the Initializing status. Every phase starts
// Pending with its retry budget tracked.
func New(p *plan.ExecutionPlan, input agent.Input) *PipelineRun {
	r := &PipelineRun{
		id:          uuid.NewString(),
		plan:        p,
		input:       input.Merge(nil),
		status:      StatusInitializing,
		phases:      make(map[plan.PhaseID]*PhaseState, p.Len()),
		results:     make(map[plan.PhaseID]agent.Output, p.Len()),
		checkpoints: make(map[plan.PhaseID]bool),
		retries:     retry.NewManager(),
	}
	for _, n := range p.Nodes() {
		r.phases[n.ID] = &PhaseState{
			ID:         n.ID,
			Name:       n.Name,
			Status:     PhasePending,
			MaxRetries: n.MaxRetries,
		}
		r.retries.Track(n.ID, n.MaxRetries)
	}
	return r
}

// ID returns the run id.
func (r *PipelineRun) ID() string { return r.id }

// Plan returns the execution plan.
func (r *PipelineRun) Plan() *plan.ExecutionPlan { return r.plan }

// Retries returns the run's retry bookkeeping.
func (r *PipelineRun) Retries() *retry.Manager { return r.retries }

// Input returns a copy of the run input.
func (r *PipelineRun) Input() agent.Input {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.input.Merge(nil)
}

// Status returns the current run status.
func (r *PipelineRun) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Err returns the error the run finished with, if any.
func (r *PipelineRun) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Times returns the start and end of the run. End is zero while running.
func (r *PipelineRun) Times() (start, end time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt, r.endedAt
}

// Transition moves the run to a new status. It returns the previous status
// and whether the move was allowed. Moving to the current status is a no-op
// that reports true.
func (r *PipelineRun) Transition(to Status) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.status
	if from == to {
		return from, true
	}
	if !from.CanTransition(to) {
		return from, false
	}
	r.status = to
	return from, true
}

// Start marks the run as running and records its start time.
func (r *PipelineRun) Start(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusInitializing {
		return fmt.Errorf("cannot start run in status %s", r.status)
	}
	r.status = StatusRunning
	r.startedAt = now
	return nil
}

// Finish moves the run to a terminal status. A run that was already
// cancelled stays cancelled.
func (r *PipelineRun) Finish(status Status, err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusCancelled {
		r.status = status
	}
	if err != nil || r.err == nil {
		r.err = err
	}
	r.endedAt = now
}

// Reopen moves a terminal run back to Running so that reset phases can be
// scheduled again. The original start time is kept.
func (r *PipelineRun) Reopen() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.status.IsTerminal() {
		return fmt.Errorf("cannot reopen run in status %s", r.status)
	}
	r.status = StatusRunning
	r.endedAt = time.Time{}
	r.err = nil
	return nil
}

// Cancel marks the run cancelled and every running phase cancelled with
// reason. Completed phases are untouched. It returns the phases it
// cancelled and false when the run was already terminal.
func (r *PipelineRun) Cancel(reason string, now time.Time) ([]plan.PhaseID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.IsTerminal() {
		return nil, false
	}
	r.status = StatusCancelled
	var cancelled []plan.PhaseID
	for _, id := range r.plan.IDs() {
		s := r.phases[id]
		if s.Status == PhaseRunning {
			s.Status = PhaseCancelled
			s.CancelReason = reason
			s.EndedAt = now
			cancelled = append(cancelled, id)
		}
	}
	return cancelled, true
}

// SetInput replaces the run input.
func (r *PipelineRun) SetInput(in agent.Input) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input = in.Merge(nil)
}

// Phase returns a copy of a phase's state.
func (r *PipelineRun) Phase(id plan.PhaseID) (PhaseState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.phases[id]
	if !ok {
		return PhaseState{}, false
	}
	return r.withRetries(s), true
}

// Phases returns copies of every phase state, ordered by id.
func (r *PipelineRun) Phases() []PhaseState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PhaseState, 0, len(r.phases))
	for _, id := range r.plan.IDs() {
		out = append(out, r.withRetries(r.phases[id]))
	}
	return out
}

// withRetries copies s and fills in counters kept by the retry manager.
// Callers hold r.mu.
func (r *PipelineRun) withRetries(s *PhaseState) PhaseState {
	c := s.clone()
	if rs, ok := r.retries.State(s.ID); ok {
		c.RetryCount = rs.RetryCount
		c.Attempts = rs.Attempts
	}
	return c
}

// MarkRunning moves a pending phase to Running. It returns false if the
// phase is unknown, not pending, or the run was cancelled.
func (r *PipelineRun) MarkRunning(id plan.PhaseID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.phases[id]
	if !ok || s.Status != PhasePending || r.status == StatusCancelled {
		return false
	}
	s.Status = PhaseRunning
	s.StartedAt = now
	s.EndedAt = time.Time{}
	s.LastError = ""
	s.CancelReason = ""
	return true
}

// MarkCompleted records a running phase's result. A phase that was
// cancelled while its agent was in flight stays cancelled and the result is
// dropped; MarkCompleted then returns false.
func (r *PipelineRun) MarkCompleted(id plan.PhaseID, out agent.Output, score *float64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.phases[id]
	if !ok || s.Status != PhaseRunning {
		return false
	}
	s.Status = PhaseCompleted
	s.EndedAt = now
	s.Result = out.Clone()
	s.QualityScore = score
	r.results[id] = s.Result
	return true
}

// MarkFailed records the final error of a running phase.
func (r *PipelineRun) MarkFailed(id plan.PhaseID, err error, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.phases[id]
	if !ok || s.Status != PhaseRunning {
		return false
	}
	s.Status = PhaseFailed
	s.EndedAt = now
	s.Retryable = errors.IsRetryable(err)
	if err != nil {
		s.LastError = err.Error()
	}
	return true
}

// MarkCancelled cancels a phase that is not yet terminal.
func (r *PipelineRun) MarkCancelled(id plan.PhaseID, reason string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.phases[id]
	if !ok || s.Status.IsTerminal() {
		return false
	}
	if s.Status == PhaseRunning {
		s.EndedAt = now
	}
	s.Status = PhaseCancelled
	s.CancelReason = reason
	return true
}

// ResetPhase returns a phase to Pending with a fresh retry budget and clears
// its result and errors.
func (r *PipelineRun) ResetPhase(id plan.PhaseID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.phases[id]
	if !ok {
		return false
	}
	*s = PhaseState{ID: s.ID, Name: s.Name, Status: PhasePending, MaxRetries: s.MaxRetries}
	delete(r.results, id)
	r.retries.Reset(id)
	r.retries.Track(id, s.MaxRetries)
	return true
}

// SetResult overwrites the stored result of a completed phase.
func (r *PipelineRun) SetResult(id plan.PhaseID, out agent.Output) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.phases[id]
	if !ok || s.Status != PhaseCompleted {
		return false
	}
	s.Result = out.Clone()
	r.results[id] = s.Result
	return true
}

// Regenerated replaces the result of a completed phase that was executed
// again, e.g. after a failed quality check. The phase keeps its original
// start time and ends at now, so its duration covers every execution. The
// score of the new execution replaces the recorded one, nil included.
func (r *PipelineRun) Regenerated(id plan.PhaseID, out agent.Output, score *float64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.phases[id]
	if !ok || s.Status != PhaseCompleted {
		return false
	}
	s.Result = out.Clone()
	r.results[id] = s.Result
	s.QualityScore = nil
	if score != nil {
		s.QualityScore = agent.Score(*score)
	}
	if now.After(s.EndedAt) {
		s.EndedAt = now
	}
	return true
}

// SetQualityScore records the score assigned to a phase by the quality gate.
func (r *PipelineRun) SetQualityScore(id plan.PhaseID, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.phases[id]; ok {
		s.QualityScore = agent.Score(score)
	}
}

// Results returns a shallow copy of the results map.
func (r *PipelineRun) Results() map[plan.PhaseID]agent.Output {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.results)
}

// Result returns the stored output of a phase.
func (r *PipelineRun) Result(id plan.PhaseID) (agent.Output, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.results[id]
	return out, ok
}

// Ready returns the pending phases whose dependencies have all completed,
// ascending. Failed phases are not included: the executor spends the whole
// retry budget before a phase is marked failed.
func (r *PipelineRun) Ready() []plan.PhaseID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ready []plan.PhaseID
	for _, id := range r.plan.IDs() {
		if r.phases[id].Status != PhasePending {
			continue
		}
		n, _ := r.plan.Node(id)
		if r.depsCompleted(n.Deps) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (r *PipelineRun) depsCompleted(deps []plan.PhaseID) bool {
	for _, d := range deps {
		if r.phases[d].Status != PhaseCompleted {
			return false
		}
	}
	return true
}

// AllTerminal reports whether every phase has settled.
func (r *PipelineRun) AllTerminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.phases {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of phases in each status.
func (r *PipelineRun) Counts() map[PhaseStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[PhaseStatus]int, 5)
	for _, s := range r.phases {
		out[s.Status]++
	}
	return out
}

// IDsWithStatus returns the phases currently in status, ascending.
func (r *PipelineRun) IDsWithStatus(status PhaseStatus) []plan.PhaseID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []plan.PhaseID
	for _, id := range r.plan.IDs() {
		if r.phases[id].Status == status {
			out = append(out, id)
		}
	}
	return out
}

// CheckpointProcessed reports whether feedback for a phase was handled.
func (r *PipelineRun) CheckpointProcessed(id plan.PhaseID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkpoints[id]
}

// MarkCheckpointProcessed records that feedback for a phase was handled.
// It returns false if it already was.
func (r *PipelineRun) MarkCheckpointProcessed(id plan.PhaseID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checkpoints[id] {
		return false
	}
	r.checkpoints[id] = true
	return true
}

// ProcessedCheckpoints returns the phases whose feedback was handled, ascending.
func (r *PipelineRun) ProcessedCheckpoints() []plan.PhaseID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.checkpoints))
}
