package run

// Status is the lifecycle status of a pipeline run.
type Status string

const (
	StatusInitializing      Status = "initializing"
	StatusRunning           Status = "running"
	StatusParallelExecution Status = "parallel_execution"
	StatusWaitingFeedback   Status = "waiting_feedback"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validRunTransitions lists the statuses reachable from each status.
// Terminal statuses are reopened through PipelineRun.Reopen only.
var validRunTransitions = map[Status][]Status{
	StatusInitializing:      {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:           {StatusParallelExecution, StatusWaitingFeedback, StatusCompleted, StatusFailed, StatusCancelled},
	StatusParallelExecution: {StatusRunning, StatusWaitingFeedback, StatusFailed, StatusCancelled},
	StatusWaitingFeedback:   {StatusRunning, StatusParallelExecution, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a run may move from s to to.
func (s Status) CanTransition(to Status) bool {
	for _, next := range validRunTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// PhaseStatus is the lifecycle status of one phase within a run.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseCancelled PhaseStatus = "cancelled"
)

// String returns the string representation of the status.
func (s PhaseStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the phase will not run again without a reset.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseCompleted || s == PhaseFailed || s == PhaseCancelled
}
