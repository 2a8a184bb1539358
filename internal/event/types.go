package event

import "time"

// Event is implemented by everything published on the bus.
type Event interface {
	// EventType returns "category.action", e.g. "phase.completed".
	EventType() string
	Timestamp() time.Time
}

// Event type names.
const (
	TypeRunStarted       = "run.started"
	TypeRunStatusChanged = "run.status_changed"
	TypeRunFinished      = "run.finished"

	TypeGroupStarted  = "group.started"
	TypeGroupFinished = "group.finished"

	TypePhaseStarted       = "phase.started"
	TypePhaseAttemptFailed = "phase.attempt_failed"
	TypePhaseCompleted     = "phase.completed"
	TypePhaseFailed        = "phase.failed"
	TypePhaseCancelled     = "phase.cancelled"
	TypePhaseReset         = "phase.reset"

	TypeQualityAssessed = "quality.assessed"

	TypeFeedbackRequested = "feedback.requested"
	TypeFeedbackReceived  = "feedback.received"
	TypeFeedbackTimeout   = "feedback.timeout"

	TypeProgressUpdated = "progress.updated"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Run Events
// -----------------------------------------------------------------------------

// RunStartedEvent is emitted once the plan is validated and scheduling begins.
type RunStartedEvent struct {
	baseEvent
	RunID      string
	PhaseCount int
}

// NewRunStartedEvent creates a RunStartedEvent.
func NewRunStartedEvent(runID string, phaseCount int) RunStartedEvent {
	return RunStartedEvent{
		baseEvent:  newBaseEvent(TypeRunStarted),
		RunID:      runID,
		PhaseCount: phaseCount,
	}
}

// RunStatusChangedEvent is emitted on every lifecycle transition.
type RunStatusChangedEvent struct {
	baseEvent
	RunID string
	From  string
	To    string
}

// NewRunStatusChangedEvent creates a RunStatusChangedEvent.
func NewRunStatusChangedEvent(runID, from, to string) RunStatusChangedEvent {
	return RunStatusChangedEvent{
		baseEvent: newBaseEvent(TypeRunStatusChanged),
		RunID:     runID,
		From:      from,
		To:        to,
	}
}

// RunFinishedEvent is emitted when a run reaches a terminal status.
type RunFinishedEvent struct {
	baseEvent
	RunID    string
	Status   string
	Duration time.Duration
	Err      error
}

// NewRunFinishedEvent creates a RunFinishedEvent.
func NewRunFinishedEvent(runID, status string, duration time.Duration, err error) RunFinishedEvent {
	return RunFinishedEvent{
		baseEvent: newBaseEvent(TypeRunFinished),
		RunID:     runID,
		Status:    status,
		Duration:  duration,
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Group Events
// -----------------------------------------------------------------------------

// GroupStartedEvent is emitted before a ready group is dispatched.
// Singletons have an empty Name.
type GroupStartedEvent struct {
	baseEvent
	RunID    string
	Name     string
	PhaseIDs []int
}

// NewGroupStartedEvent creates a GroupStartedEvent.
func NewGroupStartedEvent(runID, name string, phaseIDs []int) GroupStartedEvent {
	return GroupStartedEvent{
		baseEvent: newBaseEvent(TypeGroupStarted),
		RunID:     runID,
		Name:      name,
		PhaseIDs:  phaseIDs,
	}
}

// GroupFinishedEvent is emitted after every member of a group settled.
type GroupFinishedEvent struct {
	baseEvent
	RunID     string
	Name      string
	Succeeded []int
	Failed    []int
	Duration  time.Duration
}

// NewGroupFinishedEvent creates a GroupFinishedEvent.
func NewGroupFinishedEvent(runID, name string, succeeded, failed []int, duration time.Duration) GroupFinishedEvent {
	return GroupFinishedEvent{
		baseEvent: newBaseEvent(TypeGroupFinished),
		RunID:     runID,
		Name:      name,
		Succeeded: succeeded,
		Failed:    failed,
		Duration:  duration,
	}
}

// -----------------------------------------------------------------------------
// Phase Events
// -----------------------------------------------------------------------------

// PhaseEvent carries the lifecycle of a single phase. Attempt is zero-based.
// Err is set for attempt failures, failures and cancellations.
type PhaseEvent struct {
	baseEvent
	RunID     string
	PhaseID   int
	PhaseName string
	Attempt   int
	Duration  time.Duration
	Err       error
	Reason    string
}

// NewPhaseStartedEvent creates a phase.started event.
func NewPhaseStartedEvent(runID string, id int, name string, attempt int) PhaseEvent {
	return PhaseEvent{
		baseEvent: newBaseEvent(TypePhaseStarted),
		RunID:     runID,
		PhaseID:   id,
		PhaseName: name,
		Attempt:   attempt,
	}
}

// NewPhaseAttemptFailedEvent creates a phase.attempt_failed event for a
// failure that will be retried.
func NewPhaseAttemptFailedEvent(runID string, id int, name string, attempt int, err error) PhaseEvent {
	return PhaseEvent{
		baseEvent: newBaseEvent(TypePhaseAttemptFailed),
		RunID:     runID,
		PhaseID:   id,
		PhaseName: name,
		Attempt:   attempt,
		Err:       err,
	}
}

// NewPhaseCompletedEvent creates a phase.completed event.
func NewPhaseCompletedEvent(runID string, id int, name string, attempts int, duration time.Duration) PhaseEvent {
	return PhaseEvent{
		baseEvent: newBaseEvent(TypePhaseCompleted),
		RunID:     runID,
		PhaseID:   id,
		PhaseName: name,
		Attempt:   attempts,
		Duration:  duration,
	}
}

// NewPhaseFailedEvent creates a phase.failed event.
func NewPhaseFailedEvent(runID string, id int, name string, attempts int, err error) PhaseEvent {
	return PhaseEvent{
		baseEvent: newBaseEvent(TypePhaseFailed),
		RunID:     runID,
		PhaseID:   id,
		PhaseName: name,
		Attempt:   attempts,
		Err:       err,
	}
}

// NewPhaseCancelledEvent creates a phase.cancelled event.
func NewPhaseCancelledEvent(runID string, id int, name, reason string) PhaseEvent {
	return PhaseEvent{
		baseEvent: newBaseEvent(TypePhaseCancelled),
		RunID:     runID,
		PhaseID:   id,
		PhaseName: name,
		Reason:    reason,
	}
}

// NewPhaseResetEvent creates a phase.reset event for a phase invalidated by
// regeneration of an upstream phase.
func NewPhaseResetEvent(runID string, id int, name, reason string) PhaseEvent {
	return PhaseEvent{
		baseEvent: newBaseEvent(TypePhaseReset),
		RunID:     runID,
		PhaseID:   id,
		PhaseName: name,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Quality and Feedback Events
// -----------------------------------------------------------------------------

// QualityAssessedEvent is emitted after the quality gate judged a phase.
type QualityAssessedEvent struct {
	baseEvent
	RunID       string
	PhaseID     int
	Score       float64
	Passed      bool
	ShouldRetry bool
	Reason      string
}

// NewQualityAssessedEvent creates a QualityAssessedEvent.
func NewQualityAssessedEvent(runID string, id int, score float64, passed, shouldRetry bool, reason string) QualityAssessedEvent {
	return QualityAssessedEvent{
		baseEvent:   newBaseEvent(TypeQualityAssessed),
		RunID:       runID,
		PhaseID:     id,
		Score:       score,
		Passed:      passed,
		ShouldRetry: shouldRetry,
		Reason:      reason,
	}
}

// FeedbackEvent covers checkpoint requests, answers and timeouts.
type FeedbackEvent struct {
	baseEvent
	RunID    string
	PhaseID  int
	Timeout  time.Duration
	Approved bool
	Notes    string
}

// NewFeedbackRequestedEvent creates a feedback.requested event.
func NewFeedbackRequestedEvent(runID string, id int, timeout time.Duration) FeedbackEvent {
	return FeedbackEvent{
		baseEvent: newBaseEvent(TypeFeedbackRequested),
		RunID:     runID,
		PhaseID:   id,
		Timeout:   timeout,
	}
}

// NewFeedbackReceivedEvent creates a feedback.received event.
func NewFeedbackReceivedEvent(runID string, id int, approved bool, notes string) FeedbackEvent {
	return FeedbackEvent{
		baseEvent: newBaseEvent(TypeFeedbackReceived),
		RunID:     runID,
		PhaseID:   id,
		Approved:  approved,
		Notes:     notes,
	}
}

// NewFeedbackTimeoutEvent creates a feedback.timeout event.
func NewFeedbackTimeoutEvent(runID string, id int, timeout time.Duration) FeedbackEvent {
	return FeedbackEvent{
		baseEvent: newBaseEvent(TypeFeedbackTimeout),
		RunID:     runID,
		PhaseID:   id,
		Timeout:   timeout,
	}
}

// -----------------------------------------------------------------------------
// Progress Events
// -----------------------------------------------------------------------------

// ProgressUpdatedEvent mirrors a progress snapshot on the bus.
type ProgressUpdatedEvent struct {
	baseEvent
	RunID      string
	Completed  int
	Total      int
	Percentage float64
	Status     string
}

// NewProgressUpdatedEvent creates a ProgressUpdatedEvent.
func NewProgressUpdatedEvent(runID string, completed, total int, percentage float64, status string) ProgressUpdatedEvent {
	return ProgressUpdatedEvent{
		baseEvent:  newBaseEvent(TypeProgressUpdated),
		RunID:      runID,
		Completed:  completed,
		Total:      total,
		Percentage: percentage,
		Status:     status,
	}
}
