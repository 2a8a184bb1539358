// Package errors defines the error taxonomy of the pipeline engine: sentinel
// errors, typed errors carrying phase and plan context, and classification
// helpers used by the executor and scheduler to decide between retrying,
// recording a failure, and aborting a run.
//
// # Error Types
//
//   - InvalidPlanError: the plan failed validation and the run never starts
//   - PhaseExecutionError: a phase exhausted its attempts or failed permanently
//   - FeedbackTimeoutError: a human checkpoint timed out (recoverable)
//   - PartialCompletionError: no phase can make progress (deadlock)
//
// # Usage
//
//	err := errors.NewPhaseExecutionError(3, "characters", 3, cause)
//	if errors.Is(err, errors.ErrPhaseFailed) { ... }
//
//	var planErr *errors.InvalidPlanError
//	if errors.As(err, &planErr) {
//	    for _, p := range planErr.Problems { ... }
//	}
//
// Agents mark a failure as permanent with NonRetryable; the executor then
// stops retrying immediately.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	// SeverityCritical errors abort the run.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Plan sentinel errors
var (
	// ErrPlanInvalid indicates that a plan failed validation.
	ErrPlanInvalid = New("plan is invalid")
	// ErrDependencyCycle indicates a circular dependency between phases.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrUnknownPhase indicates a phase id that is not part of the plan.
	ErrUnknownPhase = New("unknown phase")
)

// Run sentinel errors
var (
	// ErrPhaseFailed indicates that a phase exhausted its attempts.
	ErrPhaseFailed = New("phase failed")
	// ErrDeadlock indicates that no pending phase can become ready.
	ErrDeadlock = New("pipeline deadlocked")
	// ErrRunCancelled indicates that the run was cancelled by the host.
	ErrRunCancelled = New("run cancelled")
	// ErrRunInProgress indicates an operation that requires an idle orchestrator.
	ErrRunInProgress = New("run in progress")
	// ErrNoRun indicates an operation that requires a previous run.
	ErrNoRun = New("no run available")
	// ErrNoAgent indicates that no agent is registered for a phase.
	ErrNoAgent = New("no agent registered for phase")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// PipelineError is implemented by every typed error in this package.
type PipelineError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	// IsRetryable reports whether repeating the operation may succeed.
	IsRetryable() bool
}

type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }

func (e *baseError) IsRetryable() bool { return e.retryable }

func formatContext(prefix string, parts []string, message string, cause error) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	switch {
	case message != "" && cause != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	case message != "":
		return fmt.Sprintf("%s: %s", prefix, message)
	case cause != nil:
		return fmt.Sprintf("%s: %v", prefix, cause)
	}
	return prefix
}

// -----------------------------------------------------------------------------
// InvalidPlanError
// -----------------------------------------------------------------------------

// InvalidPlanError lists every problem found while building a plan.
//
//	err := errors.NewInvalidPlanError([]string{"phase 2: unknown dependency 9"})
//	fmt.Println(err) // "invalid plan: phase 2: unknown dependency 9"
type InvalidPlanError struct {
	baseError
	Problems []string
	// Cycle holds the phase ids of a detected cycle, first id repeated last.
	Cycle []int
}

// NewInvalidPlanError creates an InvalidPlanError from a list of problems.
func NewInvalidPlanError(problems []string) *InvalidPlanError {
	return &InvalidPlanError{
		baseError: baseError{
			message:  "invalid plan",
			severity: SeverityCritical,
		},
		Problems: problems,
	}
}

// WithCycle records the phase ids of a dependency cycle.
func (e *InvalidPlanError) WithCycle(cycle []int) *InvalidPlanError {
	e.Cycle = cycle
	return e
}

// WithCause sets the underlying cause, such as a file read error.
func (e *InvalidPlanError) WithCause(cause error) *InvalidPlanError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *InvalidPlanError) Error() string {
	msg := "invalid plan"
	if len(e.Problems) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(e.Problems, "; "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Is matches ErrPlanInvalid, ErrDependencyCycle (when a cycle was found)
// and any *InvalidPlanError.
func (e *InvalidPlanError) Is(target error) bool {
	if _, ok := target.(*InvalidPlanError); ok {
		return true
	}
	if target == ErrPlanInvalid {
		return true
	}
	if target == ErrDependencyCycle && len(e.Cycle) > 0 {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// PhaseExecutionError
// -----------------------------------------------------------------------------

// PhaseExecutionError reports a phase that failed after one or more attempts.
//
//	err := errors.NewPhaseExecutionError(2, "narrative", 3, cause)
//	fmt.Println(err) // "phase error [phase=2, name=narrative, attempts=3]: agent failed: <cause>"
type PhaseExecutionError struct {
	baseError
	PhaseID   int
	PhaseName string
	Attempts  int
}

// NewPhaseExecutionError creates a PhaseExecutionError.
func NewPhaseExecutionError(phaseID int, name string, attempts int, cause error) *PhaseExecutionError {
	return &PhaseExecutionError{
		baseError: baseError{
			message:  "agent failed",
			cause:    cause,
			severity: SeverityError,
		},
		PhaseID:   phaseID,
		PhaseName: name,
		Attempts:  attempts,
	}
}

// WithRetryable marks whether a later execution of the phase, e.g. a
// regeneration with a fresh budget, may succeed.
func (e *PhaseExecutionError) WithRetryable(r bool) *PhaseExecutionError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *PhaseExecutionError) Error() string {
	parts := []string{fmt.Sprintf("phase=%d", e.PhaseID)}
	if e.PhaseName != "" {
		parts = append(parts, "name="+e.PhaseName)
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	return formatContext("phase error", parts, e.message, e.cause)
}

// Is matches ErrPhaseFailed and any *PhaseExecutionError.
func (e *PhaseExecutionError) Is(target error) bool {
	if _, ok := target.(*PhaseExecutionError); ok {
		return true
	}
	if target == ErrPhaseFailed {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// FeedbackTimeoutError
// -----------------------------------------------------------------------------

// FeedbackTimeoutError reports a checkpoint whose reviewer did not answer in time.
// It is recoverable: the run proceeds with the unadjusted output.
type FeedbackTimeoutError struct {
	baseError
	PhaseID int
	Timeout time.Duration
}

// NewFeedbackTimeoutError creates a FeedbackTimeoutError.
func NewFeedbackTimeoutError(phaseID int, timeout time.Duration) *FeedbackTimeoutError {
	return &FeedbackTimeoutError{
		baseError: baseError{
			message:  "no feedback received",
			severity: SeverityWarning,
		},
		PhaseID: phaseID,
		Timeout: timeout,
	}
}

// WithCause adds a cause to the error.
func (e *FeedbackTimeoutError) WithCause(cause error) *FeedbackTimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *FeedbackTimeoutError) Error() string {
	parts := []string{fmt.Sprintf("phase=%d", e.PhaseID), "timeout=" + e.Timeout.String()}
	return formatContext("feedback timeout", parts, e.message, e.cause)
}

// Is matches ErrTimeout and any *FeedbackTimeoutError.
func (e *FeedbackTimeoutError) Is(target error) bool {
	if _, ok := target.(*FeedbackTimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// PartialCompletionError
// -----------------------------------------------------------------------------

// PartialCompletionError is returned when the scheduler finds no ready phase
// while some phases are still not terminal. Completed results are kept.
type PartialCompletionError struct {
	baseError
	Completed []int
	Failed    []int
	Blocked   []int
}

// NewPartialCompletionError creates a PartialCompletionError. The id lists are
// copied and sorted.
func NewPartialCompletionError(completed, failed, blocked []int) *PartialCompletionError {
	return &PartialCompletionError{
		baseError: baseError{
			message:  "no phase can make progress",
			severity: SeverityCritical,
		},
		Completed: sortedCopy(completed),
		Failed:    sortedCopy(failed),
		Blocked:   sortedCopy(blocked),
	}
}

// Error returns the formatted error message.
func (e *PartialCompletionError) Error() string {
	parts := []string{
		fmt.Sprintf("completed=%v", e.Completed),
		fmt.Sprintf("failed=%v", e.Failed),
		fmt.Sprintf("blocked=%v", e.Blocked),
	}
	return formatContext("partial completion", parts, e.message, e.cause)
}

// Is matches ErrDeadlock and any *PartialCompletionError.
func (e *PartialCompletionError) Is(target error) bool {
	if _, ok := target.(*PartialCompletionError); ok {
		return true
	}
	if target == ErrDeadlock {
		return true
	}
	return e.baseError.Is(target)
}

func sortedCopy(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	return out
}

// -----------------------------------------------------------------------------
// Permanent failures
// -----------------------------------------------------------------------------

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err as permanent. The executor stops retrying a phase
// whose agent returns such an error. Returns nil for a nil err.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return As(err, &nr)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether err is a transient failure. Errors marked with
// NonRetryable never are; typed errors answer for themselves; timeouts are.
func IsRetryable(err error) bool {
	if err == nil || IsNonRetryable(err) {
		return false
	}
	var pe PipelineError
	if As(err, &pe) {
		return pe.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsFatal reports whether err aborts a run: invalid plans, deadlocks,
// cancellation, and anything with critical severity.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrPlanInvalid) || Is(err, ErrDeadlock) || Is(err, ErrRunCancelled) {
		return true
	}
	return GetSeverity(err) == SeverityCritical
}

// GetSeverity returns the severity of err. Untyped errors are SeverityError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var pe PipelineError
	if As(err, &pe) {
		return pe.Severity()
	}
	return SeverityError
}
