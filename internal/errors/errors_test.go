package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// InvalidPlanError Tests
// -----------------------------------------------------------------------------

func TestInvalidPlanError(t *testing.T) {
	err := NewInvalidPlanError([]string{"phase 2: unknown dependency 9", "phase 3: depends on itself"})

	want := "invalid plan: phase 2: unknown dependency 9; phase 3: depends on itself"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrPlanInvalid) {
		t.Error("errors.Is(err, ErrPlanInvalid) = false")
	}
	if errors.Is(err, ErrDependencyCycle) {
		t.Error("plan without cycle should not match ErrDependencyCycle")
	}
	if !IsFatal(err) {
		t.Error("IsFatal() = false, want true")
	}
}

func TestInvalidPlanError_WithCycle(t *testing.T) {
	err := NewInvalidPlanError([]string{"cycle: 1 -> 2 -> 1"}).WithCycle([]int{1, 2, 1})
	if !errors.Is(err, ErrDependencyCycle) {
		t.Error("errors.Is(err, ErrDependencyCycle) = false")
	}

	var planErr *InvalidPlanError
	wrapped := fmt.Errorf("build: %w", err)
	if !errors.As(wrapped, &planErr) {
		t.Fatal("errors.As failed on wrapped error")
	}
	if len(planErr.Cycle) != 3 {
		t.Errorf("Cycle = %v", planErr.Cycle)
	}
}

func TestInvalidPlanError_WithCause(t *testing.T) {
	cause := errors.New("file not found")
	err := NewInvalidPlanError(nil).WithCause(cause)
	if got := err.Error(); got != "invalid plan: file not found" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through errors.Is")
	}
}

// -----------------------------------------------------------------------------
// PhaseExecutionError Tests
// -----------------------------------------------------------------------------

func TestPhaseExecutionError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *PhaseExecutionError
		want string
	}{
		{
			name: "full context",
			err:  NewPhaseExecutionError(2, "narrative", 3, errors.New("boom")),
			want: "phase error [phase=2, name=narrative, attempts=3]: agent failed: boom",
		},
		{
			name: "no name or attempts",
			err:  NewPhaseExecutionError(4, "", 0, nil),
			want: "phase error [phase=4]: agent failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPhaseExecutionError_Classification(t *testing.T) {
	err := NewPhaseExecutionError(1, "concept", 3, context.DeadlineExceeded)

	if !errors.Is(err, ErrPhaseFailed) {
		t.Error("errors.Is(err, ErrPhaseFailed) = false")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("cause not matched")
	}
	if IsFatal(err) {
		t.Error("default severity should not be fatal")
	}
	if IsRetryable(err) {
		t.Error("default should not be retryable")
	}

	err.WithRetryable(true)
	if !IsRetryable(err) {
		t.Error("WithRetryable(true) not honored")
	}
	if IsRetryable(fmt.Errorf("run: %w", NonRetryable(err))) {
		t.Error("NonRetryable must override the retryable flag")
	}
}

// -----------------------------------------------------------------------------
// FeedbackTimeoutError Tests
// -----------------------------------------------------------------------------

func TestFeedbackTimeoutError(t *testing.T) {
	err := NewFeedbackTimeoutError(5, 30*time.Second)

	want := "feedback timeout [phase=5, timeout=30s]: no feedback received"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false")
	}
	if IsFatal(err) {
		t.Error("feedback timeout must not be fatal")
	}
	if GetSeverity(err) != SeverityWarning {
		t.Errorf("GetSeverity() = %v, want warning", GetSeverity(err))
	}

	withCause := NewFeedbackTimeoutError(5, time.Second).WithCause(context.DeadlineExceeded)
	if !errors.Is(withCause, context.DeadlineExceeded) {
		t.Error("cause not matched")
	}
}

// -----------------------------------------------------------------------------
// PartialCompletionError Tests
// -----------------------------------------------------------------------------

func TestPartialCompletionError(t *testing.T) {
	completed := []int{2, 1}
	err := NewPartialCompletionError(completed, []int{3}, []int{5, 4})
	completed[0] = 99

	want := "partial completion [completed=[1 2], failed=[3], blocked=[4 5]]: no phase can make progress"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrDeadlock) {
		t.Error("errors.Is(err, ErrDeadlock) = false")
	}
	if !IsFatal(err) {
		t.Error("IsFatal() = false, want true")
	}
}

// -----------------------------------------------------------------------------
// Classification Helper Tests
// -----------------------------------------------------------------------------

func TestNonRetryable(t *testing.T) {
	if NonRetryable(nil) != nil {
		t.Error("NonRetryable(nil) should be nil")
	}

	cause := errors.New("quota exhausted")
	err := fmt.Errorf("agent: %w", NonRetryable(cause))

	if !IsNonRetryable(err) {
		t.Error("IsNonRetryable() = false through wrapping")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable")
	}
	if err.Error() != "agent: quota exhausted" {
		t.Errorf("Error() = %q", err.Error())
	}
	if IsRetryable(NonRetryable(ErrTimeout)) {
		t.Error("NonRetryable must override timeout retryability")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"timeout sentinel", fmt.Errorf("wait: %w", ErrTimeout), true},
		{"retryable phase error", NewPhaseExecutionError(1, "", 1, nil).WithRetryable(true), true},
		{"plan error", NewInvalidPlanError(nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"cancelled", fmt.Errorf("stop: %w", ErrRunCancelled), true},
		{"deadlock sentinel", ErrDeadlock, true},
		{"plan sentinel", ErrPlanInvalid, true},
		{"feedback timeout", NewFeedbackTimeoutError(1, time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.want {
				t.Errorf("IsFatal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	if GetSeverity(nil) != SeverityDebug {
		t.Error("nil should be debug")
	}
	if GetSeverity(errors.New("x")) != SeverityError {
		t.Error("untyped should be error")
	}
	if GetSeverity(fmt.Errorf("w: %w", NewInvalidPlanError(nil))) != SeverityCritical {
		t.Error("wrapped plan error should be critical")
	}
}
