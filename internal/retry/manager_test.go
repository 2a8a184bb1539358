package retry

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/phaseflow/internal/plan"
)

func TestNewManager(t *testing.T) {
	m := NewManager()
	if m == nil {
		t.Fatal("NewManager() returned nil")
	}
	if m.states == nil {
		t.Error("NewManager() states map is nil")
	}
}

func TestTrack(t *testing.T) {
	tests := []struct {
		name       string
		phaseID    plan.PhaseID
		maxRetries int
		callTwice  bool
	}{
		{name: "create new state", phaseID: 1, maxRetries: 3},
		{name: "get existing state", phaseID: 2, maxRetries: 5, callTwice: true},
		{name: "zero max retries", phaseID: 3, maxRetries: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()

			s := m.Track(tt.phaseID, tt.maxRetries)
			if s.PhaseID != tt.phaseID {
				t.Errorf("PhaseID = %d, want %d", s.PhaseID, tt.phaseID)
			}
			if s.MaxRetries != tt.maxRetries {
				t.Errorf("MaxRetries = %d, want %d", s.MaxRetries, tt.maxRetries)
			}
			if s.RetryCount != 0 {
				t.Errorf("RetryCount = %d, want 0", s.RetryCount)
			}

			if tt.callTwice {
				// budget must not change on a second call
				s2 := m.Track(tt.phaseID, tt.maxRetries+10)
				if s2.MaxRetries != tt.maxRetries {
					t.Errorf("MaxRetries changed on second call: got %d, want %d", s2.MaxRetries, tt.maxRetries)
				}
			}
		})
	}
}

func TestState(t *testing.T) {
	m := NewManager()

	if _, ok := m.State(9); ok {
		t.Error("State() for untracked phase should report false")
	}

	m.Track(1, 3)
	s, ok := m.State(1)
	if !ok {
		t.Fatal("State() for tracked phase reported false")
	}
	if s.PhaseID != 1 {
		t.Errorf("PhaseID = %d, want 1", s.PhaseID)
	}
}

func TestRecordRetry_NeverExceedsBudget(t *testing.T) {
	m := NewManager()
	m.Track(1, 2)

	var granted int
	for range 5 {
		if m.RecordRetry(1) {
			granted++
		}
	}
	s, _ := m.State(1)
	if granted != 2 || s.RetryCount != 2 {
		t.Errorf("granted %d retries, RetryCount = %d; want 2 and 2", granted, s.RetryCount)
	}
	if s.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", s.Remaining())
	}
	if m.RecordRetry(42) {
		t.Error("RecordRetry() on untracked phase should report false")
	}
}

func TestRecordAttempt(t *testing.T) {
	m := NewManager()
	m.Track(1, 2)

	m.RecordAttempt(1, false, 10*time.Millisecond, errors.New("boom"))
	m.RecordAttempt(1, true, 20*time.Millisecond, nil)

	s, _ := m.State(1)
	if s.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", s.Attempts)
	}
	if !s.Succeeded {
		t.Error("Succeeded = false after successful attempt")
	}
	if s.LastError != "" {
		t.Errorf("LastError = %q, want cleared on success", s.LastError)
	}
	if !slices.Equal(s.Durations, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}) {
		t.Errorf("Durations = %v", s.Durations)
	}

	// untracked phases are ignored
	m.RecordAttempt(5, false, 0, errors.New("x"))
	if _, ok := m.State(5); ok {
		t.Error("RecordAttempt() should not create state")
	}
}

func TestSetLastError(t *testing.T) {
	m := NewManager()
	m.Track(1, 3)
	m.SetLastError(1, "quality below threshold")

	s, _ := m.State(1)
	if s.LastError != "quality below threshold" {
		t.Errorf("LastError = %q", s.LastError)
	}
}

func TestExhausted(t *testing.T) {
	m := NewManager()

	// phase 1: exhausted
	m.Track(1, 1)
	m.RecordAttempt(1, false, 0, errors.New("a"))
	m.RecordRetry(1)
	m.RecordAttempt(1, false, 0, errors.New("b"))

	// phase 2: still has budget
	m.Track(2, 3)
	m.RecordAttempt(2, false, 0, errors.New("c"))
	m.RecordRetry(2)

	// phase 3: succeeded after a retry
	m.Track(3, 3)
	m.RecordAttempt(3, false, 0, errors.New("d"))
	m.RecordRetry(3)
	m.RecordAttempt(3, true, 0, nil)

	// phase 4: no budget, one failure
	m.Track(4, 0)
	m.RecordAttempt(4, false, 0, errors.New("e"))

	if got := m.Exhausted(); !slices.Equal(got, []plan.PhaseID{1, 4}) {
		t.Errorf("Exhausted() = %v, want [1 4]", got)
	}
}

func TestReset(t *testing.T) {
	m := NewManager()
	m.Track(1, 2)
	m.RecordRetry(1)
	m.RecordRetry(1)

	m.Reset(1)
	if _, ok := m.State(1); ok {
		t.Error("state still present after Reset()")
	}
	s := m.Track(1, 2)
	if s.RetryCount != 0 {
		t.Errorf("RetryCount after Reset = %d, want 0", s.RetryCount)
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup

	for i := range 10 {
		id := plan.PhaseID(i%3 + 1)
		wg.Go(func() {
			m.Track(id, 100)
			m.RecordAttempt(id, false, time.Millisecond, errors.New("x"))
			m.RecordRetry(id)
			m.State(id)
			m.Exhausted()
		})
	}
	wg.Wait()

	total := 0
	for id := range plan.PhaseID(3) {
		s, _ := m.State(id + 1)
		total += s.Attempts
	}
	if total != 10 {
		t.Errorf("total attempts = %d, want 10", total)
	}
}

func TestRetryWorkflow(t *testing.T) {
	// Three failures against a budget of two: the final count is two.
	m := NewManager()
	m.Track(2, 2)

	for attempt := range 3 {
		m.RecordAttempt(2, false, 0, errors.New("agent failed"))
		if s, _ := m.State(2); s.Remaining() == 0 {
			if attempt != 2 {
				t.Errorf("budget exhausted at attempt %d, want 2", attempt)
			}
			break
		}
		m.RecordRetry(2)
	}

	s, _ := m.State(2)
	if s.RetryCount != 2 || s.Attempts != 3 {
		t.Errorf("RetryCount = %d, Attempts = %d; want 2 and 3", s.RetryCount, s.Attempts)
	}
}
