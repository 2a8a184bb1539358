// Package retry tracks per-phase retry budgets and computes backoff delays.
//
// A phase gets MaxRetries retries after its first attempt. RetryCount only
// grows while it is below MaxRetries, so it can never exceed the budget.
package retry

import (
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/phaseflow/internal/plan"
)

// PhaseState tracks retry attempts for a phase.
type PhaseState struct {
	PhaseID    plan.PhaseID `json:"phase_id"`
	RetryCount int          `json:"retry_count"`
	MaxRetries int          `json:"max_retries"`
	// Attempts counts every agent invocation, including the first.
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Succeeded bool            `json:"succeeded,omitempty"`
	Durations []time.Duration `json:"durations,omitempty"` // per attempt
}

// Remaining returns how many retries are left.
func (s PhaseState) Remaining() int {
	return max(0, s.MaxRetries-s.RetryCount)
}

func (s *PhaseState) clone() *PhaseState {
	c := *s
	c.Durations = slices.Clone(s.Durations)
	return &c
}

// Manager manages retry state for phases.
// It is thread-safe and can be used concurrently.
type Manager struct {
	mu     sync.RWMutex
	states map[plan.PhaseID]*PhaseState
}

// NewManager creates a new retry manager.
func NewManager() *Manager {
	return &Manager{states: make(map[plan.PhaseID]*PhaseState)}
}

// Track creates the state for a phase if missing and returns a copy of it.
func (m *Manager) Track(id plan.PhaseID, maxRetries int) PhaseState {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]
	if !ok {
		s = &PhaseState{PhaseID: id, MaxRetries: maxRetries}
		m.states[id] = s
	}
	return *s.clone()
}

// State returns a copy of the state for a phase.
func (m *Manager) State(id plan.PhaseID) (PhaseState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[id]
	if !ok {
		return PhaseState{}, false
	}
	return *s.clone(), true
}

// RecordAttempt records the end of one agent invocation.
func (m *Manager) RecordAttempt(id plan.PhaseID, success bool, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]
	if !ok {
		return
	}
	s.Attempts++
	s.Durations = append(s.Durations, d)
	if success {
		s.Succeeded = true
		s.LastError = ""
		return
	}
	if err != nil {
		s.LastError = err.Error()
	}
}

// RecordRetry consumes one retry. It reports false, and changes nothing,
// when the budget is already spent.
func (m *Manager) RecordRetry(id plan.PhaseID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]
	if !ok || s.RetryCount >= s.MaxRetries {
		return false
	}
	s.RetryCount++
	return true
}

// Reopen clears the success flag so that a completed phase can be retried,
// e.g. after a failed quality check. The retry count is kept.
func (m *Manager) Reopen(id plan.PhaseID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[id]; ok {
		s.Succeeded = false
	}
}

// SetLastError sets the last error message for a phase.
func (m *Manager) SetLastError(id plan.PhaseID, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[id]; ok {
		s.LastError = msg
	}
}

// Exhausted returns the phases that spent their budget without succeeding,
// ascending.
func (m *Manager) Exhausted() []plan.PhaseID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []plan.PhaseID
	for id, s := range m.states {
		if !s.Succeeded && s.Attempts > 0 && s.RetryCount >= s.MaxRetries {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Reset forgets a phase. The next Track starts from a fresh budget.
func (m *Manager) Reset(id plan.PhaseID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
}
