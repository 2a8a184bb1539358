package run

import (
	"time"

	"github.com/Iron-Ham/phaseflow/internal/plan"
)

// Snapshot is a read-only view of a run at one instant.
type Snapshot struct {
	RunID                string         `json:"run_id"`
	Status               Status         `json:"status"`
	Completed            int            `json:"completed"`
	Total                int            `json:"total"`
	Percent              float64        `json:"percent"`
	Phases               []PhaseState   `json:"phases"`
	ProcessedCheckpoints []plan.PhaseID `json:"processed_checkpoints,omitempty"`
	StartedAt            time.Time      `json:"started_at,omitzero"`
	EndedAt              time.Time      `json:"ended_at,omitzero"`
	Error                string         `json:"error,omitempty"`
}

// Percent returns completed/total as a percentage. An empty plan is 0%.
func Percent(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

// Snapshot captures the current state of the run.
func (r *PipelineRun) Snapshot() Snapshot {
	phases := r.Phases()
	completed := 0
	for _, p := range phases {
		if p.Status == PhaseCompleted {
			completed++
		}
	}
	start, end := r.Times()
	s := Snapshot{
		RunID:                r.id,
		Status:               r.Status(),
		Completed:            completed,
		Total:                len(phases),
		Percent:              Percent(completed, len(phases)),
		Phases:               phases,
		ProcessedCheckpoints: r.ProcessedCheckpoints(),
		StartedAt:            start,
		EndedAt:              end,
	}
	if err := r.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

// Phase returns the snapshot of one phase.
func (s Snapshot) Phase(id plan.PhaseID) (PhaseState, bool) {
	for _, p := range s.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return PhaseState{}, false
}
