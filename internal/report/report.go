// Package report compiles the final report of a finished run: timings,
// parallel efficiency, per-phase summaries and the content produced by the
// last phase.
package report

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/run"
)

// maxValueLen truncates long string outputs in summaries.
const maxValueLen = 160

// Duration is a time.Duration that serializes as "1.5s".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PhaseSummary describes how one phase ended.
type PhaseSummary struct {
	ID           plan.PhaseID    `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	Status       run.PhaseStatus `json:"status" yaml:"status"`
	RetryCount   int             `json:"retry_count" yaml:"retry_count"`
	MaxRetries   int             `json:"max_retries" yaml:"max_retries"`
	Attempts     int             `json:"attempts" yaml:"attempts"`
	Duration     Duration        `json:"duration" yaml:"duration"`
	QualityScore *float64        `json:"quality_score,omitempty" yaml:"quality_score,omitempty"`
	Error        string          `json:"error,omitempty" yaml:"error,omitempty"`
	Retryable    bool            `json:"retryable,omitempty" yaml:"retryable,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty" yaml:"cancel_reason,omitempty"`
	KeyOutputs   map[string]any  `json:"key_outputs,omitempty" yaml:"key_outputs,omitempty"`
}

// QualitySummary aggregates quality scores across phases.
type QualitySummary struct {
	AverageScore *float64     `json:"average_score,omitempty" yaml:"average_score,omitempty"`
	MinScore     *float64     `json:"min_score,omitempty" yaml:"min_score,omitempty"`
	Scored       int          `json:"scored" yaml:"scored"`
	FinalPhase   plan.PhaseID `json:"final_phase,omitempty" yaml:"final_phase,omitempty"`
	FinalScore   *float64     `json:"final_score,omitempty" yaml:"final_score,omitempty"`
}

// FinalReport is the outcome of a run.
type FinalReport struct {
	RunID     string     `json:"run_id" yaml:"run_id"`
	Status    run.Status `json:"status" yaml:"status"`
	StartedAt time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time  `json:"ended_at" yaml:"ended_at"`

	WallClock          Duration `json:"wall_clock" yaml:"wall_clock"`
	SequentialEstimate Duration `json:"sequential_estimate" yaml:"sequential_estimate"`
	// ParallelEfficiency is 1 - wall/sequential. It is not clamped: a run
	// dominated by feedback waits or backoff can go negative.
	ParallelEfficiency  float64 `json:"parallel_efficiency" yaml:"parallel_efficiency"`
	EfficiencyUndefined bool    `json:"efficiency_undefined,omitempty" yaml:"efficiency_undefined,omitempty"`

	Completed    int                     `json:"completed" yaml:"completed"`
	Total        int                     `json:"total" yaml:"total"`
	TotalRetries int                     `json:"total_retries" yaml:"total_retries"`
	StatusCounts map[run.PhaseStatus]int `json:"status_counts" yaml:"status_counts"`
	// Exhausted lists the failed phases that spent their retry budget.
	Exhausted    []plan.PhaseID          `json:"exhausted,omitempty" yaml:"exhausted,omitempty"`
	Phases       []PhaseSummary          `json:"phases" yaml:"phases"`

	Quality              QualitySummary `json:"quality" yaml:"quality"`
	Content              map[string]any `json:"content,omitempty" yaml:"content,omitempty"`
	ProcessedCheckpoints []plan.PhaseID `json:"processed_checkpoints,omitempty" yaml:"processed_checkpoints,omitempty"`
	Error                string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Succeeded reports whether the run completed.
func (r *FinalReport) Succeeded() bool {
	return r.Status == run.StatusCompleted
}

// Phase returns the summary of one phase.
func (r *FinalReport) Phase(id plan.PhaseID) (PhaseSummary, bool) {
	for _, p := range r.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return PhaseSummary{}, false
}

// Compile builds the report for r. It is meant to be called once r has
// reached a terminal status; for a run still in progress the wall clock is
// measured up to now.
func Compile(r *run.PipelineRun) *FinalReport {
	return CompileAt(r, time.Now())
}

// CompileAt is Compile with now supplied by the caller's clock.
func CompileAt(r *run.PipelineRun, now time.Time) *FinalReport {
	start, end := r.Times()
	if end.IsZero() {
		end = now
	}
	rep := &FinalReport{
		RunID:                r.ID(),
		Status:               r.Status(),
		StartedAt:            start,
		EndedAt:              end,
		StatusCounts:         r.Counts(),
		Total:                r.Plan().Len(),
		ProcessedCheckpoints: r.ProcessedCheckpoints(),
	}
	// A completed phase whose quality re-execution failed keeps its result.
	for _, id := range r.Retries().Exhausted() {
		if ps, ok := r.Phase(id); ok && ps.Status == run.PhaseFailed {
			rep.Exhausted = append(rep.Exhausted, id)
		}
	}
	if err := r.Err(); err != nil {
		rep.Error = err.Error()
	}
	if !start.IsZero() {
		rep.WallClock = Duration(end.Sub(start))
	}

	var sequential time.Duration
	var scores []float64
	minScore := 1.0
	for _, ps := range r.Phases() {
		d := ps.Duration()
		sequential += d
		rep.TotalRetries += ps.RetryCount
		if ps.Status == run.PhaseCompleted {
			rep.Completed++
		}
		if ps.QualityScore != nil {
			scores = append(scores, *ps.QualityScore)
			minScore = min(minScore, *ps.QualityScore)
		}
		rep.Phases = append(rep.Phases, PhaseSummary{
			ID:           ps.ID,
			Name:         ps.Name,
			Status:       ps.Status,
			RetryCount:   ps.RetryCount,
			MaxRetries:   ps.MaxRetries,
			Attempts:     ps.Attempts,
			Duration:     Duration(d),
			QualityScore: ps.QualityScore,
			Error:        ps.LastError,
			Retryable:    ps.Retryable,
			CancelReason: ps.CancelReason,
			KeyOutputs:   KeyOutputs(ps.Result),
		})
	}
	rep.SequentialEstimate = Duration(sequential)
	rep.ParallelEfficiency, rep.EfficiencyUndefined = Efficiency(rep.WallClock.Std(), sequential)

	rep.Quality.Scored = len(scores)
	if len(scores) > 0 {
		var sum float64
		for _, s := range scores {
			sum += s
		}
		avg := sum / float64(len(scores))
		rep.Quality.AverageScore = &avg
		rep.Quality.MinScore = &minScore
	}

	if final, ok := finalPhase(r.Plan()); ok {
		rep.Quality.FinalPhase = final
		if ps, ok := r.Phase(final); ok && ps.Status == run.PhaseCompleted {
			rep.Quality.FinalScore = ps.QualityScore
			rep.Content = KeyOutputs(ps.Result)
		}
	}
	return rep
}

// Efficiency returns 1 - wall/sequential. The second result is true, and
// the efficiency zero, when sequential is zero.
func Efficiency(wall, sequential time.Duration) (float64, bool) {
	if sequential <= 0 {
		return 0, true
	}
	return 1 - float64(wall)/float64(sequential), false
}

// finalPhase is the last phase in topological order: the sink the content
// summary is taken from.
func finalPhase(p *plan.ExecutionPlan) (plan.PhaseID, bool) {
	order := p.TopologicalOrder()
	if len(order) == 0 {
		return 0, false
	}
	return order[len(order)-1], true
}

// KeyOutputs keeps the scalar values of an output and truncates long
// strings. Nested values are summarized by size.
func KeyOutputs(out map[string]any) map[string]any {
	if len(out) == 0 {
		return nil
	}
	keys := slices.Sorted(maps.Keys(out))
	summary := make(map[string]any, len(keys))
	for _, k := range keys {
		switch v := out[k].(type) {
		case string:
			summary[k] = truncate(v, maxValueLen)
		case bool, int, int64, float64, float32:
			summary[k] = v
		case []string:
			summary[k] = fmt.Sprintf("[%d items]", len(v))
		case []any:
			summary[k] = fmt.Sprintf("[%d items]", len(v))
		case map[string]any:
			summary[k] = fmt.Sprintf("{%d keys}", len(v))
		case nil:
		default:
			summary[k] = truncate(fmt.Sprint(v), maxValueLen)
		}
	}
	return summary
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

// JSON returns the report as indented JSON.
func (r *FinalReport) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// YAML returns the report as YAML.
func (r *FinalReport) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}
