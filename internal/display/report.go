package display

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/progress"
	"github.com/Iron-Ham/phaseflow/internal/report"
	"github.com/Iron-Ham/phaseflow/internal/run"
)

// DefaultWidth is used when the terminal width is unknown.
const DefaultWidth = 80

// column widths of the phase table
const (
	colID      = 4
	colName    = 18
	colStatus  = 12
	colRetries = 9
	colTime    = 10
	colScore   = 7
)

// Report renders a final report.
func Report(rep *report.FinalReport, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	var sections []string

	header := Title.Render("Run "+rep.RunID) + "  " +
		RunStatusStyle(rep.Status).Render(strings.ToUpper(string(rep.Status)))
	sections = append(sections, header)

	summary := []string{
		field("Phases completed", fmt.Sprintf("%d/%d", rep.Completed, rep.Total)),
		field("Wall clock", rep.WallClock.Std().String()),
		field("Sequential estimate", rep.SequentialEstimate.Std().String()),
		field("Parallel efficiency", efficiency(rep)),
		field("Retries", fmt.Sprint(rep.TotalRetries)),
	}
	if rep.Quality.AverageScore != nil {
		summary = append(summary, field("Average quality", fmt.Sprintf("%.2f (min %.2f)", *rep.Quality.AverageScore, *rep.Quality.MinScore)))
	}
	if len(rep.ProcessedCheckpoints) > 0 {
		summary = append(summary, field("Reviewed phases", joinIDs(rep.ProcessedCheckpoints)))
	}
	if len(rep.Exhausted) > 0 {
		summary = append(summary, field("Retries exhausted", joinIDs(rep.Exhausted)))
	}
	sections = append(sections, Box.Width(width-2).Render(strings.Join(summary, "\n")))

	sections = append(sections, phaseTable(rep.Phases, width))

	if len(rep.Content) > 0 {
		sections = append(sections, Title.Render("Final content"), content(rep.Content, width))
	}
	if rep.Error != "" {
		sections = append(sections, Error.Render(ansi.Wordwrap("Error: "+rep.Error, width, " ")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func field(label, value string) string {
	return Label.Render(label) + value
}

func efficiency(rep *report.FinalReport) string {
	if rep.EfficiencyUndefined {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", rep.ParallelEfficiency*100)
}

func phaseTable(phases []report.PhaseSummary, width int) string {
	cell := func(s string, w int) string {
		return lipgloss.NewStyle().Width(w).Render(ansi.Truncate(s, w-1, "…"))
	}
	header := TableHeader.Render(
		cell("ID", colID) + cell("PHASE", colName) + cell("STATUS", colStatus) +
			cell("RETRIES", colRetries) + cell("TIME", colTime) + cell("SCORE", colScore) + "NOTE",
	)

	noteWidth := max(width-(colID+colName+colStatus+colRetries+colTime+colScore), 10)
	rows := []string{header}
	for _, p := range phases {
		score := "-"
		if p.QualityScore != nil {
			score = fmt.Sprintf("%.2f", *p.QualityScore)
		}
		note := p.Error
		if note == "" {
			note = p.CancelReason
		}
		if p.Retryable {
			note = "retryable: " + note
		}
		status := PhaseStatusStyle(p.Status).Render(PhaseIcon(p.Status) + " " + string(p.Status))
		rows = append(rows,
			cell(fmt.Sprint(p.ID), colID)+
				cell(p.Name, colName)+
				lipgloss.NewStyle().Width(colStatus).Render(status)+
				cell(fmt.Sprintf("%d/%d", p.RetryCount, p.MaxRetries), colRetries)+
				cell(formatDuration(p.Duration.Std()), colTime)+
				cell(score, colScore)+
				Muted.Render(ansi.Truncate(note, noteWidth, "…")),
		)
	}
	return strings.Join(rows, "\n")
}

// formatDuration rounds to the millisecond.
func formatDuration(d time.Duration) string {
	if d >= time.Millisecond {
		return d.Round(time.Millisecond).String()
	}
	return d.String()
}

func content(c map[string]any, width int) string {
	var lines []string
	for _, k := range slices.Sorted(maps.Keys(c)) {
		line := fmt.Sprintf("%s: %v", k, c[k])
		lines = append(lines, "  "+ansi.Truncate(line, width-2, "…"))
	}
	return strings.Join(lines, "\n")
}

// Progress renders a one-line progress summary.
func Progress(s progress.Snapshot, barWidth int) string {
	return fmt.Sprintf("%s %3.0f%% %d/%d %s",
		ProgressBar(s.Percentage, barWidth),
		s.Percentage,
		s.Completed,
		s.Total,
		RunStatusStyle(s.Status).Render(string(s.Status)),
	)
}

// ProgressBar renders a bar of width cells for percent in [0, 100].
func ProgressBar(percent float64, width int) string {
	percent = min(max(percent, 0), 100)
	filled := int(percent * float64(width) / 100)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

// Graph renders a plan graph as one line per phase with its dependencies,
// overlaying phase status from snap when it belongs to the same plan.
func Graph(g plan.Graph, snap run.Snapshot) string {
	deps := make(map[plan.PhaseID][]plan.PhaseID)
	for _, e := range g.Edges {
		deps[e.To] = append(deps[e.To], e.From)
	}

	var lines []string
	for _, n := range g.Nodes {
		var b strings.Builder
		icon := "○"
		if st, ok := snap.Phase(n.ID); ok {
			icon = PhaseStatusStyle(st.Status).Render(PhaseIcon(st.Status))
		}
		fmt.Fprintf(&b, "%s %d %s", icon, n.ID, n.Name)
		if len(deps[n.ID]) > 0 {
			b.WriteString(Muted.Render(" <- " + joinIDs(deps[n.ID])))
		}
		var tags []string
		if n.ParallelGroup != "" {
			tags = append(tags, "group="+n.ParallelGroup)
		}
		if n.Critical {
			tags = append(tags, "critical")
		}
		if n.Checkpoint {
			tags = append(tags, "checkpoint")
		}
		if len(tags) > 0 {
			b.WriteString(Muted.Render(" [" + strings.Join(tags, ", ") + "]"))
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n") + "\n"
}

func joinIDs(ids []plan.PhaseID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
