// Package display renders run reports, progress and plan graphs for the
// terminal with lipgloss.
package display

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/phaseflow/internal/run"
)

var (
	// Colors meet WCAG AA contrast on dark terminals.
	PrimaryColor = lipgloss.Color("#A78BFA") // Purple
	GreenColor   = lipgloss.Color("#10B981")
	RedColor     = lipgloss.Color("#F87171")
	BlueColor    = lipgloss.Color("#60A5FA")
	YellowColor  = lipgloss.Color("#FBBF24")
	MutedColor   = lipgloss.Color("#9CA3AF")
	BorderColor  = lipgloss.Color("#6B7280")

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor)

	Muted = lipgloss.NewStyle().Foreground(MutedColor)
	Label = lipgloss.NewStyle().Foreground(MutedColor).Width(22)
	Error = lipgloss.NewStyle().Foreground(RedColor)

	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(BorderColor).
		Padding(0, 1)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(MutedColor).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(BorderColor)
)

// RunStatusStyle returns the style for a run status.
func RunStatusStyle(s run.Status) lipgloss.Style {
	switch s {
	case run.StatusCompleted:
		return lipgloss.NewStyle().Foreground(GreenColor).Bold(true)
	case run.StatusFailed:
		return lipgloss.NewStyle().Foreground(RedColor).Bold(true)
	case run.StatusCancelled:
		return lipgloss.NewStyle().Foreground(YellowColor).Bold(true)
	case run.StatusRunning, run.StatusParallelExecution:
		return lipgloss.NewStyle().Foreground(BlueColor).Bold(true)
	case run.StatusWaitingFeedback:
		return lipgloss.NewStyle().Foreground(YellowColor)
	default:
		return Muted
	}
}

// PhaseStatusStyle returns the style for a phase status.
func PhaseStatusStyle(s run.PhaseStatus) lipgloss.Style {
	switch s {
	case run.PhaseCompleted:
		return lipgloss.NewStyle().Foreground(GreenColor)
	case run.PhaseFailed:
		return lipgloss.NewStyle().Foreground(RedColor)
	case run.PhaseCancelled:
		return lipgloss.NewStyle().Foreground(YellowColor)
	case run.PhaseRunning:
		return lipgloss.NewStyle().Foreground(BlueColor)
	default:
		return Muted
	}
}

// PhaseIcon returns a one-character indicator for a phase status.
func PhaseIcon(s run.PhaseStatus) string {
	switch s {
	case run.PhaseCompleted:
		return "✓"
	case run.PhaseFailed:
		return "✗"
	case run.PhaseCancelled:
		return "⊘"
	case run.PhaseRunning:
		return "⟳"
	default:
		return "○"
	}
}
