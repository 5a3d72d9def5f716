package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/testroom-dev/testroom/internal/session"
)

const (
	primaryColor   = "#7C3AED" // Purple
	secondaryColor = "#10B981" // Green
	warningColor   = "#F59E0B" // Amber
	errorColor     = "#EF4444" // Red
	dimColor       = "#6B7280" // Gray
)

var (
	// TitleStyle renders titles in primary color with bold.
	TitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(primaryColor)).
			Bold(true)

	// DimStyle renders dim/muted text.
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(dimColor))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(secondaryColor))

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(errorColor))

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(warningColor))

	// StatusBarStyle provides styling for the status bar.
	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#1F2937")).
			Foreground(lipgloss.Color("#9CA3AF")).
			Padding(0, 1)

	tableBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(dimColor))
)

// StatusIcon returns a one-glyph marker for a session status.
func StatusIcon(s session.Status) string {
	switch s {
	case session.StatusRunning:
		return "\u25b8"
	case session.StatusTerminated:
		return "\u2713"
	case session.StatusExpired, session.StatusStopping:
		return "\u25cc"
	case session.StatusPending:
		return "\u25cb"
	default:
		return "\u2026"
	}
}

// VerdictText renders a verdict, colored when it is decisive.
func VerdictText(v session.Verdict) string {
	switch v {
	case session.VerdictPass:
		return SuccessStyle.Render(string(v))
	case session.VerdictFail:
		return ErrorStyle.Render(string(v))
	case "":
		return "-"
	default:
		return DimStyle.Render(string(v))
	}
}
