package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/kylemclaren/device-tasks/internal/db"
)

var (
	// palette
	slateBlue = lipgloss.Color("#6a9bcc")
	amber     = lipgloss.Color("#d9a557")
	moss      = lipgloss.Color("#788c5d")
	midGray   = lipgloss.Color("#b0aea5")
	brick     = lipgloss.Color("#c45c4a")

	primaryColor = slateBlue
	accentColor  = slateBlue
	successColor = moss
	errorColor   = brick
	warningColor = amber
	dimTextColor = midGray

	appStyle = lipgloss.NewStyle().
			Padding(1, 2)

	logoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	// Status indicators
	statusOK = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	statusFail = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	statusRunning = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	statusPending = lipgloss.NewStyle().
			Foreground(dimTextColor)

	statusCanceled = lipgloss.NewStyle().
			Foreground(dimTextColor).
			Strikethrough(true)

	// Help
	helpKeyStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(dimTextColor)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(dimTextColor).
			Italic(true)

	errorMsgStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	successMsgStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	filterStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	emptyBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(dimTextColor).
			Foreground(dimTextColor).
			Padding(2, 4).
			Align(lipgloss.Center)
)

func statusStyle(s db.TaskStatus) lipgloss.Style {
	switch s {
	case db.TaskSuccess:
		return statusOK
	case db.TaskFailed:
		return statusFail
	case db.TaskRunning:
		return statusRunning
	case db.TaskCanceled:
		return statusCanceled
	default:
		return statusPending
	}
}

// statusLabel is the plain table cell for a status
func statusLabel(s db.TaskStatus) string {
	switch s {
	case db.TaskSuccess:
		return "✓ " + string(s)
	case db.TaskFailed:
		return "✗ " + string(s)
	case db.TaskRunning:
		return "● " + string(s)
	case db.TaskCanceled:
		return "⊘ " + string(s)
	default:
		return "○ " + string(s)
	}
}
