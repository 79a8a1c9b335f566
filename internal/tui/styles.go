package tui

import "github.com/charmbracelet/lipgloss"

var (
	// HeaderStyle styles the column header row.
	HeaderStyle = lipgloss.NewStyle().Bold(true)

	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))

	statusStyles = map[string]lipgloss.Style{
		"done":      doneStyle,
		"installed": doneStyle,
		"active":    doneStyle,

		"resolving":  activeStyle,
		"fetching":   activeStyle,
		"installing": activeStyle,
		"activating": activeStyle,

		"failed": lipgloss.NewStyle().Foreground(lipgloss.Color("1")),

		"pending":   lipgloss.NewStyle().Faint(true),
		"requested": lipgloss.NewStyle().Faint(true),
	}
)

// StatusStyle returns the lipgloss style for the given status string.
func StatusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return lipgloss.NewStyle()
}
