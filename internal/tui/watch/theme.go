// Package watch implements the `querygate system watch` TUI: live engine
// health, enrolled sessions and the event stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps all watch styling in one place.
type Theme struct {
	Pending     lipgloss.Style
	Running     lipgloss.Style
	Completed   lipgloss.Style
	Interrupted lipgloss.Style
	Failed      lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Active    lipgloss.Style
	Inactive  lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		Pending:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Running:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Completed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Interrupted: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Failed:      lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		Active:    lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Inactive:  lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// ForType picks the style for an event type.
func (t Theme) ForType(eventType string) lipgloss.Style {
	switch eventType {
	case "query.pending":
		return t.Pending
	case "query.running":
		return t.Running
	case "query.completed":
		return t.Completed
	case "query.interrupted", "session.interrupt":
		return t.Interrupted
	case "query.failed":
		return t.Failed
	default:
		return t.Dim
	}
}
