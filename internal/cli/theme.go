package cli

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/vigil-daemon/vigil/internal/activity"
)

// Color palette for the top view.
var (
	colorActive = lipgloss.Color("#22c55e")
	colorIdle   = lipgloss.Color("#4b5563")
	colorBright = lipgloss.Color("#f9fafb")
	colorDimmed = lipgloss.Color("#6b7280")
	colorBorder = lipgloss.Color("#4b5563")
	colorDanger = lipgloss.Color("#dc2626")
)

var (
	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBright)

	styleDimmed = lipgloss.NewStyle().
			Foreground(colorDimmed)

	styleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder)

	styleDanger = lipgloss.NewStyle().
			Foreground(colorDanger)
)

// stateGlyph returns the bar and top glyph for an activity state.
func stateGlyph(st activity.State) string {
	if st == activity.Active {
		return "●"
	}
	return "○"
}

func stateColor(st activity.State) lipgloss.Color {
	if st == activity.Active {
		return colorActive
	}
	return colorIdle
}
