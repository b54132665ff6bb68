package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/bamsammich/grid/internal/config"
	"github.com/bamsammich/grid/internal/grid"
)

// Catppuccin Mocha palette, mutable so config can override.
var (
	ColorGreen  = lipgloss.Color("#a6e3a1")
	ColorBlue   = lipgloss.Color("#89b4fa")
	ColorYellow = lipgloss.Color("#f9e2af")
	ColorRed    = lipgloss.Color("#f38ba8")
	ColorMauve  = lipgloss.Color("#cba6f7")
	ColorMuted  = lipgloss.Color("#5a6278")
	ColorBright = lipgloss.Color("#cdd6f4")
)

var (
	styleHeader      lipgloss.Style
	styleHeaderLabel lipgloss.Style
	styleMuted       lipgloss.Style
	styleProgress    lipgloss.Style
	styleSlotBusy    lipgloss.Style
	styleStatus      map[grid.Status]lipgloss.Style
)

func init() {
	rebuildStyles()
}

// rebuildStyles reconstructs all lipgloss styles from the current color vars.
func rebuildStyles() {
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(ColorBright)
	styleHeaderLabel = lipgloss.NewStyle().Bold(true).Foreground(ColorMauve)
	styleMuted = lipgloss.NewStyle().Foreground(ColorMuted)
	styleProgress = lipgloss.NewStyle().Foreground(ColorGreen)
	styleSlotBusy = lipgloss.NewStyle().Foreground(ColorBlue)
	styleStatus = map[grid.Status]lipgloss.Style{
		grid.StatusScheduledWaiting:   lipgloss.NewStyle().Foreground(ColorMuted),
		grid.StatusStoredReady:        lipgloss.NewStyle().Foreground(ColorBright),
		grid.StatusSentWaiting:        lipgloss.NewStyle().Foreground(ColorBlue),
		grid.StatusReceivedProcessing: lipgloss.NewStyle().Foreground(ColorYellow),
		grid.StatusReturnedProcessing: lipgloss.NewStyle().Foreground(ColorYellow),
		grid.StatusStoredArchived:     lipgloss.NewStyle().Foreground(ColorGreen),
		grid.StatusLost:               lipgloss.NewStyle().Foreground(ColorRed).Bold(true),
	}
}

// ApplyTheme overrides colors from a config ThemeConfig and rebuilds all styles.
func ApplyTheme(tc config.ThemeConfig) {
	if tc.Green != nil {
		ColorGreen = lipgloss.Color(*tc.Green)
	}
	if tc.Blue != nil {
		ColorBlue = lipgloss.Color(*tc.Blue)
	}
	if tc.Yellow != nil {
		ColorYellow = lipgloss.Color(*tc.Yellow)
	}
	if tc.Red != nil {
		ColorRed = lipgloss.Color(*tc.Red)
	}
	if tc.Mauve != nil {
		ColorMauve = lipgloss.Color(*tc.Mauve)
	}
	if tc.Muted != nil {
		ColorMuted = lipgloss.Color(*tc.Muted)
	}
	if tc.Bright != nil {
		ColorBright = lipgloss.Color(*tc.Bright)
	}
	rebuildStyles()
}
