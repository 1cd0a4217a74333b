package commands

import (
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/rollout/pkg/engine"
)

var (
	colorPass  = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	colorWarn  = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	colorFail  = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorMuted = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
)

var (
	styleSuccess = lipgloss.NewStyle().Foreground(colorPass)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarn)
	styleError   = lipgloss.NewStyle().Foreground(colorFail)
	styleDim     = lipgloss.NewStyle().Foreground(colorMuted)
	styleBold    = lipgloss.NewStyle().Bold(true)
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// runStatus renders a build status with its color.
func runStatus(s engine.RunStatus) string {
	switch s {
	case engine.RunStatusSucceeded:
		return styleSuccess.Render(string(s))
	case engine.RunStatusFailed, engine.RunStatusCancelled:
		return styleError.Render(string(s))
	case engine.RunStatusExited, engine.RunStatusSkipped:
		return styleWarning.Render(string(s))
	default:
		return styleDim.Render(string(s))
	}
}

// unitStatus renders a play or host status with its color.
func unitStatus(s engine.UnitStatus) string {
	switch s {
	case engine.UnitStatusSucceeded:
		return styleSuccess.Render(string(s))
	case engine.UnitStatusFailed:
		return styleError.Render(string(s))
	case engine.UnitStatusSkipped, engine.UnitStatusExited:
		return styleWarning.Render(string(s))
	default:
		return styleDim.Render(string(s))
	}
}
