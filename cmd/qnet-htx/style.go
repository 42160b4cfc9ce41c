package main

import "github.com/charmbracelet/lipgloss"

// Output styling for the CLI's human-readable (non-JSON) reports. Kept in
// one place so dial/listen/calibrate/bootstrap-check render consistently.
var (
	styleOK    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	styleWarn  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	styleFail  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	styleLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleValue = lipgloss.NewStyle().Bold(true)
)

func renderField(label, value string) string {
	return styleLabel.Render(label+":") + " " + styleValue.Render(value)
}
