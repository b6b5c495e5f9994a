// Package ui provides terminal output styling for the satchel CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	ColorAccent  = lipgloss.Color("#5A8FD6") // slate blue - headings, accents
	ColorSuccess = lipgloss.Color("#4BB543") // green - synced, online
	ColorWarning = lipgloss.Color("#F4D03F") // amber - pending, degraded
	ColorError   = lipgloss.Color("#E74C3C") // red - failed, offline
	ColorMuted   = lipgloss.Color("#6C7A89") // gray - secondary text
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style

	Box lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 1),
}

// ColorEnabled reports whether the terminal supports color output.
func ColorEnabled() bool {
	return termenv.EnvColorProfile() != termenv.Ascii
}

// render applies a style only when color output is supported.
func render(style lipgloss.Style, s string) string {
	if !ColorEnabled() {
		return s
	}
	return style.Render(s)
}

// Title styles a section heading.
func Title(s string) string { return render(Styles.Title, s) }

// Pass styles a healthy status value.
func Pass(s string) string { return render(Styles.Success, s) }

// Warn styles a degraded status value.
func Warn(s string) string { return render(Styles.Warning, s) }

// Fail styles a failing status value.
func Fail(s string) string { return render(Styles.Error, s) }

// Muted styles secondary text.
func Muted(s string) string { return render(Styles.Muted, s) }

// StatusDot returns a colored indicator for a queue or network state.
func StatusDot(healthy bool) string {
	if healthy {
		return render(Styles.Success, "●")
	}
	return render(Styles.Error, "●")
}
