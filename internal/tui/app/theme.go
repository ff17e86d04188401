package app

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/gamehost/internal/tui/client"
)

// Status colors.
var (
	ColorNotConnected = lipgloss.Color("#4b5563")
	ColorConnected    = lipgloss.Color("#2563eb")
	ColorReady        = lipgloss.Color("#16a34a")
	ColorFaulted      = lipgloss.Color("#dc2626")
	ColorDisconnected = lipgloss.Color("#374151")
	ColorDefault      = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleError = lipgloss.NewStyle().
		Foreground(ColorDanger)
)

// StatusColor returns the color for a participant status.
func StatusColor(s client.PlayerStatus) lipgloss.Color {
	switch s {
	case client.StatusNotConnected:
		return ColorNotConnected
	case client.StatusConnected:
		return ColorConnected
	case client.StatusReady:
		return ColorReady
	case client.StatusFaulted:
		return ColorFaulted
	case client.StatusDisconnected:
		return ColorDisconnected
	default:
		return ColorDefault
	}
}

// StatusGlyph returns a glyph for a participant status.
func StatusGlyph(s client.PlayerStatus) string {
	switch s {
	case client.StatusConnected:
		return "○"
	case client.StatusReady:
		return "●"
	case client.StatusFaulted:
		return "✗"
	case client.StatusDisconnected:
		return "?"
	default:
		return "·"
	}
}

// StateColor returns the color for a session state name.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "started":
		return ColorHealthy
	case "starting", "all_players_connected":
		return ColorWarning
	case "faulted", "shutdown":
		return ColorDanger
	default:
		return ColorDefault
	}
}
