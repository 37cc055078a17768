package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/tjrbrom/forge/internal/lobby"
)

// Slot colors.
var (
	ColorOpen     = lipgloss.Color("#6b7280")
	ColorLocal    = lipgloss.Color("#3b82f6")
	ColorRemote   = lipgloss.Color("#a855f7")
	ColorComputer = lipgloss.Color("#10b981")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)
)

func SlotColor(t lobby.SlotType) lipgloss.Color {
	switch t {
	case lobby.Local:
		return ColorLocal
	case lobby.Remote:
		return ColorRemote
	case lobby.Computer:
		return ColorComputer
	default:
		return ColorOpen
	}
}

func slotGlyph(t lobby.SlotType) string {
	switch t {
	case lobby.Local:
		return "●"
	case lobby.Remote:
		return "◎"
	case lobby.Computer:
		return "⚙"
	default:
		return "○"
	}
}
