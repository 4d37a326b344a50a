// SPDX-License-Identifier: MPL-2.0

package ui

import "github.com/charmbracelet/lipgloss"

// Palette shared by the CLI. Each color has a darker variant for light
// terminal backgrounds.
var (
	ColorPrimary   = lipgloss.AdaptiveColor{Light: "#5B21B6", Dark: "#7C3AED"}
	ColorMuted     = lipgloss.AdaptiveColor{Light: "#4B5563", Dark: "#6B7280"}
	ColorSuccess   = lipgloss.AdaptiveColor{Light: "#047857", Dark: "#10B981"}
	ColorError     = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#EF4444"}
	ColorWarning   = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	ColorHighlight = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#3B82F6"}
)

// Style selects the color applied to text written to a Sink.
type Style int

const (
	StylePlain Style = iota
	// StyleSuccess is green; used for guest stdout.
	StyleSuccess
	// StyleAttention is red; used for guest stderr.
	StyleAttention
	StyleWarning
	StyleTitle
	StyleMuted
)

// ColorScheme forces the palette variant. SchemeAuto asks the terminal.
type ColorScheme string

const (
	SchemeAuto  ColorScheme = "auto"
	SchemeDark  ColorScheme = "dark"
	SchemeLight ColorScheme = "light"
)

func newStyles(r *lipgloss.Renderer) map[Style]lipgloss.Style {
	// Tabs in guest output must reach the terminal untouched.
	base := r.NewStyle().TabWidth(lipgloss.NoTabConversion)
	return map[Style]lipgloss.Style{
		StylePlain:     base,
		StyleSuccess:   base.Foreground(ColorSuccess),
		StyleAttention: base.Foreground(ColorError),
		StyleWarning:   base.Foreground(ColorWarning),
		StyleTitle:     base.Bold(true).Foreground(ColorPrimary),
		StyleMuted:     base.Foreground(ColorMuted),
	}
}
