// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nixprov/nixprov/internal/ui"
)

// Styles for help text and static CLI output. Streaming output goes through
// ui.Writer, which adapts to the terminal.
var (
	// TitleStyle is for primary headers and section titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ui.ColorPrimary)

	// SubtitleStyle is for secondary headers and descriptions.
	SubtitleStyle = lipgloss.NewStyle().
			Foreground(ui.ColorMuted)

	// KeyStyle is for configuration keys and column headers.
	KeyStyle = lipgloss.NewStyle().
			Foreground(ui.ColorHighlight)

	// ValueStyle is for configuration values.
	ValueStyle = lipgloss.NewStyle().
			Foreground(ui.ColorSuccess)
)
