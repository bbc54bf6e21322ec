package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	ColorPrimary   = lipgloss.Color("39")  // Cyan
	ColorSecondary = lipgloss.Color("212") // Pink
	ColorSuccess   = lipgloss.Color("82")  // Green
	ColorWarning   = lipgloss.Color("214") // Orange
	ColorError     = lipgloss.Color("196") // Red
	ColorMuted     = lipgloss.Color("245") // Gray
	ColorHighlight = lipgloss.Color("226") // Yellow
)

// Styles for various UI elements
var (
	// Text styles
	Bold      = lipgloss.NewStyle().Bold(true)
	Italic    = lipgloss.NewStyle().Italic(true)
	Dim       = lipgloss.NewStyle().Foreground(ColorMuted)
	Highlight = lipgloss.NewStyle().Foreground(ColorHighlight)
	Header    = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true)

	// Status styles
	Success = lipgloss.NewStyle().Foreground(ColorSuccess)
	Warning = lipgloss.NewStyle().Foreground(ColorWarning)
	Error   = lipgloss.NewStyle().Foreground(ColorError)

	// Code styles
	Code     = lipgloss.NewStyle().Foreground(ColorPrimary)
	FilePath = lipgloss.NewStyle().Foreground(ColorPrimary)
	LineNum  = lipgloss.NewStyle().Foreground(ColorMuted)

	// Search result styles
	ResultHeader = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)
	ResultScore = lipgloss.NewStyle().
			Foreground(ColorSuccess)
	ResultContent = lipgloss.NewStyle().
			Foreground(ColorMuted).
			PaddingLeft(2)

	// Section styles
	SectionTitle = lipgloss.NewStyle().
			Foreground(ColorSecondary).
			Bold(true).
			MarginTop(1)
	Divider = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Chat styles
	UserPrompt = lipgloss.NewStyle().
			Foreground(ColorSecondary).
			Bold(true)
	SourceRef = lipgloss.NewStyle().
			Foreground(ColorMuted)

	// Progress styles
	BarFilled = lipgloss.NewStyle().Foreground(ColorPrimary)
	BarEmpty  = lipgloss.NewStyle().Foreground(ColorMuted)
)

// HorizontalRule returns a styled horizontal divider.
func HorizontalRule(width int) string {
	return Divider.Render(strings.Repeat("─", max(width, 0)))
}

// FormatSource formats a source path with its line range, e.g. "app/main.go:10-42".
func FormatSource(path, lines string) string {
	if lines == "" {
		return FilePath.Render(path)
	}
	return FilePath.Render(path) + LineNum.Render(":"+lines)
}

// ProgressBar renders pct (0-100) as a bar of width cells followed by the percentage.
func ProgressBar(pct, width int) string {
	pct = min(max(pct, 0), 100)
	filled := pct * width / 100
	return BarFilled.Render(strings.Repeat("█", filled)) +
		BarEmpty.Render(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %3d%%", pct)
}

// Status renders a project or job status in a color matching its meaning.
func Status(status string) string {
	switch status {
	case "ready", "complete":
		return Success.Render(status)
	case "failed", "error":
		return Error.Render(status)
	case "ingesting", "queued", "scanning", "embedding", "finalizing":
		return Warning.Render(status)
	default:
		return Dim.Render(status)
	}
}
