package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for the run display
type ColorScheme struct {
	Title     *color.Color
	Border    *color.Color
	Value     *color.Color
	Muted     *color.Color
	Latency   *color.Color
	Highlight *color.Color
	Good      *color.Color
	Warn      *color.Color
	Bad       *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Title:     color.New(color.Bold),
		Border:    color.New(color.FgCyan),
		Value:     color.New(color.FgCyan),
		Muted:     color.New(color.Faint),
		Latency:   color.New(color.FgBlue),
		Highlight: color.New(color.FgMagenta, color.Bold),
		Good:      color.New(color.FgGreen),
		Warn:      color.New(color.FgYellow),
		Bad:       color.New(color.FgRed),
	}
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()
	for _, c := range scheme.all() {
		c.DisableColor()
	}
	return scheme
}

// forcedColorScheme returns a color scheme that colors even when the
// package-level detection in fatih/color decided otherwise.
func forcedColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()
	for _, c := range scheme.all() {
		c.EnableColor()
	}
	return scheme
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{s.Title, s.Border, s.Value, s.Muted, s.Latency, s.Highlight, s.Good, s.Warn, s.Bad}
}

// rateColor picks a color for an error rate: green below 1%, yellow below 5%,
// red otherwise.
func (s *ColorScheme) rateColor(rate float64) *color.Color {
	switch {
	case rate > 0.05:
		return s.Bad
	case rate > 0.01:
		return s.Warn
	default:
		return s.Good
	}
}

// SuccessIcon returns a checkmark symbol with appropriate color
func SuccessIcon(noColor bool) string {
	if noColor {
		return "✓"
	}
	return color.New(color.FgGreen).Sprint("✓")
}

// ErrorIcon returns an X symbol with appropriate color
func ErrorIcon(noColor bool) string {
	if noColor {
		return "✗"
	}
	return color.New(color.FgRed).Sprint("✗")
}

// WarningIcon returns a warning symbol with appropriate color
func WarningIcon(noColor bool) string {
	if noColor {
		return "⚠"
	}
	return color.New(color.FgYellow).Sprint("⚠")
}
