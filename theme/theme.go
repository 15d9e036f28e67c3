package theme

import (
	"github.com/pterm/pterm"
)

// Theme defines the colour scheme for terminal output.
type Theme struct {
	Debug *pterm.Style
	Info  *pterm.Style
	Warn  *pterm.Style
	Error *pterm.Style
	Fatal *pterm.Style

	Success   *pterm.Style
	Highlight *pterm.Style
	Muted     *pterm.Style
	Accent    *pterm.Style

	Server  pterm.Color
	Breaker pterm.Color
	Counts  pterm.Color
	Numbers pterm.Color

	HealthHealthy   pterm.Color
	HealthUnhealthy pterm.Color
	HealthUnknown   pterm.Color
}

// Default returns the default application theme.
func Default() *Theme {
	return &Theme{
		Debug: pterm.NewStyle(pterm.FgLightBlue),
		Info:  pterm.NewStyle(pterm.FgGreen),
		Warn:  pterm.NewStyle(pterm.FgYellow, pterm.Bold),
		Error: pterm.NewStyle(pterm.FgRed, pterm.Bold),
		Fatal: pterm.NewStyle(pterm.FgWhite, pterm.BgRed, pterm.Bold),

		Success:   pterm.NewStyle(pterm.FgGreen, pterm.Bold),
		Highlight: pterm.NewStyle(pterm.FgCyan, pterm.Bold),
		Muted:     pterm.NewStyle(pterm.FgGray),
		Accent:    pterm.NewStyle(pterm.FgMagenta),

		Server:  pterm.FgCyan,
		Breaker: pterm.FgMagenta,
		Counts:  pterm.FgLightWhite,
		Numbers: pterm.FgLightYellow,

		HealthHealthy:   pterm.FgGreen,
		HealthUnhealthy: pterm.FgRed,
		HealthUnknown:   pterm.FgGray,
	}
}

// Dark returns a variant tuned for dark terminals.
func Dark() *Theme {
	t := Default()
	t.Info = pterm.NewStyle(pterm.FgLightGreen)
	t.Warn = pterm.NewStyle(pterm.FgLightYellow, pterm.Bold)
	t.Error = pterm.NewStyle(pterm.FgLightRed, pterm.Bold)
	t.Server = pterm.FgLightCyan
	t.HealthHealthy = pterm.FgLightGreen
	t.HealthUnhealthy = pterm.FgLightRed
	return t
}

// GetTheme returns the theme for the given name, falling back to the default.
func GetTheme(name string) *Theme {
	switch name {
	case "dark":
		return Dark()
	default:
		return Default()
	}
}

// ColourSplash colours the startup banner.
func ColourSplash(message ...any) string {
	return pterm.LightGreen(message...)
}

// ColourVersion colours version numbers in the banner.
func ColourVersion(message ...any) string {
	return pterm.LightYellow(message...)
}

// StyleUrl colours URLs and hyperlinks.
func StyleUrl(message ...any) string {
	return pterm.LightBlue(message...)
}

// Hyperlink creates an OSC-8 hyperlink in the terminal.
func Hyperlink(uri string, text string) string {
	return "\x1b]8;;" + uri + "\x07" + text + "\x1b]8;;\x07" + "\x1b[0m"
}
