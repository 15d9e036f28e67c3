package util

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// IsTerminal checks if stdout is a terminal.
func IsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// ShouldUseColors determines if coloured output should be used.
// Honours https://no-color.org/ conventions.
func ShouldUseColors() bool {
	if noColor := os.Getenv("NO_COLOR"); noColor != "" {
		return false
	}

	if forceColor := os.Getenv("FORCE_COLOR"); forceColor != "" {
		return forceColor != "0"
	}

	if appColors := os.Getenv("OLLAMUX_FORCE_COLORS"); appColors != "" {
		return strings.ToLower(appColors) == "true"
	}

	return IsTerminal()
}
