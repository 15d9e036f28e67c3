// Package format renders byte counts, durations and rates for log output and
// the status endpoints. Everything returns a short fixed-width-ish string
// suitable for aligned terminal columns.
package format

import (
	"fmt"
	"time"
)

// Bytes renders a byte count with a binary unit, two decimals above 1 KiB.
func Bytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.2f %s", float64(n)/float64(div), units[exp])
}

// Duration renders a duration as compact h/m/s, keeping sub-second values in
// Go's native form.
func Duration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// Latency renders a request latency: millisecond precision below a second,
// one decimal of seconds above.
func Latency(d time.Duration) string {
	if d <= 0 {
		return "0ms"
	}
	if d >= time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// Percentage renders a ratio in [0, 1] as a percentage with one decimal.
func Percentage(ratio float64) string {
	switch {
	case ratio <= 0:
		return "0%"
	case ratio >= 1:
		return "100%"
	default:
		return fmt.Sprintf("%.1f%%", ratio*100)
	}
}

// TimeAgo renders how long ago t was; zero times read as "never".
func TimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return coarse(time.Since(t)) + " ago"
}

// TimeUntil renders how far away t is; past or zero times read as "now".
func TimeUntil(t time.Time) string {
	if t.IsZero() {
		return "now"
	}
	d := time.Until(t)
	if d <= 0 {
		return "now"
	}
	return "in " + coarse(d)
}

// coarse keeps only the leading unit: 42s, 7m, 3h, 2d.
func coarse(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	}
}
