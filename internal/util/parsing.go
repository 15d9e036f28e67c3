package util

import (
	"regexp"
	"strconv"
	"strings"
)

// modelSizePattern matches parameter-count hints embedded in model names,
// e.g. "llama3:70b" or "mixtral:8x7b".
var modelSizePattern = regexp.MustCompile(`(?i)(?:(\d+)x)?(\d+(?:\.\d+)?)b\b`)

// ParseModelSizeBillions extracts an approximate parameter count (in
// billions) from a model name. Returns 0 when no size hint is present.
func ParseModelSizeBillions(name string) float64 {
	lower := strings.ToLower(name)
	m := modelSizePattern.FindStringSubmatch(lower)
	if m == nil {
		return 0
	}

	size, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0
	}

	if m[1] != "" {
		// mixture-of-experts: NxMb counts every expert
		experts, err := strconv.ParseFloat(m[1], 64)
		if err == nil && experts > 0 {
			size *= experts
		}
	}

	return size
}
