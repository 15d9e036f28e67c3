package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripAnsiCodes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "server s1 healthy", "server s1 healthy"},
		{"coloured", "\x1b[32mhealthy\x1b[0m", "healthy"},
		{"mid string", "server \x1b[36ms1\x1b[0m is up", "server s1 is up"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, stripAnsiCodes(tt.input))
		})
	}
}
