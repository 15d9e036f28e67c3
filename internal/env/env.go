package env

import (
	"os"
	"strconv"
	"strings"
)

const secretIndirectionPrefix = "env:"

// GetEnvOrDefault returns the value of the environment variable or the default.
func GetEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// GetEnvBoolOrDefault parses the variable as a bool, falling back on error.
func GetEnvBoolOrDefault(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return parsed
}

// GetEnvIntOrDefault parses the variable as an int, falling back on error.
func GetEnvIntOrDefault(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return parsed
}

// ResolveSecret resolves bearer-token indirection: a value of the form
// "env:NAME" is substituted from the process environment, anything else is
// returned literally. Resolution happens at use, not at config load, so
// rotated secrets are picked up without a restart.
func ResolveSecret(value string) string {
	if name, ok := strings.CutPrefix(value, secretIndirectionPrefix); ok {
		return os.Getenv(name)
	}
	return value
}
