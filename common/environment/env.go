// Package environment reads typed configuration out of process environment
// variables.
//
// Every accessor takes a default and falls back to it when the variable is
// unset, empty, or unparseable; only RequiredString reports an error, and
// none of them ever exit the process.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the raw value of name and whether it was set at all, so
// callers can distinguish "unset" from "set to empty".
func String(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok
}

// StringOr returns name's value, or defaultValue when it is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns name's value, erroring when the variable is unset
// or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses name with strconv.ParseBool semantics ("1", "t", "true",
// "0", "f", "false", ...), falling back to defaultValue when the variable is
// unset, empty, or malformed.
func BoolOr(name string, defaultValue bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses name as a base-10 integer, falling back to defaultValue when
// the variable is unset, empty, or malformed.
func IntOr(name string, defaultValue int) int {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// DurationOr parses name as a time.Duration ("30s", "5m", "1h"), falling
// back to defaultValue when the variable is unset, empty, or malformed.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// StringSliceOr splits name on commas, trimming whitespace and dropping
// empty elements; defaultValue is returned when nothing usable remains.
func StringSliceOr(name string, defaultValue []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
