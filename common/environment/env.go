// Package environment reads process settings from environment variables.
//
// Every helper falls back to a caller-supplied default when the variable is
// unset, empty or unparsable. Helpers never exit the process; main decides
// what a missing required value means.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the named variable, or fallback when it is unset or empty.
func StringOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

// RequiredString returns the named variable or an error naming it.
func RequiredString(name string) (string, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the named variable with strconv.ParseBool.
func BoolOr(name string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(name)))
	if err != nil {
		return fallback
	}
	return b
}

// IntOr parses the named variable as a base-10 integer.
func IntOr(name string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(name)))
	if err != nil {
		return fallback
	}
	return n
}

// DurationOr parses the named variable with time.ParseDuration ("30s", "2m").
func DurationOr(name string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(name)))
	if err != nil {
		return fallback
	}
	return d
}
