// Package util provides small helpers shared across SolarFlow components.
package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// EnvOrDefault returns the environment variable's value, or the fallback
// when it is unset or blank.
func EnvOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// BoolEnv reads a boolean environment variable. Beyond strconv's forms it
// accepts yes/no and on/off, case-insensitively. Unset, blank, or
// unparseable values yield the fallback.
func BoolEnv(key string, fallback bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "":
		return fallback
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("BoolEnv: unparseable value, using fallback", "key", key, "value", val, "fallback", fallback)
		return fallback
	}
	return parsed
}
