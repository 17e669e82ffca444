package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func GetStringEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func GetBoolEnv(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func GetIntEnv(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// GetPortEnv reads a TCP port. Absent, non-numeric and out-of-range values all yield fallback.
func GetPortEnv(key string, fallback int) int {
	port := GetIntEnv(key, fallback)
	if port < 0 || port > 65535 {
		return fallback
	}
	return port
}

func GetDurationEnv(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
