// Package config provides configuration helpers for armlink commands.
package config

import (
	"os"
	"path/filepath"
)

// Defaults for the armlink service.
const (
	DefaultHTTPPort = "8090"
	DefaultDataDir  = ".armlink"
)

// ArmAddr returns the arm WebSocket address from the ARM_ADDR env var.
// Empty means no arm configured at startup; the operator sets one later.
func ArmAddr() string {
	return os.Getenv("ARM_ADDR")
}

// HTTPPort returns the operator API port from ARMLINK_PORT or the default.
func HTTPPort() string {
	if port := os.Getenv("ARMLINK_PORT"); port != "" {
		return port
	}
	return DefaultHTTPPort
}

// DataDir returns the persistence directory from ARMLINK_DATA_DIR.
// Falls back to ~/.armlink, or ./.armlink if the home dir is unknown.
func DataDir() string {
	if dir := os.Getenv("ARMLINK_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// LogLevel returns the log level from LOG_LEVEL or "info".
func LogLevel() string {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return "info"
}
