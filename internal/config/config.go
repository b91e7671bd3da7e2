// Package config loads broker configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of the broker. All fields have working
// defaults so a bare `sandboxd serve` runs against a local Docker daemon.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string

	// BaseImage is the container image cloned for each sandbox.
	BaseImage string

	// ResultsRoot is the host directory published files are staged under.
	ResultsRoot string

	// PersistPath is the bbolt file backing users and the sandbox registry.
	PersistPath string

	// SessionSigningKey signs session tokens. Rotated on boot when empty.
	SessionSigningKey string

	// InactivityThreshold is the idle time before a sandbox is reaped.
	InactivityThreshold time.Duration

	// FileTTL is the lifetime of a published file.
	FileTTL time.Duration

	// ReaperInterval is the cadence of the reaper tick.
	ReaperInterval time.Duration

	// ExecTimeout is the wall-clock limit for code and terminal execs.
	ExecTimeout time.Duration

	// InstallTimeout is the wall-clock limit for package installations.
	InstallTimeout time.Duration

	// SandboxLimit caps the number of live sandboxes per user.
	SandboxLimit int
}

// FromEnv builds a Config from SANDBOXD_* environment variables, falling
// back to defaults for anything unset.
func FromEnv() Config {
	return Config{
		ListenAddr:          envStr("SANDBOXD_LISTEN_ADDR", "0.0.0.0:8000"),
		BaseImage:           envStr("SANDBOXD_BASE_IMAGE", "python:3.12-slim"),
		ResultsRoot:         envStr("SANDBOXD_RESULTS_ROOT", "./results"),
		PersistPath:         envStr("SANDBOXD_PERSIST_PATH", "./sandboxd.db"),
		SessionSigningKey:   os.Getenv("SANDBOXD_SESSION_SIGNING_KEY"),
		InactivityThreshold: envDur("SANDBOXD_INACTIVITY_THRESHOLD", time.Hour),
		FileTTL:             envDur("SANDBOXD_FILE_TTL", time.Hour),
		ReaperInterval:      envDur("SANDBOXD_REAPER_INTERVAL", 5*time.Minute),
		ExecTimeout:         envDur("SANDBOXD_EXEC_TIMEOUT", 30*time.Second),
		InstallTimeout:      envDur("SANDBOXD_INSTALL_TIMEOUT", 5*time.Minute),
		SandboxLimit:        envInt("SANDBOXD_SANDBOX_LIMIT", 5),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDur accepts either a Go duration ("90s") or a bare number of seconds.
func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
