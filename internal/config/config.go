// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names understood by FromEnv. Values that fail to
// parse fall back to the defaults.
const (
	EnvBucket           = "LOBBY_BUCKET"
	EnvSearchMaxResults = "LOBBY_SEARCH_MAX_RESULTS"
	EnvPollInitial      = "LOBBY_POLL_INITIAL"
	EnvPollMax          = "LOBBY_POLL_MAX"
	EnvPollAttempts     = "LOBBY_POLL_ATTEMPTS"
	EnvReconcileDelay   = "LOBBY_RECONCILE_DELAY"
	EnvDefaultGameMode  = "LOBBY_DEFAULT_GAME_MODE"
)

// Config tunes the session controller.
type Config struct {
	// Bucket is the public attribute value scoping lobby search.
	Bucket string
	// SearchMaxResults caps search result pages.
	SearchMaxResults int

	// PollInitial is the first wait of a poll-until-visible loop; each
	// subsequent attempt doubles it up to PollMax.
	PollInitial time.Duration
	PollMax     time.Duration
	// PollAttempts bounds a poll-until-visible loop.
	PollAttempts int

	// ReconcileDelay is how long after a join the background handle
	// reconciliation waits before re-searching the directory.
	ReconcileDelay time.Duration

	// DefaultGameMode is the game mode a session resets to.
	DefaultGameMode string
}

// Default returns the configuration used when no environment overrides
// are present.
func Default() Config {
	return Config{
		Bucket:           "DefaultBucket",
		SearchMaxResults: 25,
		PollInitial:      100 * time.Millisecond,
		PollMax:          1600 * time.Millisecond,
		PollAttempts:     6,
		ReconcileDelay:   1500 * time.Millisecond,
		DefaultGameMode:  "AI Master",
	}
}

// FromEnv returns Default overridden by any environment variables that
// are set and parse cleanly.
func FromEnv() Config {
	cfg := Default()
	if v := os.Getenv(EnvBucket); v != "" {
		cfg.Bucket = v
	}
	if n, ok := envInt(EnvSearchMaxResults); ok && n > 0 {
		cfg.SearchMaxResults = n
	}
	if d, ok := envDuration(EnvPollInitial); ok && d > 0 {
		cfg.PollInitial = d
	}
	if d, ok := envDuration(EnvPollMax); ok && d > 0 {
		cfg.PollMax = d
	}
	if n, ok := envInt(EnvPollAttempts); ok && n > 0 {
		cfg.PollAttempts = n
	}
	if d, ok := envDuration(EnvReconcileDelay); ok && d >= 0 {
		cfg.ReconcileDelay = d
	}
	if v := os.Getenv(EnvDefaultGameMode); v != "" {
		cfg.DefaultGameMode = v
	}
	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
