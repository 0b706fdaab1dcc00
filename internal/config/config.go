package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig carries all process configuration. Clock parameters are held
// here rather than in the match package: the grace period and per-side
// budget are deployment policy, not part of the game rules.
type AppConfig struct {
	ListenAddr string

	DatabaseURL string
	RedisURL    string

	JWTSecret string

	// Per-side time budget for one match.
	MatchTime time.Duration
	// How long a live match waits for the next move before it is
	// declared abandoned.
	AbandonGrace time.Duration

	// Optional directory of YAML files overriding the embedded
	// user-facing message catalog.
	MessagesDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:   ":8080",
		MatchTime:    10 * time.Minute,
		AbandonGrace: 60 * time.Second,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.JWTSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))

	if v := strings.TrimSpace(os.Getenv("MATCH_TIME_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MatchTime = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("ABANDON_GRACE_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AbandonGrace = time.Duration(n) * time.Millisecond
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}
