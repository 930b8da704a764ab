package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Server is the environment-driven configuration for the server
// deployment.
type Server struct {
	DatabaseURL   string
	CacheURL      string
	SessionSecret string
	APIPrefix     string

	// Optional.
	ListenAddr      string
	LogLevel        string
	WebhookSecret   string
	IDPClientID     string
	IDPClientSecret string
	RateLimitMax    int
	RateLimitWindow time.Duration
	RepoRoot        string
	WorktreeRoot    string
}

// LoadServer reads the server configuration from the environment,
// loading a .env file first when one exists.
func LoadServer() (*Server, error) {
	// Missing .env is fine; explicit environment wins either way.
	_ = godotenv.Load()

	s := &Server{
		DatabaseURL:   os.Getenv("GITSWARM_DATABASE_URL"),
		CacheURL:      os.Getenv("GITSWARM_CACHE_URL"),
		SessionSecret: os.Getenv("GITSWARM_SESSION_SECRET"),
		APIPrefix:     os.Getenv("GITSWARM_API_PREFIX"),

		ListenAddr:      getenvDefault("GITSWARM_LISTEN_ADDR", ":8080"),
		LogLevel:        getenvDefault("GITSWARM_LOG_LEVEL", "info"),
		WebhookSecret:   os.Getenv("GITSWARM_WEBHOOK_SECRET"),
		IDPClientID:     os.Getenv("GITSWARM_IDP_CLIENT_ID"),
		IDPClientSecret: os.Getenv("GITSWARM_IDP_CLIENT_SECRET"),
		RepoRoot:        getenvDefault("GITSWARM_REPO_ROOT", ".repos"),
		WorktreeRoot:    getenvDefault("GITSWARM_WORKTREE_ROOT", ".worktrees"),
	}

	for name, val := range map[string]string{
		"GITSWARM_DATABASE_URL":   s.DatabaseURL,
		"GITSWARM_CACHE_URL":      s.CacheURL,
		"GITSWARM_SESSION_SECRET": s.SessionSecret,
		"GITSWARM_API_PREFIX":     s.APIPrefix,
	} {
		if val == "" {
			return nil, fmt.Errorf("required environment variable %s is not set", name)
		}
	}

	if raw := os.Getenv("GITSWARM_RATE_LIMIT_MAX"); raw != "" {
		max, err := strconv.Atoi(raw)
		if err != nil || max <= 0 {
			return nil, fmt.Errorf("GITSWARM_RATE_LIMIT_MAX: must be a positive integer, got %q", raw)
		}
		s.RateLimitMax = max
	}
	if raw := os.Getenv("GITSWARM_RATE_LIMIT_WINDOW"); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("GITSWARM_RATE_LIMIT_WINDOW: must be a positive duration, got %q", raw)
		}
		s.RateLimitWindow = window
	}
	return s, nil
}

func getenvDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
