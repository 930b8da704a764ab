// Package config loads the two deployment configurations: the local
// .gitswarm/config.json that the CLI reads, and the environment-driven
// server configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// Dir is the per-project state directory.
	Dir = ".gitswarm"

	configFile = "config.json"
	stateFile  = "state.db"

	// WorktreesDir holds per-agent worktrees, managed by the git
	// backend.
	WorktreesDir = ".worktrees"
)

// Local is the human-editable per-project configuration.
type Local struct {
	Version int `json:"version"`

	// RepoName is the repository registered for this working copy.
	RepoName string `json:"repo_name"`

	// DefaultAgent is used when commands omit --as.
	DefaultAgent string `json:"default_agent,omitempty"`

	// ServerURL and APIKey enable the sync protocol against a server
	// deployment. Both empty means fully local operation.
	ServerURL string `json:"server_url,omitempty"`
	APIKey    string `json:"api_key,omitempty"`

	// SyncIntervalSeconds overrides the flusher/poller cadence.
	SyncIntervalSeconds int `json:"sync_interval_seconds,omitempty"`
}

// Validate checks field constraints. Called on every load so a
// hand-edited file fails fast with a field name.
func (c *Local) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("version: unsupported config version %d", c.Version)
	}
	if c.RepoName == "" {
		return fmt.Errorf("repo_name: cannot be empty")
	}
	if c.APIKey != "" && c.ServerURL == "" {
		return fmt.Errorf("server_url: required when api_key is set")
	}
	if c.SyncIntervalSeconds < 0 {
		return fmt.Errorf("sync_interval_seconds: cannot be negative")
	}
	return nil
}

// SyncInterval returns the configured cadence, defaulting to 5s.
func (c *Local) SyncInterval() time.Duration {
	if c.SyncIntervalSeconds > 0 {
		return time.Duration(c.SyncIntervalSeconds) * time.Second
	}
	return 5 * time.Second
}

// ConfigPath returns the config file path under root.
func ConfigPath(root string) string {
	return filepath.Join(root, Dir, configFile)
}

// StatePath returns the coordination database path under root.
func StatePath(root string) string {
	return filepath.Join(root, Dir, stateFile)
}

// WorktreeRoot returns the worktree directory under root.
func WorktreeRoot(root string) string {
	return filepath.Join(root, WorktreesDir)
}

// LoadLocal reads and validates the project config under root.
func LoadLocal(root string) (*Local, error) {
	path := ConfigPath(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no gitswarm project at %s (run init first)", root)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var c Local
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &c, nil
}

// SaveLocal validates and writes the project config, creating the
// state directory when missing.
func SaveLocal(root string, c *Local) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(root, Dir), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", Dir, err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	path := ConfigPath(root)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
