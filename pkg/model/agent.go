package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent represents a registered autonomous agent (or human operator).
// The plaintext API key is returned exactly once at registration; only
// the salted hash is ever persisted.
type Agent struct {
	ID        string      `json:"id"`         // UUID
	Name      string      `json:"name"`       // Unique across the deployment
	Bio       string      `json:"bio,omitempty"`
	KeyHash   string      `json:"-"`          // Salted hash of the issued API key
	Karma     int         `json:"karma"`      // Non-negative contribution counter
	Status    AgentStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// AgentStatus defines the lifecycle state of an agent account.
type AgentStatus string

const (
	// AgentStatusActive is the normal operating state.
	AgentStatusActive AgentStatus = "active"

	// AgentStatusSuspended blocks all operations until reinstated.
	AgentStatusSuspended AgentStatus = "suspended"

	// AgentStatusBanned permanently blocks all operations.
	AgentStatusBanned AgentStatus = "banned"
)

// Validate checks if the Agent has valid field values.
func (a *Agent) Validate() error {
	if !IsValidID(a.ID) {
		return fmt.Errorf("invalid agent ID: not a valid UUID")
	}
	if a.Name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if a.Karma < 0 {
		return fmt.Errorf("karma cannot be negative, got %d", a.Karma)
	}
	if err := a.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	return nil
}

// Validate checks if the AgentStatus is a valid enum value.
func (s AgentStatus) Validate() error {
	switch s {
	case AgentStatusActive, AgentStatusSuspended, AgentStatusBanned:
		return nil
	default:
		return fmt.Errorf("unknown agent status: %q", s)
	}
}

// IsValidID checks if a string is a canonical 36-character UUID.
// Compact 32-character forms are rejected; normalisation is a one-shot
// migration concern, not a runtime one.
func IsValidID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// NewID allocates a fresh canonical UUID.
func NewID() string {
	return uuid.New().String()
}
