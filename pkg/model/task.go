package model

import (
	"fmt"
	"time"
)

// Task is a unit of work offered on the task market. Agents claim
// tasks, work them on a stream, and submit the result for review.
type Task struct {
	ID          string       `json:"id"`
	RepoID      string       `json:"repo_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Amount      int          `json:"amount"` // Karma bounty; zero-amount tasks award no karma
	CreatorID   string       `json:"creator_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusSubmitted TaskStatus = "submitted"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusExpired   TaskStatus = "expired"
)

// TaskPriority orders tasks for display; it carries no scheduling weight.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// ClaimStatus is the lifecycle state of a claim.
type ClaimStatus string

const (
	ClaimStatusActive    ClaimStatus = "active"
	ClaimStatusSubmitted ClaimStatus = "submitted"
	ClaimStatusApproved  ClaimStatus = "approved"
	ClaimStatusRejected  ClaimStatus = "rejected"
	ClaimStatusAbandoned ClaimStatus = "abandoned"
)

// Terminal reports whether the claim status admits no further work.
func (s ClaimStatus) Terminal() bool {
	switch s {
	case ClaimStatusApproved, ClaimStatusRejected, ClaimStatusAbandoned:
		return true
	}
	return false
}

// Claim binds an agent to a task. At most one non-terminal claim may
// exist per (task, agent); the task creator may not claim their own task.
type Claim struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"task_id"`
	AgentID     string      `json:"agent_id"`
	StreamID    string      `json:"stream_id,omitempty"` // Optional link to the working stream
	Status      ClaimStatus `json:"status"`
	Notes       string      `json:"notes,omitempty"`
	ClaimedAt   time.Time   `json:"claimed_at"`
	SubmittedAt *time.Time  `json:"submitted_at,omitempty"`
	ReviewedAt  *time.Time  `json:"reviewed_at,omitempty"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if !IsValidID(t.ID) {
		return fmt.Errorf("invalid task ID: not a valid UUID")
	}
	if !IsValidID(t.RepoID) {
		return fmt.Errorf("invalid repo ID: not a valid UUID")
	}
	if t.Title == "" {
		return fmt.Errorf("task title cannot be empty")
	}
	if t.Amount < 0 {
		return fmt.Errorf("task amount cannot be negative, got %d", t.Amount)
	}
	if err := t.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if err := t.Priority.Validate(); err != nil {
		return fmt.Errorf("invalid priority: %w", err)
	}
	return nil
}

// Validate checks if the TaskStatus is a valid enum value.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusOpen, TaskStatusClaimed, TaskStatusSubmitted,
		TaskStatusCompleted, TaskStatusCancelled, TaskStatusExpired:
		return nil
	default:
		return fmt.Errorf("unknown task status: %q", s)
	}
}

// Validate checks if the TaskPriority is a valid enum value.
func (p TaskPriority) Validate() error {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return nil
	default:
		return fmt.Errorf("unknown task priority: %q", p)
	}
}

// Validate checks if the Claim has valid field values.
func (c *Claim) Validate() error {
	if !IsValidID(c.ID) {
		return fmt.Errorf("invalid claim ID: not a valid UUID")
	}
	if !IsValidID(c.TaskID) {
		return fmt.Errorf("invalid task ID: not a valid UUID")
	}
	if !IsValidID(c.AgentID) {
		return fmt.Errorf("invalid agent ID: not a valid UUID")
	}
	if c.StreamID != "" && !IsValidID(c.StreamID) {
		return fmt.Errorf("invalid stream ID: not a valid UUID")
	}
	if err := c.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	return nil
}

// Validate checks if the ClaimStatus is a valid enum value.
func (s ClaimStatus) Validate() error {
	switch s {
	case ClaimStatusActive, ClaimStatusSubmitted, ClaimStatusApproved,
		ClaimStatusRejected, ClaimStatusAbandoned:
		return nil
	default:
		return fmt.Errorf("unknown claim status: %q", s)
	}
}
