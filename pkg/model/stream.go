package model

import (
	"fmt"
	"time"
)

// Stream is a named feature branch owned by one agent, carrying the
// governance metadata that decides when its commits may reach the
// buffer branch.
type Stream struct {
	ID             string       `json:"id"`      // UUID
	RepoID         string       `json:"repo_id"` // Owning repository
	AgentID        string       `json:"agent_id"`
	Name           string       `json:"name"`
	BranchRef      string       `json:"branch_ref"`
	BaseBranch     string       `json:"base_branch"`
	ParentStreamID string       `json:"parent_stream_id,omitempty"` // Stacked-stream dependency
	TaskID         string       `json:"task_id,omitempty"`
	Status         StreamStatus `json:"status"`
	ReviewStatus   ReviewStatus `json:"review_status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// StreamStatus is the lifecycle state of a stream. Transitions are
// monotonic: a stream never returns to active once it has merged,
// been abandoned, or been reverted.
type StreamStatus string

const (
	StreamStatusActive    StreamStatus = "active"
	StreamStatusInReview  StreamStatus = "in_review"
	StreamStatusMerged    StreamStatus = "merged"
	StreamStatusAbandoned StreamStatus = "abandoned"
	StreamStatusReverted  StreamStatus = "reverted"
)

// Terminal reports whether the status admits no further transitions.
func (s StreamStatus) Terminal() bool {
	switch s {
	case StreamStatusMerged, StreamStatusAbandoned, StreamStatusReverted:
		return true
	}
	return false
}

// ReviewStatus is the aggregate review state of a stream.
type ReviewStatus string

const (
	ReviewStatusPending          ReviewStatus = "pending"
	ReviewStatusInReview         ReviewStatus = "in_review"
	ReviewStatusApproved         ReviewStatus = "approved"
	ReviewStatusChangesRequested ReviewStatus = "changes_requested"
)

// Verdict is a single reviewer's judgement on a stream.
type Verdict string

const (
	VerdictApprove        Verdict = "approve"
	VerdictRequestChanges Verdict = "request_changes"
	VerdictComment        Verdict = "comment"
)

// Review is one reviewer's latest verdict on a stream. A resubmission
// by the same reviewer overwrites the previous row; (stream, reviewer)
// is unique.
type Review struct {
	StreamID     string    `json:"stream_id"`
	ReviewerID   string    `json:"reviewer_id"`
	Verdict      Verdict   `json:"verdict"`
	Feedback     string    `json:"feedback,omitempty"`
	Tested       bool      `json:"tested"`
	IsHuman      bool      `json:"is_human"`
	IsMaintainer bool      `json:"is_maintainer"` // Denormalised at write time
	ReviewedAt   time.Time `json:"reviewed_at"`
}

// MergeQueueStatus is the lifecycle state of a merge queue entry.
type MergeQueueStatus string

const (
	MergeQueuePending    MergeQueueStatus = "pending"
	MergeQueueProcessing MergeQueueStatus = "processing"
	MergeQueueMerged     MergeQueueStatus = "merged"
	MergeQueueFailed     MergeQueueStatus = "failed"
	MergeQueueCancelled  MergeQueueStatus = "cancelled"
)

// MergeQueueEntry is one admission to a repository's merge queue.
// Entries drain in strict FIFO order except council-authorised head
// insertions, which are explicitly marked.
type MergeQueueEntry struct {
	ID                string           `json:"id"`
	StreamID          string           `json:"stream_id"`
	RequesterID       string           `json:"requester_id"`
	Status            MergeQueueStatus `json:"status"`
	CouncilAuthorized bool             `json:"council_authorized"`
	BypassConsensus   bool             `json:"bypass_consensus"`
	EnqueuedAt        time.Time        `json:"enqueued_at"`
	Attempts          int              `json:"attempts"`
	LastError         string           `json:"last_error,omitempty"`
	MergeCommit       string           `json:"merge_commit,omitempty"`
}

// Validate checks if the Stream has valid field values.
func (s *Stream) Validate() error {
	if !IsValidID(s.ID) {
		return fmt.Errorf("invalid stream ID: not a valid UUID")
	}
	if !IsValidID(s.RepoID) {
		return fmt.Errorf("invalid repo ID: not a valid UUID")
	}
	if !IsValidID(s.AgentID) {
		return fmt.Errorf("invalid agent ID: not a valid UUID")
	}
	if s.BranchRef == "" {
		return fmt.Errorf("branch ref cannot be empty")
	}
	if s.BaseBranch == "" {
		return fmt.Errorf("base branch cannot be empty")
	}
	if s.ParentStreamID != "" && !IsValidID(s.ParentStreamID) {
		return fmt.Errorf("invalid parent stream ID: not a valid UUID")
	}
	if err := s.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if err := s.ReviewStatus.Validate(); err != nil {
		return fmt.Errorf("invalid review status: %w", err)
	}
	return nil
}

// Validate checks if the StreamStatus is a valid enum value.
func (s StreamStatus) Validate() error {
	switch s {
	case StreamStatusActive, StreamStatusInReview, StreamStatusMerged,
		StreamStatusAbandoned, StreamStatusReverted:
		return nil
	default:
		return fmt.Errorf("unknown stream status: %q", s)
	}
}

// Validate checks if the ReviewStatus is a valid enum value.
func (s ReviewStatus) Validate() error {
	switch s {
	case ReviewStatusPending, ReviewStatusInReview, ReviewStatusApproved,
		ReviewStatusChangesRequested:
		return nil
	default:
		return fmt.Errorf("unknown review status: %q", s)
	}
}

// Validate checks if the Verdict is a valid enum value.
func (v Verdict) Validate() error {
	switch v {
	case VerdictApprove, VerdictRequestChanges, VerdictComment:
		return nil
	default:
		return fmt.Errorf("unknown verdict: %q", v)
	}
}

// Validate checks if the Review has valid field values.
func (r *Review) Validate() error {
	if !IsValidID(r.StreamID) {
		return fmt.Errorf("invalid stream ID: not a valid UUID")
	}
	if !IsValidID(r.ReviewerID) {
		return fmt.Errorf("invalid reviewer ID: not a valid UUID")
	}
	if err := r.Verdict.Validate(); err != nil {
		return fmt.Errorf("invalid verdict: %w", err)
	}
	return nil
}

// Validate checks if the MergeQueueStatus is a valid enum value.
func (s MergeQueueStatus) Validate() error {
	switch s {
	case MergeQueuePending, MergeQueueProcessing, MergeQueueMerged,
		MergeQueueFailed, MergeQueueCancelled:
		return nil
	default:
		return fmt.Errorf("unknown merge queue status: %q", s)
	}
}
