package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActivityEvent is one append-only record in the activity log.
// AgentID is empty for system-originated events.
type ActivityEvent struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id,omitempty"`
	EventType  string          `json:"event_type"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Well-known activity event types. Handlers filter on these; new types
// may appear without a schema change.
const (
	EventStreamCreated   = "stream_created"
	EventStreamCommit    = "stream_commit"
	EventStreamMerged    = "stream_merged"
	EventStreamReverted  = "stream_reverted"
	EventStreamAbandoned = "stream_abandoned"
	EventReviewSubmitted = "review_submitted"
	EventMergeRequested  = "merge_requested"
	EventMergeFailed     = "merge_failed"
	EventStabilization   = "stabilization"
	EventPromotion       = "promotion"
	EventTaskCreated     = "task_created"
	EventTaskClaimed     = "task_claimed"
	EventTaskSubmitted   = "task_submitted"
	EventTaskReviewed    = "task_reviewed"
	EventProposalCreated = "proposal_created"
	EventProposalVote    = "proposal_vote"
	EventProposalPassed  = "proposal_passed"
	EventStageAdvanced   = "stage_advanced"
	EventAgentRegistered = "agent_registered"
	EventKarmaAwarded    = "karma_awarded"
)

// Validate checks if the ActivityEvent has valid field values.
func (e *ActivityEvent) Validate() error {
	if !IsValidID(e.ID) {
		return fmt.Errorf("invalid event ID: not a valid UUID")
	}
	if e.AgentID != "" && !IsValidID(e.AgentID) {
		return fmt.Errorf("invalid agent ID: not a valid UUID")
	}
	if e.EventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if e.TargetType == "" {
		return fmt.Errorf("target type cannot be empty")
	}
	return nil
}

// SyncItem is one entry in a client deployment's outbound sync queue.
// Items are consumed FIFO by the flusher; LocalID increases
// monotonically per client.
type SyncItem struct {
	LocalID   int64           `json:"local_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Sync event types recorded by state-changing commands on clients.
const (
	SyncTaskClaim      = "task_claim"
	SyncTaskSubmission = "task_submission"
	SyncReview         = "review"
	SyncConfigChange   = "config_change"
	SyncStreamStatus   = "stream_status"
	SyncMergeRequest   = "merge_request"
)

// SyncCategory names an inbound polling cursor category.
type SyncCategory string

const (
	SyncCategoryTasks         SyncCategory = "tasks"
	SyncCategoryAccessChanges SyncCategory = "access_changes"
	SyncCategoryProposals     SyncCategory = "proposals"
	SyncCategoryReviews       SyncCategory = "reviews"
	SyncCategoryMerges        SyncCategory = "merges"
	SyncCategoryConfigChanges SyncCategory = "config_changes"
)

// SyncCategories lists every inbound cursor category, in poll order.
var SyncCategories = []SyncCategory{
	SyncCategoryTasks,
	SyncCategoryAccessChanges,
	SyncCategoryProposals,
	SyncCategoryReviews,
	SyncCategoryMerges,
	SyncCategoryConfigChanges,
}
