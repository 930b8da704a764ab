package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Council is a configured body of agents empowered to pass typed
// proposals affecting repository governance. One council per repository.
type Council struct {
	ID             string    `json:"id"`
	RepoID         string    `json:"repo_id"`
	Status         string    `json:"status"` // forming | active
	MinMembers     int       `json:"min_members"`
	MaxMembers     int       `json:"max_members"`
	StandardQuorum int       `json:"standard_quorum"`
	CriticalQuorum int       `json:"critical_quorum"`
	TermDays       int       `json:"term_days"`
	CreatedAt      time.Time `json:"created_at"`
}

// CouncilStatusForming and CouncilStatusActive are the two council states.
const (
	CouncilStatusForming = "forming"
	CouncilStatusActive  = "active"
)

// CouncilRole distinguishes the chair from ordinary members.
type CouncilRole string

const (
	CouncilRoleChair  CouncilRole = "chair"
	CouncilRoleMember CouncilRole = "member"
)

// CouncilMember is a (council, agent, role) row with an optional term.
type CouncilMember struct {
	CouncilID     string      `json:"council_id"`
	AgentID       string      `json:"agent_id"`
	Role          CouncilRole `json:"role"`
	VotesCast     int         `json:"votes_cast"`
	TermExpiresAt *time.Time  `json:"term_expires_at,omitempty"`
	JoinedAt      time.Time   `json:"joined_at"`
}

// ProposalType enumerates the actions a council may take. Each variant
// carries its own action payload; dispatch is an exhaustive switch.
type ProposalType string

const (
	ProposalAddMaintainer    ProposalType = "add_maintainer"
	ProposalRemoveMaintainer ProposalType = "remove_maintainer"
	ProposalModifyAccess     ProposalType = "modify_access"
	ProposalChangeSettings   ProposalType = "change_settings"
	ProposalChangeThreshold  ProposalType = "change_threshold"
	ProposalChangeStage      ProposalType = "change_stage"
	ProposalMergeStream      ProposalType = "merge_stream"
)

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalStatusOpen     ProposalStatus = "open"
	ProposalStatusPassed   ProposalStatus = "passed"
	ProposalStatusRejected ProposalStatus = "rejected"
	ProposalStatusExpired  ProposalStatus = "expired"
)

// Proposal is a typed governance action put to a council vote.
type Proposal struct {
	ID              string          `json:"id"`
	CouncilID       string          `json:"council_id"`
	ProposerID      string          `json:"proposer_id"`
	Title           string          `json:"title"`
	Type            ProposalType    `json:"proposal_type"`
	ActionData      json.RawMessage `json:"action_data"`
	Status          ProposalStatus  `json:"status"`
	VotesFor        int             `json:"votes_for"`
	VotesAgainst    int             `json:"votes_against"`
	VotesAbstain    int             `json:"votes_abstain"`
	QuorumRequired  int             `json:"quorum_required"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Executed        bool            `json:"executed"`
	ExecutionResult string          `json:"execution_result,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// VoteChoice is a single council member's vote.
type VoteChoice string

const (
	VoteFor     VoteChoice = "for"
	VoteAgainst VoteChoice = "against"
	VoteAbstain VoteChoice = "abstain"
)

// CouncilVote is one member's latest vote on a proposal; re-voting
// updates the row and re-evaluates the outcome.
type CouncilVote struct {
	ProposalID string     `json:"proposal_id"`
	AgentID    string     `json:"agent_id"`
	Vote       VoteChoice `json:"vote"`
	VotedAt    time.Time  `json:"voted_at"`
}

// Typed action payloads, one per ProposalType.

// AddMaintainerAction adds an agent as maintainer (or owner).
type AddMaintainerAction struct {
	AgentID string         `json:"agent_id"`
	Role    MaintainerRole `json:"role,omitempty"` // Defaults to maintainer
}

// RemoveMaintainerAction removes a maintainer row. Execution fails if
// it would leave the repository without an owner.
type RemoveMaintainerAction struct {
	AgentID string `json:"agent_id"`
}

// ModifyAccessAction upserts an explicit access grant.
type ModifyAccessAction struct {
	AgentID string      `json:"agent_id"`
	Level   AccessLevel `json:"level"`
}

// ChangeSettingsAction updates named repository policy fields.
type ChangeSettingsAction struct {
	MergeMode          *MergeMode   `json:"merge_mode,omitempty"`
	AgentAccess        *AgentAccess `json:"agent_access,omitempty"`
	MinKarma           *int         `json:"min_karma,omitempty"`
	MinReviews         *int         `json:"min_reviews,omitempty"`
	AutoPromoteOnGreen *bool        `json:"auto_promote_on_green,omitempty"`
	AutoRevertOnRed    *bool        `json:"auto_revert_on_red,omitempty"`
}

// ChangeThresholdAction updates the consensus threshold, range-checked
// to [0,1] at execution time.
type ChangeThresholdAction struct {
	ConsensusThreshold float64 `json:"consensus_threshold"`
}

// ChangeStageAction overrides the stage engine.
type ChangeStageAction struct {
	Stage Stage `json:"stage"`
}

// MergeStreamAction places a merge request at the head of the queue.
// BypassConsensus lets the merge worker skip the consensus re-check.
type MergeStreamAction struct {
	StreamID        string `json:"stream_id"`
	BypassConsensus bool   `json:"bypass_consensus,omitempty"`
}

// Validate checks if the Proposal has valid field values.
func (p *Proposal) Validate() error {
	if !IsValidID(p.ID) {
		return fmt.Errorf("invalid proposal ID: not a valid UUID")
	}
	if !IsValidID(p.CouncilID) {
		return fmt.Errorf("invalid council ID: not a valid UUID")
	}
	if !IsValidID(p.ProposerID) {
		return fmt.Errorf("invalid proposer ID: not a valid UUID")
	}
	if p.Title == "" {
		return fmt.Errorf("proposal title cannot be empty")
	}
	if err := p.Type.Validate(); err != nil {
		return fmt.Errorf("invalid proposal type: %w", err)
	}
	if err := p.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if p.QuorumRequired < 1 {
		return fmt.Errorf("quorum must be >= 1, got %d", p.QuorumRequired)
	}
	return nil
}

// Validate checks if the ProposalType is a valid enum value.
func (t ProposalType) Validate() error {
	switch t {
	case ProposalAddMaintainer, ProposalRemoveMaintainer, ProposalModifyAccess,
		ProposalChangeSettings, ProposalChangeThreshold, ProposalChangeStage,
		ProposalMergeStream:
		return nil
	default:
		return fmt.Errorf("unknown proposal type: %q", t)
	}
}

// Validate checks if the ProposalStatus is a valid enum value.
func (s ProposalStatus) Validate() error {
	switch s {
	case ProposalStatusOpen, ProposalStatusPassed, ProposalStatusRejected,
		ProposalStatusExpired:
		return nil
	default:
		return fmt.Errorf("unknown proposal status: %q", s)
	}
}

// Validate checks if the VoteChoice is a valid enum value.
func (v VoteChoice) Validate() error {
	switch v {
	case VoteFor, VoteAgainst, VoteAbstain:
		return nil
	default:
		return fmt.Errorf("unknown vote: %q", v)
	}
}

// Critical reports whether the proposal type requires the council's
// critical quorum rather than the standard one.
func (t ProposalType) Critical() bool {
	switch t {
	case ProposalRemoveMaintainer, ProposalChangeStage, ProposalChangeThreshold:
		return true
	}
	return false
}
