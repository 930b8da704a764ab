package model

import (
	"fmt"
	"time"
)

// Repository is the unit of coordination: one git repository plus the
// governance policy that controls how streams reach its main branch.
type Repository struct {
	ID                 string             `json:"id"`   // UUID
	Name               string             `json:"name"` // Unique across the deployment
	Stage              Stage              `json:"stage"`
	OwnershipModel     OwnershipModel     `json:"ownership_model"`
	MergeMode          MergeMode          `json:"merge_mode"`
	AgentAccess        AgentAccess        `json:"agent_access"`
	MinKarma           int                `json:"min_karma"`           // Karma floor for karma_threshold access
	ConsensusThreshold float64            `json:"consensus_threshold"` // In [0, 1]
	MinReviews         int                `json:"min_reviews"`         // >= 1
	HumanReviewWeight  float64            `json:"human_review_weight"` // Multiplier for is_human reviews in the open model
	BufferBranch       string             `json:"buffer_branch"`       // Staging branch accumulating merged streams
	PromoteTarget      string             `json:"promote_target"`      // Branch the buffer fast-forwards into
	StabilizeCommand   string             `json:"stabilize_command"`
	StabilizeTimeout   time.Duration      `json:"stabilize_timeout"`
	AutoPromoteOnGreen bool               `json:"auto_promote_on_green"`
	AutoRevertOnRed    bool               `json:"auto_revert_on_red"`
	ConsensusAuthority ConsensusAuthority `json:"consensus_authority"`

	// Denormalised counters maintained by the stage engine.
	ContributorCount int `json:"contributor_count"`
	PatchCount       int `json:"patch_count"`

	CreatedAt time.Time `json:"created_at"`
}

// Stage is the repository lifecycle tier. Stages gate default policies
// and advance as the repository accumulates contributors and merges.
type Stage string

const (
	StageSeed        Stage = "seed"
	StageGrowth      Stage = "growth"
	StageEstablished Stage = "established"
	StageMature      Stage = "mature"
)

// OwnershipModel selects the rule family used to interpret reviews.
type OwnershipModel string

const (
	// OwnershipSolo requires an approval from an owner; nothing else counts.
	OwnershipSolo OwnershipModel = "solo"

	// OwnershipGuild counts maintainer reviews against a threshold ratio.
	OwnershipGuild OwnershipModel = "guild"

	// OwnershipOpen weights every review by the reviewer's karma.
	OwnershipOpen OwnershipModel = "open"
)

// MergeMode controls when commits are queued for the buffer.
type MergeMode string

const (
	// MergeModeSwarm queues every commit for buffer merge immediately.
	MergeModeSwarm MergeMode = "swarm"

	// MergeModeReview requires an explicit merge request after consensus.
	MergeModeReview MergeMode = "review"

	// MergeModeGated additionally requires stabilization before promote.
	MergeModeGated MergeMode = "gated"
)

// AgentAccess is the repository's default access policy for agents
// without an explicit grant.
type AgentAccess string

const (
	AgentAccessPublic         AgentAccess = "public"
	AgentAccessKarmaThreshold AgentAccess = "karma_threshold"
	AgentAccessAllowlist      AgentAccess = "allowlist"
)

// ConsensusAuthority names the site whose consensus answer is binding.
type ConsensusAuthority string

const (
	ConsensusAuthorityLocal  ConsensusAuthority = "local"
	ConsensusAuthorityServer ConsensusAuthority = "server"
)

// AccessLevel is the effective permission an agent holds on a repository.
// Levels are strictly ordered: none < read < write < maintain < admin.
type AccessLevel string

const (
	AccessNone     AccessLevel = "none"
	AccessRead     AccessLevel = "read"
	AccessWrite    AccessLevel = "write"
	AccessMaintain AccessLevel = "maintain"
	AccessAdmin    AccessLevel = "admin"
)

// accessRank orders access levels for comparison.
var accessRank = map[AccessLevel]int{
	AccessNone:     0,
	AccessRead:     1,
	AccessWrite:    2,
	AccessMaintain: 3,
	AccessAdmin:    4,
}

// AtLeast reports whether l grants at least the permissions of min.
func (l AccessLevel) AtLeast(min AccessLevel) bool {
	return accessRank[l] >= accessRank[min]
}

// AccessGrant is an explicit (repo, agent) permission row. An expired
// grant behaves as if absent.
type AccessGrant struct {
	RepoID    string      `json:"repo_id"`
	AgentID   string      `json:"agent_id"`
	Level     AccessLevel `json:"level"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	GrantedAt time.Time   `json:"granted_at"`
}

// Expired reports whether the grant has lapsed at the given instant.
func (g *AccessGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// StageTransition is one recorded stage advancement.
type StageTransition struct {
	ID         string    `json:"id"`
	RepoID     string    `json:"repo_id"`
	FromStage  Stage     `json:"from_stage"`
	ToStage    Stage     `json:"to_stage"`
	Forced     bool      `json:"forced"`
	AdvancedAt time.Time `json:"advanced_at"`
}

// MaintainerRole distinguishes owners from ordinary maintainers.
type MaintainerRole string

const (
	RoleOwner      MaintainerRole = "owner"
	RoleMaintainer MaintainerRole = "maintainer"
)

// Maintainer is a (repo, agent, role) row. Every repository with any
// maintainer row must keep at least one owner.
type Maintainer struct {
	RepoID  string         `json:"repo_id"`
	AgentID string         `json:"agent_id"`
	Role    MaintainerRole `json:"role"`
	AddedAt time.Time      `json:"added_at"`
}

// DirectPushPolicy controls who may push to branches matching a rule.
type DirectPushPolicy string

const (
	DirectPushNone        DirectPushPolicy = "none"
	DirectPushMaintainers DirectPushPolicy = "maintainers"
	DirectPushAll         DirectPushPolicy = "all"
)

// BranchRule is a path-prefix branch protection rule. Rules are
// evaluated in descending priority order; the first match wins.
type BranchRule struct {
	ID                string           `json:"id"`
	RepoID            string           `json:"repo_id"`
	Pattern           string           `json:"pattern"` // Prefix match against the branch name
	Priority          int              `json:"priority"`
	DirectPush        DirectPushPolicy `json:"direct_push"`
	RequiredApprovals int              `json:"required_approvals"`
	RequireTestsPass  bool             `json:"require_tests_pass"`
}

// Validate checks if the Repository has valid field values.
func (r *Repository) Validate() error {
	if !IsValidID(r.ID) {
		return fmt.Errorf("invalid repository ID: not a valid UUID")
	}
	if r.Name == "" {
		return fmt.Errorf("repository name cannot be empty")
	}
	if err := r.Stage.Validate(); err != nil {
		return fmt.Errorf("invalid stage: %w", err)
	}
	if err := r.OwnershipModel.Validate(); err != nil {
		return fmt.Errorf("invalid ownership model: %w", err)
	}
	if err := r.MergeMode.Validate(); err != nil {
		return fmt.Errorf("invalid merge mode: %w", err)
	}
	if err := r.AgentAccess.Validate(); err != nil {
		return fmt.Errorf("invalid agent access: %w", err)
	}
	if r.ConsensusThreshold < 0 || r.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus threshold must be in [0,1], got %v", r.ConsensusThreshold)
	}
	if r.MinReviews < 1 {
		return fmt.Errorf("min reviews must be >= 1, got %d", r.MinReviews)
	}
	if r.BufferBranch == "" {
		return fmt.Errorf("buffer branch cannot be empty")
	}
	if r.PromoteTarget == "" {
		return fmt.Errorf("promote target cannot be empty")
	}
	return nil
}

// Validate checks if the Stage is a valid enum value.
func (s Stage) Validate() error {
	switch s {
	case StageSeed, StageGrowth, StageEstablished, StageMature:
		return nil
	default:
		return fmt.Errorf("unknown stage: %q", s)
	}
}

// Validate checks if the OwnershipModel is a valid enum value.
func (m OwnershipModel) Validate() error {
	switch m {
	case OwnershipSolo, OwnershipGuild, OwnershipOpen:
		return nil
	default:
		return fmt.Errorf("unknown ownership model: %q", m)
	}
}

// Validate checks if the MergeMode is a valid enum value.
func (m MergeMode) Validate() error {
	switch m {
	case MergeModeSwarm, MergeModeReview, MergeModeGated:
		return nil
	default:
		return fmt.Errorf("unknown merge mode: %q", m)
	}
}

// Validate checks if the AgentAccess is a valid enum value.
func (a AgentAccess) Validate() error {
	switch a {
	case AgentAccessPublic, AgentAccessKarmaThreshold, AgentAccessAllowlist:
		return nil
	default:
		return fmt.Errorf("unknown agent access: %q", a)
	}
}

// Validate checks if the DirectPushPolicy is a valid enum value.
func (p DirectPushPolicy) Validate() error {
	switch p {
	case DirectPushNone, DirectPushMaintainers, DirectPushAll:
		return nil
	default:
		return fmt.Errorf("unknown direct push policy: %q", p)
	}
}
