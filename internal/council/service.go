// Package council implements repository governance bodies: membership,
// typed proposals, quorum voting, and synchronous execution of passed
// actions.
package council

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gitswarm/gitswarm/internal/activity"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/stage"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/stream"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Default council shape.
const (
	defaultMinMembers     = 3
	defaultMaxMembers     = 7
	defaultStandardQuorum = 2
	defaultCriticalQuorum = 3
	defaultTermDays       = 90

	defaultProposalTTL = 7 * 24 * time.Hour
)

// Service provides council operations.
type Service struct {
	store    store.Store
	queue    *stream.Queue
	activity *activity.Log
}

// NewService creates a council service. The queue serves merge_stream
// executions.
func NewService(st store.Store, q *stream.Queue, activityLog *activity.Log) *Service {
	return &Service{store: st, queue: q, activity: activityLog}
}

// CreateOptions override the default council shape. Zero values keep
// the defaults.
type CreateOptions struct {
	MinMembers     int `json:"min_members,omitempty"`
	MaxMembers     int `json:"max_members,omitempty"`
	StandardQuorum int `json:"standard_quorum,omitempty"`
	CriticalQuorum int `json:"critical_quorum,omitempty"`
	TermDays       int `json:"term_days,omitempty"`
}

// Create forms a council for a repository. One council per repository.
func (s *Service) Create(ctx context.Context, repoID string, opts CreateOptions) (*model.Council, error) {
	c := &model.Council{
		ID:             model.NewID(),
		RepoID:         repoID,
		Status:         model.CouncilStatusForming,
		MinMembers:     defaultMinMembers,
		MaxMembers:     defaultMaxMembers,
		StandardQuorum: defaultStandardQuorum,
		CriticalQuorum: defaultCriticalQuorum,
		TermDays:       defaultTermDays,
		CreatedAt:      time.Now().UTC(),
	}
	if opts.MinMembers > 0 {
		c.MinMembers = opts.MinMembers
	}
	if opts.MaxMembers > 0 {
		c.MaxMembers = opts.MaxMembers
	}
	if opts.StandardQuorum > 0 {
		c.StandardQuorum = opts.StandardQuorum
	}
	if opts.CriticalQuorum > 0 {
		c.CriticalQuorum = opts.CriticalQuorum
	}
	if opts.TermDays > 0 {
		c.TermDays = opts.TermDays
	}
	if c.MaxMembers < c.MinMembers {
		return nil, model.Validation("max_members", "cannot be below min_members")
	}

	_, err := s.store.Exec(ctx,
		`INSERT INTO councils (id, repo_id, status, min_members, max_members,
		   standard_quorum, critical_quorum, term_days, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.RepoID, c.Status, c.MinMembers, c.MaxMembers,
		c.StandardQuorum, c.CriticalQuorum, c.TermDays, store.TimeMS(c.CreatedAt))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, model.Conflict("repository already has a council")
		}
		return nil, fmt.Errorf("failed to create council: %w", err)
	}
	return c, nil
}

// Get fetches a council by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Council, error) {
	return scanCouncil(s.store.QueryRow(ctx,
		`SELECT id, repo_id, status, min_members, max_members, standard_quorum,
		   critical_quorum, term_days, created_at
		 FROM councils WHERE id = $1`, id))
}

// GetByRepo fetches a repository's council.
func (s *Service) GetByRepo(ctx context.Context, repoID string) (*model.Council, error) {
	return scanCouncil(s.store.QueryRow(ctx,
		`SELECT id, repo_id, status, min_members, max_members, standard_quorum,
		   critical_quorum, term_days, created_at
		 FROM councils WHERE repo_id = $1`, repoID))
}

// AddMember adds an agent to the council. Adding an existing member is
// a no-op; filling the council beyond max_members is rejected. The
// council activates once membership reaches min_members.
func (s *Service) AddMember(ctx context.Context, councilID, agentID string, role model.CouncilRole) error {
	if role == "" {
		role = model.CouncilRoleMember
	}
	c, err := s.Get(ctx, councilID)
	if err != nil {
		return err
	}

	return s.store.Transaction(ctx, func(tx store.Querier) error {
		var members int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM council_members WHERE council_id = $1`, councilID).Scan(&members); err != nil {
			return err
		}

		now := time.Now().UTC()
		term := now.AddDate(0, 0, c.TermDays)
		_, err := tx.Exec(ctx,
			`INSERT INTO council_members (council_id, agent_id, role, votes_cast, term_expires_at, joined_at)
			 VALUES ($1, $2, $3, 0, $4, $5)`,
			councilID, agentID, string(role), store.TimeMS(term), store.TimeMS(now))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return nil // idempotent on membership
			}
			return fmt.Errorf("failed to add council member: %w", err)
		}
		if members >= c.MaxMembers {
			return model.Conflict("council is full (%d members)", c.MaxMembers)
		}
		members++

		if members >= c.MinMembers && c.Status == model.CouncilStatusForming {
			if _, err := tx.Exec(ctx,
				`UPDATE councils SET status = 'active' WHERE id = $1`, councilID); err != nil {
				return fmt.Errorf("failed to activate council: %w", err)
			}
		}
		return nil
	})
}

// Members lists the council's membership, oldest first.
func (s *Service) Members(ctx context.Context, councilID string) ([]model.CouncilMember, error) {
	rows, err := s.store.Query(ctx,
		`SELECT council_id, agent_id, role, votes_cast, term_expires_at, joined_at
		 FROM council_members WHERE council_id = $1 ORDER BY joined_at`, councilID)
	if err != nil {
		return nil, fmt.Errorf("failed to list council members: %w", err)
	}
	defer rows.Close()

	var out []model.CouncilMember
	for rows.Next() {
		var (
			m        model.CouncilMember
			role     string
			termMS   sql.NullInt64
			joinedMS int64
		)
		if err := rows.Scan(&m.CouncilID, &m.AgentID, &role, &m.VotesCast, &termMS, &joinedMS); err != nil {
			return nil, err
		}
		m.Role = model.CouncilRole(role)
		m.TermExpiresAt = store.MSPtr(termMS)
		m.JoinedAt = store.MSTime(joinedMS)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Service) isMember(ctx context.Context, q store.Querier, councilID, agentID string) (bool, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM council_members WHERE council_id = $1 AND agent_id = $2`,
		councilID, agentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return n > 0, nil
}

// Propose opens a proposal. Critical types require the critical
// quorum; the action payload must decode as the type's action struct.
func (s *Service) Propose(ctx context.Context, councilID, proposerID, title string, ptype model.ProposalType, actionData json.RawMessage) (*model.Proposal, error) {
	if title == "" {
		return nil, model.Validation("title", "cannot be empty")
	}
	if err := ptype.Validate(); err != nil {
		return nil, model.Validation("proposal_type", err.Error())
	}
	if err := validateActionData(ptype, actionData); err != nil {
		return nil, err
	}

	c, err := s.Get(ctx, councilID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CouncilStatusActive {
		return nil, model.Conflict("council is still forming")
	}
	member, err := s.isMember(ctx, s.store, councilID, proposerID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, &model.PermissionError{Action: "propose", Required: model.AccessMaintain, Actual: model.AccessNone}
	}

	quorum := c.StandardQuorum
	if ptype.Critical() {
		quorum = c.CriticalQuorum
	}

	now := time.Now().UTC()
	p := &model.Proposal{
		ID:             model.NewID(),
		CouncilID:      councilID,
		ProposerID:     proposerID,
		Title:          title,
		Type:           ptype,
		ActionData:     actionData,
		Status:         model.ProposalStatusOpen,
		QuorumRequired: quorum,
		ExpiresAt:      now.Add(defaultProposalTTL),
		CreatedAt:      now,
	}
	_, err = s.store.Exec(ctx,
		`INSERT INTO proposals (id, council_id, proposer_id, title, proposal_type,
		   action_data, status, votes_for, votes_against, votes_abstain,
		   quorum_required, expires_at, executed, execution_result, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'open', 0, 0, 0, $7, $8, FALSE, '', $9)`,
		p.ID, p.CouncilID, p.ProposerID, p.Title, string(p.Type),
		string(actionData), p.QuorumRequired, store.TimeMS(p.ExpiresAt), store.TimeMS(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create proposal: %w", err)
	}

	s.activity.Record(ctx, proposerID, model.EventProposalCreated, "proposal", p.ID,
		map[string]string{"type": string(ptype), "title": title})
	return p, nil
}

func validateActionData(ptype model.ProposalType, data json.RawMessage) error {
	if len(data) == 0 {
		return model.Validation("action_data", "cannot be empty")
	}
	var err error
	switch ptype {
	case model.ProposalAddMaintainer:
		var a model.AddMaintainerAction
		if err = strictDecode(data, &a); err == nil && a.AgentID == "" {
			err = errors.New("agent_id is required")
		}
	case model.ProposalRemoveMaintainer:
		var a model.RemoveMaintainerAction
		if err = strictDecode(data, &a); err == nil && a.AgentID == "" {
			err = errors.New("agent_id is required")
		}
	case model.ProposalModifyAccess:
		var a model.ModifyAccessAction
		if err = strictDecode(data, &a); err == nil && a.AgentID == "" {
			err = errors.New("agent_id is required")
		}
	case model.ProposalChangeSettings:
		var a model.ChangeSettingsAction
		err = strictDecode(data, &a)
	case model.ProposalChangeThreshold:
		var a model.ChangeThresholdAction
		if err = strictDecode(data, &a); err == nil && (a.ConsensusThreshold < 0 || a.ConsensusThreshold > 1) {
			err = errors.New("consensus_threshold must be in [0,1]")
		}
	case model.ProposalChangeStage:
		var a model.ChangeStageAction
		if err = strictDecode(data, &a); err == nil {
			err = a.Stage.Validate()
		}
	case model.ProposalMergeStream:
		var a model.MergeStreamAction
		if err = strictDecode(data, &a); err == nil && a.StreamID == "" {
			err = errors.New("stream_id is required")
		}
	}
	if err != nil {
		return model.Validation("action_data", err.Error())
	}
	return nil
}

func strictDecode(data json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Vote records or updates a member's vote, recomputes the aggregates,
// and — once quorum is met — resolves the proposal, executing passed
// actions in the same transaction.
func (s *Service) Vote(ctx context.Context, proposalID, agentID string, choice model.VoteChoice) (*model.Proposal, error) {
	if err := choice.Validate(); err != nil {
		return nil, model.Validation("vote", err.Error())
	}

	// Expire lazily outside the vote transaction so the transition
	// survives the conflict below.
	res, err := s.store.Exec(ctx,
		`UPDATE proposals SET status = 'expired'
		 WHERE id = $1 AND status = 'open' AND expires_at < $2`,
		proposalID, store.TimeMS(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to check proposal expiry: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n > 0 {
		return nil, model.Conflict("proposal has expired")
	}

	var out *model.Proposal
	err = s.store.Transaction(ctx, func(tx store.Querier) error {
		p, err := scanProposal(tx.QueryRow(ctx, proposalQuery+` WHERE id = $1`, proposalID))
		if err != nil {
			return err
		}
		if p.Status != model.ProposalStatusOpen {
			return model.Conflict("proposal is %s", p.Status)
		}

		member, err := s.isMember(ctx, tx, p.CouncilID, agentID)
		if err != nil {
			return err
		}
		if !member {
			return &model.PermissionError{Action: "vote", Required: model.AccessMaintain, Actual: model.AccessNone}
		}

		now := store.TimeMS(time.Now())
		newVote := true
		_, err = tx.Exec(ctx,
			`INSERT INTO council_votes (proposal_id, agent_id, vote, voted_at) VALUES ($1, $2, $3, $4)`,
			p.ID, agentID, string(choice), now)
		if err != nil {
			if !store.IsUniqueViolation(err) {
				return fmt.Errorf("failed to record vote: %w", err)
			}
			newVote = false
			if _, err := tx.Exec(ctx,
				`UPDATE council_votes SET vote = $1, voted_at = $2 WHERE proposal_id = $3 AND agent_id = $4`,
				string(choice), now, p.ID, agentID); err != nil {
				return fmt.Errorf("failed to update vote: %w", err)
			}
		}
		if newVote {
			if _, err := tx.Exec(ctx,
				`UPDATE council_members SET votes_cast = votes_cast + 1
				 WHERE council_id = $1 AND agent_id = $2`, p.CouncilID, agentID); err != nil {
				return fmt.Errorf("failed to bump votes_cast: %w", err)
			}
		}

		// Recompute aggregates from the vote rows.
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FILTER (WHERE vote = 'for'),
			        COUNT(*) FILTER (WHERE vote = 'against'),
			        COUNT(*) FILTER (WHERE vote = 'abstain')
			 FROM council_votes WHERE proposal_id = $1`, p.ID).
			Scan(&p.VotesFor, &p.VotesAgainst, &p.VotesAbstain); err != nil {
			return fmt.Errorf("failed to tally votes: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE proposals SET votes_for = $1, votes_against = $2, votes_abstain = $3 WHERE id = $4`,
			p.VotesFor, p.VotesAgainst, p.VotesAbstain, p.ID); err != nil {
			return fmt.Errorf("failed to store tally: %w", err)
		}

		total := p.VotesFor + p.VotesAgainst + p.VotesAbstain
		if total >= p.QuorumRequired {
			if err := s.resolve(ctx, tx, p); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.activity.Record(ctx, agentID, model.EventProposalVote, "proposal", out.ID,
		map[string]any{"vote": choice, "status": out.Status})
	return out, nil
}

// resolve transitions a quorate proposal and executes a passed action.
// Execution failures keep the proposal passed with executed=false.
func (s *Service) resolve(ctx context.Context, tx store.Querier, p *model.Proposal) error {
	switch {
	case p.VotesFor > p.VotesAgainst:
		p.Status = model.ProposalStatusPassed
	case p.VotesAgainst > p.VotesFor:
		p.Status = model.ProposalStatusRejected
		p.ExecutionResult = "rejected by majority"
	default:
		p.Status = model.ProposalStatusRejected
		p.ExecutionResult = "tie"
	}

	if p.Status == model.ProposalStatusPassed {
		if err := s.execute(ctx, tx, p); err != nil {
			p.Executed = false
			p.ExecutionResult = err.Error()
			log.Printf("[Council] event=proposal_execution_failed proposal=%s error=%v", p.ID, err)
		} else {
			p.Executed = true
			p.ExecutionResult = "ok"
		}
	}

	_, err := tx.Exec(ctx,
		`UPDATE proposals SET status = $1, executed = $2, execution_result = $3 WHERE id = $4`,
		string(p.Status), p.Executed, p.ExecutionResult, p.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve proposal: %w", err)
	}
	return nil
}

// execute dispatches a passed proposal's typed action inside the vote
// transaction.
func (s *Service) execute(ctx context.Context, tx store.Querier, p *model.Proposal) error {
	var repoID string
	if err := tx.QueryRow(ctx,
		`SELECT repo_id FROM councils WHERE id = $1`, p.CouncilID).Scan(&repoID); err != nil {
		return fmt.Errorf("failed to resolve council repository: %w", err)
	}

	switch p.Type {
	case model.ProposalAddMaintainer:
		var a model.AddMaintainerAction
		if err := json.Unmarshal(p.ActionData, &a); err != nil {
			return err
		}
		return identity.AddMaintainerTx(ctx, tx, repoID, a.AgentID, a.Role)

	case model.ProposalRemoveMaintainer:
		var a model.RemoveMaintainerAction
		if err := json.Unmarshal(p.ActionData, &a); err != nil {
			return err
		}
		return identity.RemoveMaintainerTx(ctx, tx, repoID, a.AgentID)

	case model.ProposalModifyAccess:
		var a model.ModifyAccessAction
		if err := json.Unmarshal(p.ActionData, &a); err != nil {
			return err
		}
		return identity.UpsertGrantTx(ctx, tx, model.AccessGrant{
			RepoID: repoID, AgentID: a.AgentID, Level: a.Level,
		})

	case model.ProposalChangeSettings:
		var a model.ChangeSettingsAction
		if err := json.Unmarshal(p.ActionData, &a); err != nil {
			return err
		}
		return stage.UpdateSettingsTx(ctx, tx, repoID, stage.Settings{
			MergeMode:          a.MergeMode,
			AgentAccess:        a.AgentAccess,
			MinKarma:           a.MinKarma,
			MinReviews:         a.MinReviews,
			AutoPromoteOnGreen: a.AutoPromoteOnGreen,
			AutoRevertOnRed:    a.AutoRevertOnRed,
		})

	case model.ProposalChangeThreshold:
		var a model.ChangeThresholdAction
		if err := json.Unmarshal(p.ActionData, &a); err != nil {
			return err
		}
		return stage.UpdateSettingsTx(ctx, tx, repoID, stage.Settings{
			ConsensusThreshold: &a.ConsensusThreshold,
		})

	case model.ProposalChangeStage:
		var a model.ChangeStageAction
		if err := json.Unmarshal(p.ActionData, &a); err != nil {
			return err
		}
		var from string
		if err := tx.QueryRow(ctx,
			`SELECT stage FROM repositories WHERE id = $1`, repoID).Scan(&from); err != nil {
			return err
		}
		return stage.SetStageTx(ctx, tx, repoID, model.Stage(from), a.Stage, true)

	case model.ProposalMergeStream:
		var a model.MergeStreamAction
		if err := json.Unmarshal(p.ActionData, &a); err != nil {
			return err
		}
		return s.queue.EnqueueHead(ctx, tx, a.StreamID, p.ProposerID, a.BypassConsensus)
	}
	return fmt.Errorf("unknown proposal type %q", p.Type)
}

// ExpireOpenProposals marks open proposals past their deadline as
// expired and returns how many were swept.
func (s *Service) ExpireOpenProposals(ctx context.Context) (int, error) {
	res, err := s.store.Exec(ctx,
		`UPDATE proposals SET status = 'expired'
		 WHERE status = 'open' AND expires_at < $1`, store.TimeMS(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to expire proposals: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const proposalQuery = `SELECT id, council_id, proposer_id, title, proposal_type,
	action_data, status, votes_for, votes_against, votes_abstain,
	quorum_required, expires_at, executed, execution_result, created_at
	FROM proposals`

// GetProposal fetches a proposal by id.
func (s *Service) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	return scanProposal(s.store.QueryRow(ctx, proposalQuery+` WHERE id = $1`, id))
}

// Proposals lists a council's proposals, newest first.
func (s *Service) Proposals(ctx context.Context, councilID string) ([]*model.Proposal, error) {
	rows, err := s.store.Query(ctx, proposalQuery+` WHERE council_id = $1 ORDER BY created_at DESC`, councilID)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var out []*model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanCouncil(row interface{ Scan(...any) error }) (*model.Council, error) {
	var (
		c         model.Council
		createdMS int64
	)
	err := row.Scan(&c.ID, &c.RepoID, &c.Status, &c.MinMembers, &c.MaxMembers,
		&c.StandardQuorum, &c.CriticalQuorum, &c.TermDays, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("council: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan council: %w", err)
	}
	c.CreatedAt = store.MSTime(createdMS)
	return &c, nil
}

func scanProposal(row interface{ Scan(...any) error }) (*model.Proposal, error) {
	var (
		p          model.Proposal
		ptype      string
		action     string
		status     string
		expiresMS  int64
		createdMS  int64
	)
	err := row.Scan(&p.ID, &p.CouncilID, &p.ProposerID, &p.Title, &ptype,
		&action, &status, &p.VotesFor, &p.VotesAgainst, &p.VotesAbstain,
		&p.QuorumRequired, &expiresMS, &p.Executed, &p.ExecutionResult, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan proposal: %w", err)
	}
	p.Type = model.ProposalType(ptype)
	p.ActionData = json.RawMessage(action)
	p.Status = model.ProposalStatus(status)
	p.ExpiresAt = store.MSTime(expiresMS)
	p.CreatedAt = store.MSTime(createdMS)
	return &p, nil
}
