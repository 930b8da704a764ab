// Package stage owns repository records and their lifecycle tier.
// Repositories advance seed → growth → established → mature as they
// accumulate contributors, merged streams, maintainers, and (for
// mature) a council; the engine recomputes the backing metrics after
// every successful merge.
package stage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Service provides repository CRUD and stage advancement.
type Service struct {
	store store.Store
}

// NewService creates a stage service over the store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// CreateOptions are the caller-tunable fields of a new repository.
// Zero values fall back to seed-stage defaults.
type CreateOptions struct {
	OwnershipModel     model.OwnershipModel `json:"ownership_model,omitempty"`
	MergeMode          model.MergeMode      `json:"merge_mode,omitempty"`
	AgentAccess        model.AgentAccess    `json:"agent_access,omitempty"`
	ConsensusThreshold float64              `json:"consensus_threshold,omitempty"`
	MinReviews         int                  `json:"min_reviews,omitempty"`
	BufferBranch       string               `json:"buffer_branch,omitempty"`
	PromoteTarget      string               `json:"promote_target,omitempty"`
	StabilizeCommand   string               `json:"stabilize_command,omitempty"`
}

// CreateRepository registers a repository in seed stage and makes the
// creator its first owner.
func (s *Service) CreateRepository(ctx context.Context, name, creatorID string, opts CreateOptions) (*model.Repository, error) {
	if name == "" {
		return nil, model.Validation("name", "cannot be empty")
	}

	repo := &model.Repository{
		ID:                 model.NewID(),
		Name:               name,
		Stage:              model.StageSeed,
		OwnershipModel:     model.OwnershipSolo,
		MergeMode:          model.MergeModeReview,
		AgentAccess:        model.AgentAccessPublic,
		ConsensusThreshold: 0.5,
		MinReviews:         1,
		HumanReviewWeight:  1.0,
		BufferBranch:       "swarm-buffer",
		PromoteTarget:      "main",
		StabilizeTimeout:   10 * time.Minute,
		ConsensusAuthority: model.ConsensusAuthorityLocal,
		CreatedAt:          time.Now().UTC(),
	}
	if opts.OwnershipModel != "" {
		repo.OwnershipModel = opts.OwnershipModel
	}
	if opts.MergeMode != "" {
		repo.MergeMode = opts.MergeMode
	}
	if opts.AgentAccess != "" {
		repo.AgentAccess = opts.AgentAccess
	}
	if opts.ConsensusThreshold > 0 {
		repo.ConsensusThreshold = opts.ConsensusThreshold
	}
	if opts.MinReviews > 0 {
		repo.MinReviews = opts.MinReviews
	}
	if opts.BufferBranch != "" {
		repo.BufferBranch = opts.BufferBranch
	}
	if opts.PromoteTarget != "" {
		repo.PromoteTarget = opts.PromoteTarget
	}
	repo.StabilizeCommand = opts.StabilizeCommand
	if err := repo.Validate(); err != nil {
		return nil, model.Validation("repository", err.Error())
	}

	err := s.store.Transaction(ctx, func(tx store.Querier) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO repositories (id, name, stage, ownership_model, merge_mode, agent_access,
			   min_karma, consensus_threshold, min_reviews, human_review_weight,
			   buffer_branch, promote_target, stabilize_command, stabilize_timeout_ms,
			   auto_promote_on_green, auto_revert_on_red, consensus_authority,
			   contributor_count, patch_count, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			repo.ID, repo.Name, string(repo.Stage), string(repo.OwnershipModel),
			string(repo.MergeMode), string(repo.AgentAccess), repo.MinKarma,
			repo.ConsensusThreshold, repo.MinReviews, repo.HumanReviewWeight,
			repo.BufferBranch, repo.PromoteTarget, repo.StabilizeCommand,
			repo.StabilizeTimeout.Milliseconds(), repo.AutoPromoteOnGreen,
			repo.AutoRevertOnRed, string(repo.ConsensusAuthority),
			0, 0, store.TimeMS(repo.CreatedAt))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return model.Conflict("repository name %q already taken", name)
			}
			return fmt.Errorf("failed to create repository: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO maintainers (repo_id, agent_id, role, added_at) VALUES ($1, $2, $3, $4)`,
			repo.ID, creatorID, string(model.RoleOwner), store.TimeMS(repo.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

const repoColumns = `id, name, stage, ownership_model, merge_mode, agent_access,
	min_karma, consensus_threshold, min_reviews, human_review_weight,
	buffer_branch, promote_target, stabilize_command, stabilize_timeout_ms,
	auto_promote_on_green, auto_revert_on_red, consensus_authority,
	contributor_count, patch_count, created_at`

// GetRepository fetches a repository by id.
func (s *Service) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	return scanRepo(s.store.QueryRow(ctx,
		`SELECT `+repoColumns+` FROM repositories WHERE id = $1`, id))
}

// GetRepositoryByName fetches a repository by its unique name.
func (s *Service) GetRepositoryByName(ctx context.Context, name string) (*model.Repository, error) {
	return scanRepo(s.store.QueryRow(ctx,
		`SELECT `+repoColumns+` FROM repositories WHERE name = $1`, name))
}

// ListRepositories returns all repositories ordered by name.
func (s *Service) ListRepositories(ctx context.Context) ([]*model.Repository, error) {
	rows, err := s.store.Query(ctx, `SELECT `+repoColumns+` FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []*model.Repository
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// Settings are the repository fields adjustable after creation, by
// administrators directly or through a passed council proposal. Nil
// pointers leave the field untouched.
type Settings struct {
	OwnershipModel     *model.OwnershipModel     `json:"ownership_model,omitempty"`
	MergeMode          *model.MergeMode          `json:"merge_mode,omitempty"`
	AgentAccess        *model.AgentAccess        `json:"agent_access,omitempty"`
	MinKarma           *int                      `json:"min_karma,omitempty"`
	ConsensusThreshold *float64                  `json:"consensus_threshold,omitempty"`
	MinReviews         *int                      `json:"min_reviews,omitempty"`
	HumanReviewWeight  *float64                  `json:"human_review_weight,omitempty"`
	StabilizeCommand   *string                   `json:"stabilize_command,omitempty"`
	AutoPromoteOnGreen *bool                     `json:"auto_promote_on_green,omitempty"`
	AutoRevertOnRed    *bool                     `json:"auto_revert_on_red,omitempty"`
	ConsensusAuthority *model.ConsensusAuthority `json:"consensus_authority,omitempty"`
}

// UpdateSettings applies the non-nil fields after range checks.
func (s *Service) UpdateSettings(ctx context.Context, repoID string, set Settings) error {
	return s.store.Transaction(ctx, func(tx store.Querier) error {
		return UpdateSettingsTx(ctx, tx, repoID, set)
	})
}

// UpdateSettingsTx is the transaction-scoped form used by council
// auto-execution.
func UpdateSettingsTx(ctx context.Context, q store.Querier, repoID string, set Settings) error {
	type change struct {
		column string
		value  any
	}
	var changes []change

	if set.OwnershipModel != nil {
		if err := set.OwnershipModel.Validate(); err != nil {
			return model.Validation("ownership_model", err.Error())
		}
		changes = append(changes, change{"ownership_model", string(*set.OwnershipModel)})
	}
	if set.MergeMode != nil {
		if err := set.MergeMode.Validate(); err != nil {
			return model.Validation("merge_mode", err.Error())
		}
		changes = append(changes, change{"merge_mode", string(*set.MergeMode)})
	}
	if set.AgentAccess != nil {
		if err := set.AgentAccess.Validate(); err != nil {
			return model.Validation("agent_access", err.Error())
		}
		changes = append(changes, change{"agent_access", string(*set.AgentAccess)})
	}
	if set.MinKarma != nil {
		if *set.MinKarma < 0 {
			return model.Validation("min_karma", "cannot be negative")
		}
		changes = append(changes, change{"min_karma", *set.MinKarma})
	}
	if set.ConsensusThreshold != nil {
		if *set.ConsensusThreshold < 0 || *set.ConsensusThreshold > 1 {
			return model.Validation("consensus_threshold", "must be in [0,1]")
		}
		changes = append(changes, change{"consensus_threshold", *set.ConsensusThreshold})
	}
	if set.MinReviews != nil {
		if *set.MinReviews < 1 {
			return model.Validation("min_reviews", "must be >= 1")
		}
		changes = append(changes, change{"min_reviews", *set.MinReviews})
	}
	if set.HumanReviewWeight != nil {
		if *set.HumanReviewWeight < 0 {
			return model.Validation("human_review_weight", "cannot be negative")
		}
		changes = append(changes, change{"human_review_weight", *set.HumanReviewWeight})
	}
	if set.StabilizeCommand != nil {
		changes = append(changes, change{"stabilize_command", *set.StabilizeCommand})
	}
	if set.AutoPromoteOnGreen != nil {
		changes = append(changes, change{"auto_promote_on_green", *set.AutoPromoteOnGreen})
	}
	if set.AutoRevertOnRed != nil {
		changes = append(changes, change{"auto_revert_on_red", *set.AutoRevertOnRed})
	}
	if set.ConsensusAuthority != nil {
		changes = append(changes, change{"consensus_authority", string(*set.ConsensusAuthority)})
	}
	if len(changes) == 0 {
		return model.Validation("settings", "no fields to update")
	}

	for _, c := range changes {
		res, err := q.Exec(ctx,
			fmt.Sprintf(`UPDATE repositories SET %s = $1 WHERE id = $2`, c.column),
			c.value, repoID)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", c.column, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("repository: %w", model.ErrNotFound)
		}
	}
	return nil
}

func scanRepo(row interface{ Scan(...any) error }) (*model.Repository, error) {
	var (
		r                model.Repository
		stage, ownership string
		mergeMode        string
		access           string
		authority        string
		timeoutMS        int64
		createdMS        int64
	)
	err := row.Scan(&r.ID, &r.Name, &stage, &ownership, &mergeMode, &access,
		&r.MinKarma, &r.ConsensusThreshold, &r.MinReviews, &r.HumanReviewWeight,
		&r.BufferBranch, &r.PromoteTarget, &r.StabilizeCommand, &timeoutMS,
		&r.AutoPromoteOnGreen, &r.AutoRevertOnRed, &authority,
		&r.ContributorCount, &r.PatchCount, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan repository: %w", err)
	}
	r.Stage = model.Stage(stage)
	r.OwnershipModel = model.OwnershipModel(ownership)
	r.MergeMode = model.MergeMode(mergeMode)
	r.AgentAccess = model.AgentAccess(access)
	r.ConsensusAuthority = model.ConsensusAuthority(authority)
	r.StabilizeTimeout = time.Duration(timeoutMS) * time.Millisecond
	r.CreatedAt = store.MSTime(createdMS)
	return &r, nil
}
