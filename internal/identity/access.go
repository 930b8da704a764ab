package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Action names an operation class checked by CanPerform. Actions map
// to minimum access levels: read < write < merge < settings < delete.
type Action string

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionMerge    Action = "merge"
	ActionSettings Action = "settings"
	ActionDelete   Action = "delete"
)

// minLevelFor maps each action to the access level that permits it.
var minLevelFor = map[Action]model.AccessLevel{
	ActionRead:     model.AccessRead,
	ActionWrite:    model.AccessWrite,
	ActionMerge:    model.AccessMaintain,
	ActionSettings: model.AccessMaintain,
	ActionDelete:   model.AccessAdmin,
}

// Resolution is the outcome of ResolvePermissions: the effective level
// and which rule produced it.
type Resolution struct {
	Level  model.AccessLevel
	Source string // "owner", "maintainer", "grant", "public", "karma_threshold", "allowlist", "status"
}

// ResolvePermissions computes the effective access of an agent on a
// repository in strict precedence: owner, maintainer, explicit grant,
// repository default. Banned and suspended agents always resolve to
// none.
func (s *Service) ResolvePermissions(ctx context.Context, agent *model.Agent, repo *model.Repository) (Resolution, error) {
	if agent.Status != model.AgentStatusActive {
		return Resolution{Level: model.AccessNone, Source: "status"}, nil
	}

	role, isMaintainer, err := s.MaintainerRole(ctx, repo.ID, agent.ID)
	if err != nil {
		return Resolution{}, err
	}
	if isMaintainer {
		if role == model.RoleOwner {
			return Resolution{Level: model.AccessAdmin, Source: "owner"}, nil
		}
		return Resolution{Level: model.AccessMaintain, Source: "maintainer"}, nil
	}

	grant, err := s.grantFor(ctx, repo.ID, agent.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return Resolution{}, err
	}
	if grant != nil && !grant.Expired(time.Now()) {
		return Resolution{Level: grant.Level, Source: "grant"}, nil
	}

	switch repo.AgentAccess {
	case model.AgentAccessPublic:
		return Resolution{Level: model.AccessWrite, Source: "public"}, nil
	case model.AgentAccessKarmaThreshold:
		if agent.Karma >= repo.MinKarma {
			return Resolution{Level: model.AccessWrite, Source: "karma_threshold"}, nil
		}
		return Resolution{Level: model.AccessRead, Source: "karma_threshold"}, nil
	case model.AgentAccessAllowlist:
		return Resolution{Level: model.AccessNone, Source: "allowlist"}, nil
	}
	return Resolution{Level: model.AccessNone, Source: "default"}, nil
}

// CanPerform checks an action against the agent's resolved level and
// returns a PermissionError carrying the triggering level on denial.
func (s *Service) CanPerform(ctx context.Context, agent *model.Agent, repo *model.Repository, action Action) error {
	required, ok := minLevelFor[action]
	if !ok {
		return model.Validation("action", fmt.Sprintf("unknown action %q", action))
	}
	res, err := s.ResolvePermissions(ctx, agent, repo)
	if err != nil {
		return err
	}
	if !res.Level.AtLeast(required) {
		return &model.PermissionError{Action: string(action), Required: required, Actual: res.Level}
	}
	return nil
}

// CanPushToBranch evaluates the highest-priority matching branch rule.
// Without any matching rule, pushes follow the agent's write access.
func (s *Service) CanPushToBranch(ctx context.Context, agent *model.Agent, repo *model.Repository, branch string) (bool, error) {
	rules, err := s.branchRules(ctx, repo.ID)
	if err != nil {
		return false, err
	}

	var matched *model.BranchRule
	for i := range rules {
		if strings.HasPrefix(branch, rules[i].Pattern) {
			matched = &rules[i]
			break
		}
	}
	if matched == nil {
		err := s.CanPerform(ctx, agent, repo, ActionWrite)
		return err == nil, nil
	}

	switch matched.DirectPush {
	case model.DirectPushAll:
		return true, nil
	case model.DirectPushMaintainers:
		_, isMaintainer, err := s.MaintainerRole(ctx, repo.ID, agent.ID)
		if err != nil {
			return false, err
		}
		return isMaintainer, nil
	default:
		return false, nil
	}
}

// MaintainerRole reports whether the agent is a maintainer of the repo
// and with which role.
func (s *Service) MaintainerRole(ctx context.Context, repoID, agentID string) (model.MaintainerRole, bool, error) {
	var role string
	err := s.store.QueryRow(ctx,
		`SELECT role FROM maintainers WHERE repo_id = $1 AND agent_id = $2`,
		repoID, agentID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up maintainer: %w", err)
	}
	return model.MaintainerRole(role), true, nil
}

// Maintainers lists the maintainer rows of a repository.
func (s *Service) Maintainers(ctx context.Context, repoID string) ([]model.Maintainer, error) {
	rows, err := s.store.Query(ctx,
		`SELECT repo_id, agent_id, role, added_at FROM maintainers WHERE repo_id = $1 ORDER BY added_at`,
		repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list maintainers: %w", err)
	}
	defer rows.Close()

	var out []model.Maintainer
	for rows.Next() {
		var (
			m       model.Maintainer
			role    string
			addedMS int64
		)
		if err := rows.Scan(&m.RepoID, &m.AgentID, &role, &addedMS); err != nil {
			return nil, err
		}
		m.Role = model.MaintainerRole(role)
		m.AddedAt = store.MSTime(addedMS)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMaintainer inserts a maintainer row; adding an existing maintainer
// updates the role instead.
func (s *Service) AddMaintainer(ctx context.Context, repoID, agentID string, role model.MaintainerRole) error {
	return AddMaintainerTx(ctx, s.store, repoID, agentID, role)
}

// AddMaintainerTx is the transaction-scoped form used by council
// auto-execution.
func AddMaintainerTx(ctx context.Context, q store.Querier, repoID, agentID string, role model.MaintainerRole) error {
	if role == "" {
		role = model.RoleMaintainer
	}
	_, err := q.Exec(ctx,
		`INSERT INTO maintainers (repo_id, agent_id, role, added_at) VALUES ($1, $2, $3, $4)`,
		repoID, agentID, string(role), store.TimeMS(time.Now()))
	if err != nil {
		if store.IsUniqueViolation(err) {
			_, err = q.Exec(ctx,
				`UPDATE maintainers SET role = $1 WHERE repo_id = $2 AND agent_id = $3`,
				string(role), repoID, agentID)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to add maintainer: %w", err)
	}
	return nil
}

// RemoveMaintainer deletes a maintainer row, refusing to remove the
// last owner of the repository.
func (s *Service) RemoveMaintainer(ctx context.Context, repoID, agentID string) error {
	return s.store.Transaction(ctx, func(tx store.Querier) error {
		return RemoveMaintainerTx(ctx, tx, repoID, agentID)
	})
}

// RemoveMaintainerTx is the transaction-scoped form used by council
// auto-execution. It enforces the at-least-one-owner invariant.
func RemoveMaintainerTx(ctx context.Context, q store.Querier, repoID, agentID string) error {
	var role string
	err := q.QueryRow(ctx,
		`SELECT role FROM maintainers WHERE repo_id = $1 AND agent_id = $2`,
		repoID, agentID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("maintainer: %w", model.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if model.MaintainerRole(role) == model.RoleOwner {
		var owners int
		if err := q.QueryRow(ctx,
			`SELECT COUNT(*) FROM maintainers WHERE repo_id = $1 AND role = 'owner'`,
			repoID).Scan(&owners); err != nil {
			return err
		}
		if owners <= 1 {
			return model.Conflict("cannot remove the last owner of the repository")
		}
	}

	_, err = q.Exec(ctx,
		`DELETE FROM maintainers WHERE repo_id = $1 AND agent_id = $2`, repoID, agentID)
	return err
}

// UpsertGrant writes an explicit access grant, replacing any existing
// row for the (repo, agent) pair.
func (s *Service) UpsertGrant(ctx context.Context, grant model.AccessGrant) error {
	return UpsertGrantTx(ctx, s.store, grant)
}

// UpsertGrantTx is the transaction-scoped form used by council
// auto-execution.
func UpsertGrantTx(ctx context.Context, q store.Querier, grant model.AccessGrant) error {
	_, err := q.Exec(ctx,
		`DELETE FROM repo_access WHERE repo_id = $1 AND agent_id = $2`,
		grant.RepoID, grant.AgentID)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO repo_access (repo_id, agent_id, level, expires_at, granted_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		grant.RepoID, grant.AgentID, string(grant.Level),
		store.NullMS(grant.ExpiresAt), store.TimeMS(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert grant: %w", err)
	}
	return nil
}

func (s *Service) grantFor(ctx context.Context, repoID, agentID string) (*model.AccessGrant, error) {
	var (
		g         model.AccessGrant
		level     string
		expires   sql.NullInt64
		grantedMS int64
	)
	err := s.store.QueryRow(ctx,
		`SELECT repo_id, agent_id, level, expires_at, granted_at
		 FROM repo_access WHERE repo_id = $1 AND agent_id = $2`,
		repoID, agentID).Scan(&g.RepoID, &g.AgentID, &level, &expires, &grantedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up grant: %w", err)
	}
	g.Level = model.AccessLevel(level)
	g.ExpiresAt = store.MSPtr(expires)
	g.GrantedAt = store.MSTime(grantedMS)
	return &g, nil
}

func (s *Service) branchRules(ctx context.Context, repoID string) ([]model.BranchRule, error) {
	rows, err := s.store.Query(ctx,
		`SELECT id, repo_id, pattern, priority, direct_push, required_approvals, require_tests_pass
		 FROM branch_rules WHERE repo_id = $1 ORDER BY priority DESC`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branch rules: %w", err)
	}
	defer rows.Close()

	var out []model.BranchRule
	for rows.Next() {
		var (
			r          model.BranchRule
			directPush string
			testsPass  sql.NullBool
		)
		if err := rows.Scan(&r.ID, &r.RepoID, &r.Pattern, &r.Priority, &directPush,
			&r.RequiredApprovals, &testsPass); err != nil {
			return nil, err
		}
		r.DirectPush = model.DirectPushPolicy(directPush)
		r.RequireTestsPass = testsPass.Valid && testsPass.Bool
		out = append(out, r)
	}
	return out, rows.Err()
}

// BranchRules lists the repository's branch protection rules in
// evaluation order.
func (s *Service) BranchRules(ctx context.Context, repoID string) ([]model.BranchRule, error) {
	return s.branchRules(ctx, repoID)
}

// AddBranchRule persists a branch protection rule.
func (s *Service) AddBranchRule(ctx context.Context, rule model.BranchRule) error {
	if err := rule.DirectPush.Validate(); err != nil {
		return model.Validation("direct_push", err.Error())
	}
	_, err := s.store.Exec(ctx,
		`INSERT INTO branch_rules (id, repo_id, pattern, priority, direct_push, required_approvals, require_tests_pass)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rule.ID, rule.RepoID, rule.Pattern, rule.Priority, string(rule.DirectPush),
		rule.RequiredApprovals, rule.RequireTestsPass)
	if err != nil {
		return fmt.Errorf("failed to add branch rule: %w", err)
	}
	return nil
}

// RemoveBranchRule deletes one rule by id.
func (s *Service) RemoveBranchRule(ctx context.Context, repoID, ruleID string) error {
	res, err := s.store.Exec(ctx,
		`DELETE FROM branch_rules WHERE repo_id = $1 AND id = $2`, repoID, ruleID)
	if err != nil {
		return fmt.Errorf("failed to remove branch rule: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("branch rule %s: %w", ruleID, model.ErrNotFound)
	}
	return nil
}
