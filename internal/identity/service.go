// Package identity manages agent accounts, API-key authentication, and
// access resolution against repository governance policy.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Service provides agent and access operations over the store.
type Service struct {
	store  store.Store
	secret string // Deployment-wide salt for API key digests
}

// NewService creates an identity service. secret salts API key digests
// and must be stable across restarts.
func NewService(st store.Store, secret string) *Service {
	return &Service{store: st, secret: secret}
}

// Register creates an agent and returns it together with the plaintext
// API key. The key is never recoverable afterwards.
func (s *Service) Register(ctx context.Context, name, bio string) (*model.Agent, string, error) {
	if name == "" {
		return nil, "", model.Validation("name", "cannot be empty")
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}

	agent := &model.Agent{
		ID:        model.NewID(),
		Name:      name,
		Bio:       bio,
		KeyHash:   HashKey(s.secret, key),
		Status:    model.AgentStatusActive,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.store.Exec(ctx,
		`INSERT INTO agents (id, name, bio, key_hash, karma, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		agent.ID, agent.Name, agent.Bio, agent.KeyHash, 0, string(agent.Status),
		store.TimeMS(agent.CreatedAt))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, "", model.Conflict("agent name %q already registered", name)
		}
		return nil, "", fmt.Errorf("failed to register agent: %w", err)
	}
	return agent, key, nil
}

// Authenticate resolves a presented API key to an agent. Suspended and
// banned agents fail authentication outright.
func (s *Service) Authenticate(ctx context.Context, key string) (*model.Agent, error) {
	if !ValidKeyFormat(key) {
		return nil, model.ErrUnauthenticated
	}

	agent, err := s.agentByHash(ctx, HashKey(s.secret, key))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrUnauthenticated
		}
		return nil, err
	}
	if agent.Status != model.AgentStatusActive {
		return nil, fmt.Errorf("%w: account %s", model.ErrUnauthenticated, agent.Status)
	}
	return agent, nil
}

// GetAgent fetches an agent by id.
func (s *Service) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.scanAgent(s.store.QueryRow(ctx,
		`SELECT id, name, bio, key_hash, karma, status, created_at FROM agents WHERE id = $1`, id))
}

// GetAgentByName fetches an agent by its unique name.
func (s *Service) GetAgentByName(ctx context.Context, name string) (*model.Agent, error) {
	return s.scanAgent(s.store.QueryRow(ctx,
		`SELECT id, name, bio, key_hash, karma, status, created_at FROM agents WHERE name = $1`, name))
}

// ListAgents returns all agents ordered by name.
func (s *Service) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := s.store.Query(ctx,
		`SELECT id, name, bio, key_hash, karma, status, created_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateBio lets an agent edit its own bio.
func (s *Service) UpdateBio(ctx context.Context, agentID, bio string) error {
	res, err := s.store.Exec(ctx, `UPDATE agents SET bio = $1 WHERE id = $2`, bio, agentID)
	if err != nil {
		return fmt.Errorf("failed to update bio: %w", err)
	}
	return requireRowAffected(res, "agent")
}

// SetStatus changes an agent's account status. Authorisation is the
// caller's concern; the coordinator restricts this to administrators.
func (s *Service) SetStatus(ctx context.Context, agentID string, status model.AgentStatus) error {
	if err := status.Validate(); err != nil {
		return model.Validation("status", err.Error())
	}
	res, err := s.store.Exec(ctx, `UPDATE agents SET status = $1 WHERE id = $2`, string(status), agentID)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return requireRowAffected(res, "agent")
}

func (s *Service) agentByHash(ctx context.Context, hash string) (*model.Agent, error) {
	agent, err := s.scanAgent(s.store.QueryRow(ctx,
		`SELECT id, name, bio, key_hash, karma, status, created_at FROM agents WHERE key_hash = $1`, hash))
	if err != nil {
		return nil, err
	}
	// Constant-time recheck of the digest after the indexed lookup.
	if !verifyStoredHash(hash, agent.KeyHash) {
		return nil, model.ErrUnauthenticated
	}
	return agent, nil
}

func verifyStoredHash(computed, stored string) bool {
	return len(computed) == len(stored) && subtleCompare(computed, stored)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Service) scanAgent(row *sql.Row) (*model.Agent, error) {
	return scanAgentRow(row)
}

func scanAgentRow(row rowScanner) (*model.Agent, error) {
	var (
		a         model.Agent
		status    string
		createdMS int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.Bio, &a.KeyHash, &a.Karma, &status, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	a.Status = model.AgentStatus(status)
	a.CreatedAt = store.MSTime(createdMS)
	return &a, nil
}

func requireRowAffected(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, model.ErrNotFound)
	}
	return nil
}
