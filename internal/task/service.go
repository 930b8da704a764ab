// Package task runs the task market: open tasks, claims, submissions,
// and reviews of submitted work. Approval pays the bounty-derived
// karma; rejection reopens the task for another agent.
package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/karma"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Service provides the task market operations.
type Service struct {
	store store.Store
	karma *karma.Service
}

// NewService creates a task service.
func NewService(st store.Store, karmaSvc *karma.Service) *Service {
	return &Service{store: st, karma: karmaSvc}
}

// Create opens a task on the repository.
func (s *Service) Create(ctx context.Context, repoID, creatorID, title, description string, priority model.TaskPriority, amount int) (*model.Task, error) {
	if title == "" {
		return nil, model.Validation("title", "cannot be empty")
	}
	if amount < 0 {
		return nil, model.Validation("amount", "cannot be negative")
	}
	if priority == "" {
		priority = model.PriorityMedium
	}
	if err := priority.Validate(); err != nil {
		return nil, model.Validation("priority", err.Error())
	}

	t := &model.Task{
		ID:          model.NewID(),
		RepoID:      repoID,
		Title:       title,
		Description: description,
		Status:      model.TaskStatusOpen,
		Priority:    priority,
		Amount:      amount,
		CreatorID:   creatorID,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.store.Exec(ctx,
		`INSERT INTO tasks (id, repo_id, title, description, status, priority, amount, creator_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.RepoID, t.Title, t.Description, string(t.Status), string(t.Priority),
		t.Amount, t.CreatorID, store.TimeMS(t.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

// Get fetches a task by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Task, error) {
	return scanTask(s.store.QueryRow(ctx,
		`SELECT id, repo_id, title, description, status, priority, amount, creator_id, created_at
		 FROM tasks WHERE id = $1`, id))
}

// List returns a repository's tasks, optionally filtered by status,
// newest first.
func (s *Service) List(ctx context.Context, repoID string, status model.TaskStatus) ([]*model.Task, error) {
	query := `SELECT id, repo_id, title, description, status, priority, amount, creator_id, created_at
		 FROM tasks WHERE repo_id = $1`
	args := []any{repoID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Claim binds an agent to an open task. The creator may not claim
// their own task, and an agent holds at most one live claim per task.
func (s *Service) Claim(ctx context.Context, taskID, agentID, streamID string) (*model.Claim, error) {
	var claim *model.Claim
	err := s.store.Transaction(ctx, func(tx store.Querier) error {
		t, err := scanTask(tx.QueryRow(ctx,
			`SELECT id, repo_id, title, description, status, priority, amount, creator_id, created_at
			 FROM tasks WHERE id = $1`, taskID))
		if err != nil {
			return err
		}
		if t.Status != model.TaskStatusOpen {
			return model.Conflict("task is %s, not open", t.Status)
		}
		if t.CreatorID == agentID {
			return model.Conflict("cannot claim your own task")
		}

		c := &model.Claim{
			ID:        model.NewID(),
			TaskID:    taskID,
			AgentID:   agentID,
			StreamID:  streamID,
			Status:    model.ClaimStatusActive,
			ClaimedAt: time.Now().UTC(),
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO claims (id, task_id, agent_id, stream_id, status, notes, claimed_at)
			 VALUES ($1, $2, $3, $4, 'active', '', $5)`,
			c.ID, c.TaskID, c.AgentID, nullable(streamID), store.TimeMS(c.ClaimedAt))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return model.Conflict("agent already holds a live claim on this task")
			}
			return fmt.Errorf("failed to create claim: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET status = 'claimed' WHERE id = $1`, taskID); err != nil {
			return fmt.Errorf("failed to mark task claimed: %w", err)
		}
		claim = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// LinkClaimToStream attaches a working stream to an active claim.
func (s *Service) LinkClaimToStream(ctx context.Context, claimID, streamID string) error {
	res, err := s.store.Exec(ctx,
		`UPDATE claims SET stream_id = $1 WHERE id = $2 AND status = 'active'`,
		streamID, claimID)
	if err != nil {
		return fmt.Errorf("failed to link claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.Conflict("claim is not active")
	}
	return nil
}

// Submit turns in an active claim with submission notes.
func (s *Service) Submit(ctx context.Context, claimID, agentID, notes string) error {
	return s.store.Transaction(ctx, func(tx store.Querier) error {
		c, err := s.claimTx(ctx, tx, claimID)
		if err != nil {
			return err
		}
		if c.AgentID != agentID {
			return model.Conflict("claim belongs to another agent")
		}
		if c.Status != model.ClaimStatusActive {
			return model.Conflict("claim is %s, not active", c.Status)
		}

		now := store.TimeMS(time.Now())
		if _, err := tx.Exec(ctx,
			`UPDATE claims SET status = 'submitted', notes = $1, submitted_at = $2 WHERE id = $3`,
			notes, now, claimID); err != nil {
			return fmt.Errorf("failed to submit claim: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET status = 'submitted' WHERE id = $1`, c.TaskID); err != nil {
			return fmt.Errorf("failed to mark task submitted: %w", err)
		}
		return nil
	})
}

// Review resolves a submitted claim. Approval completes the task and
// pays karma; rejection reopens it.
func (s *Service) Review(ctx context.Context, claimID string, approve bool) error {
	var (
		agentID string
		taskID  string
		amount  int
	)
	err := s.store.Transaction(ctx, func(tx store.Querier) error {
		c, err := s.claimTx(ctx, tx, claimID)
		if err != nil {
			return err
		}
		if c.Status != model.ClaimStatusSubmitted {
			return model.Conflict("claim is %s, not submitted", c.Status)
		}
		t, err := scanTask(tx.QueryRow(ctx,
			`SELECT id, repo_id, title, description, status, priority, amount, creator_id, created_at
			 FROM tasks WHERE id = $1`, c.TaskID))
		if err != nil {
			return err
		}

		now := store.TimeMS(time.Now())
		claimStatus, taskStatus := "approved", "completed"
		if !approve {
			claimStatus, taskStatus = "rejected", "open"
		}
		if _, err := tx.Exec(ctx,
			`UPDATE claims SET status = $1, reviewed_at = $2 WHERE id = $3`,
			claimStatus, now, claimID); err != nil {
			return fmt.Errorf("failed to review claim: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET status = $1 WHERE id = $2`, taskStatus, c.TaskID); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		agentID, taskID, amount = c.AgentID, c.TaskID, t.Amount
		return nil
	})
	if err != nil {
		return err
	}

	if approve {
		if err := s.karma.AwardTask(ctx, agentID, taskID, amount); err != nil {
			return err
		}
	}
	return nil
}

// GetClaim fetches a claim by id.
func (s *Service) GetClaim(ctx context.Context, id string) (*model.Claim, error) {
	return s.claimTx(ctx, s.store, id)
}

// Claims lists a task's claims, oldest first.
func (s *Service) Claims(ctx context.Context, taskID string) ([]*model.Claim, error) {
	rows, err := s.store.Query(ctx,
		`SELECT id, task_id, agent_id, stream_id, status, notes, claimed_at, submitted_at, reviewed_at
		 FROM claims WHERE task_id = $1 ORDER BY claimed_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	defer rows.Close()

	var claims []*model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func (s *Service) claimTx(ctx context.Context, q store.Querier, id string) (*model.Claim, error) {
	return scanClaim(q.QueryRow(ctx,
		`SELECT id, task_id, agent_id, stream_id, status, notes, claimed_at, submitted_at, reviewed_at
		 FROM claims WHERE id = $1`, id))
}

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var (
		t                model.Task
		status, priority string
		creator          sql.NullString
		createdMS        int64
	)
	err := row.Scan(&t.ID, &t.RepoID, &t.Title, &t.Description, &status, &priority,
		&t.Amount, &creator, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Status = model.TaskStatus(status)
	t.Priority = model.TaskPriority(priority)
	t.CreatorID = creator.String
	t.CreatedAt = store.MSTime(createdMS)
	return &t, nil
}

func scanClaim(row interface{ Scan(...any) error }) (*model.Claim, error) {
	var (
		c           model.Claim
		streamID    sql.NullString
		status      string
		claimedMS   int64
		submittedMS sql.NullInt64
		reviewedMS  sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.TaskID, &c.AgentID, &streamID, &status, &c.Notes,
		&claimedMS, &submittedMS, &reviewedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan claim: %w", err)
	}
	c.StreamID = streamID.String
	c.Status = model.ClaimStatus(status)
	c.ClaimedAt = store.MSTime(claimedMS)
	c.SubmittedAt = store.MSPtr(submittedMS)
	c.ReviewedAt = store.MSPtr(reviewedMS)
	return &c, nil
}

// nullable maps "" to NULL for optional foreign keys.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
