// Package stream is the authoritative record of streams, worktrees,
// and the per-repository merge pipeline: queue, worker, stabilization,
// and promotion.
package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gitswarm/gitswarm/internal/activity"
	"github.com/gitswarm/gitswarm/internal/gitops"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Backends resolves the git backend serving a repository. Embedded
// deployments hold a single repository; the server keeps one backend
// per managed clone.
type Backends interface {
	For(repoID string) (gitops.Backend, error)
}

// StaticBackends serves a fixed backend map.
type StaticBackends map[string]gitops.Backend

func (s StaticBackends) For(repoID string) (gitops.Backend, error) {
	b, ok := s[repoID]
	if !ok {
		return nil, fmt.Errorf("git backend for repository %s: %w", repoID, model.ErrNotFound)
	}
	return b, nil
}

// Tracker owns stream rows and agent worktree bindings.
type Tracker struct {
	store        store.Store
	backends     Backends
	activity     *activity.Log
	worktreeRoot string
}

// NewTracker creates a stream tracker. worktreeRoot is the directory
// under which agent worktrees are materialised.
func NewTracker(st store.Store, backends Backends, log *activity.Log, worktreeRoot string) *Tracker {
	return &Tracker{store: st, backends: backends, activity: log, worktreeRoot: worktreeRoot}
}

// StreamOptions are the optional fields of a new stream.
type StreamOptions struct {
	TaskID         string
	ParentStreamID string
}

// BranchRef derives the branch name for an agent's stream.
func BranchRef(agentID, name string) string {
	return fmt.Sprintf("swarm/%s/%s", shortID(agentID), name)
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// CreateStream persists an active stream and creates its branch. The
// base is the parent stream's branch when stacking, otherwise the
// repository's promote target.
func (t *Tracker) CreateStream(ctx context.Context, repo *model.Repository, agentID, name string, opts StreamOptions) (*model.Stream, error) {
	if name == "" {
		return nil, model.Validation("name", "cannot be empty")
	}

	base := repo.PromoteTarget
	if opts.ParentStreamID != "" {
		parent, err := t.GetStream(ctx, opts.ParentStreamID)
		if err != nil {
			return nil, fmt.Errorf("parent stream: %w", err)
		}
		if parent.RepoID != repo.ID {
			return nil, model.Validation("parent_stream_id", "parent belongs to another repository")
		}
		base = parent.BranchRef
	}

	now := time.Now().UTC()
	s := &model.Stream{
		ID:             model.NewID(),
		RepoID:         repo.ID,
		AgentID:        agentID,
		Name:           name,
		BranchRef:      BranchRef(agentID, name),
		BaseBranch:     base,
		ParentStreamID: opts.ParentStreamID,
		TaskID:         opts.TaskID,
		Status:         model.StreamStatusActive,
		ReviewStatus:   model.ReviewStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := t.store.Exec(ctx,
		`INSERT INTO streams (id, repo_id, agent_id, name, branch_ref, base_branch,
		   parent_stream_id, task_id, status, review_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.RepoID, s.AgentID, s.Name, s.BranchRef, s.BaseBranch,
		nullable(s.ParentStreamID), nullable(s.TaskID),
		string(s.Status), string(s.ReviewStatus),
		store.TimeMS(now), store.TimeMS(now))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, model.Conflict("an active stream on branch %s already exists", s.BranchRef)
		}
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	backend, err := t.backends.For(repo.ID)
	if err != nil {
		return nil, err
	}
	if err := backend.CreateBranch(ctx, s.BranchRef, base); err != nil {
		// Roll the row back so a retry is possible.
		_, _ = t.store.Exec(ctx, `DELETE FROM streams WHERE id = $1`, s.ID)
		return nil, err
	}

	t.activity.Record(ctx, agentID, model.EventStreamCreated, "stream", s.ID,
		map[string]string{"name": name, "branch": s.BranchRef})
	return s, nil
}

const streamColumns = `id, repo_id, agent_id, name, branch_ref, base_branch,
	parent_stream_id, task_id, status, review_status, created_at, updated_at`

// GetStream fetches a stream by id.
func (t *Tracker) GetStream(ctx context.Context, id string) (*model.Stream, error) {
	return scanStream(t.store.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
}

// ListStreams returns a repository's streams, optionally filtered by
// status, newest first.
func (t *Tracker) ListStreams(ctx context.Context, repoID string, status model.StreamStatus) ([]*model.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams WHERE repo_id = $1`
	args := []any{repoID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := t.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer rows.Close()

	var streams []*model.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}
	return streams, rows.Err()
}

// WorkspaceInfo is the persisted binding between an agent and its
// single worktree per repository.
type WorkspaceInfo struct {
	RepoID    string    `json:"repo_id"`
	AgentID   string    `json:"agent_id"`
	StreamID  string    `json:"stream_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateWorkspace creates a stream and materialises a worktree on its
// branch. At most one worktree per (agent, repo).
func (t *Tracker) CreateWorkspace(ctx context.Context, repo *model.Repository, agentID, name string, opts StreamOptions) (*WorkspaceInfo, *model.Stream, error) {
	s, err := t.CreateStream(ctx, repo, agentID, name, opts)
	if err != nil {
		return nil, nil, err
	}

	path := filepath.Join(t.worktreeRoot, shortID(agentID), name)
	now := time.Now().UTC()
	_, err = t.store.Exec(ctx,
		`INSERT INTO worktrees (repo_id, agent_id, stream_id, path, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		repo.ID, agentID, s.ID, path, store.TimeMS(now))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, nil, model.Conflict("agent already has a workspace in this repository")
		}
		return nil, nil, fmt.Errorf("failed to record worktree: %w", err)
	}

	backend, err := t.backends.For(repo.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := backend.CreateWorktree(ctx, path, s.BranchRef); err != nil {
		_, _ = t.store.Exec(ctx, `DELETE FROM worktrees WHERE repo_id = $1 AND agent_id = $2`, repo.ID, agentID)
		return nil, nil, err
	}

	ws := &WorkspaceInfo{RepoID: repo.ID, AgentID: agentID, StreamID: s.ID, Path: path, CreatedAt: now}
	return ws, s, nil
}

// Workspace returns the agent's worktree binding in a repository.
func (t *Tracker) Workspace(ctx context.Context, repoID, agentID string) (*WorkspaceInfo, error) {
	var (
		ws        WorkspaceInfo
		createdMS int64
	)
	err := t.store.QueryRow(ctx,
		`SELECT repo_id, agent_id, stream_id, path, created_at
		 FROM worktrees WHERE repo_id = $1 AND agent_id = $2`,
		repoID, agentID).Scan(&ws.RepoID, &ws.AgentID, &ws.StreamID, &ws.Path, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up workspace: %w", err)
	}
	ws.CreatedAt = store.MSTime(createdMS)
	return &ws, nil
}

// ListWorkspaces returns every worktree binding in a repository.
func (t *Tracker) ListWorkspaces(ctx context.Context, repoID string) ([]WorkspaceInfo, error) {
	rows, err := t.store.Query(ctx,
		`SELECT repo_id, agent_id, stream_id, path, created_at
		 FROM worktrees WHERE repo_id = $1 ORDER BY created_at`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []WorkspaceInfo
	for rows.Next() {
		var (
			ws        WorkspaceInfo
			createdMS int64
		)
		if err := rows.Scan(&ws.RepoID, &ws.AgentID, &ws.StreamID, &ws.Path, &createdMS); err != nil {
			return nil, err
		}
		ws.CreatedAt = store.MSTime(createdMS)
		out = append(out, ws)
	}
	return out, rows.Err()
}

// DestroyWorkspace removes the agent's worktree and optionally
// abandons the bound stream.
func (t *Tracker) DestroyWorkspace(ctx context.Context, repo *model.Repository, agentID string, abandonStream bool) error {
	ws, err := t.Workspace(ctx, repo.ID, agentID)
	if err != nil {
		return err
	}

	backend, err := t.backends.For(repo.ID)
	if err != nil {
		return err
	}
	if err := backend.RemoveWorktree(ctx, ws.Path); err != nil {
		return err
	}
	if _, err := t.store.Exec(ctx,
		`DELETE FROM worktrees WHERE repo_id = $1 AND agent_id = $2`, repo.ID, agentID); err != nil {
		return fmt.Errorf("failed to remove worktree binding: %w", err)
	}

	if abandonStream {
		if err := t.setStreamStatus(ctx, ws.StreamID, model.StreamStatusAbandoned); err != nil {
			return err
		}
		t.activity.Record(ctx, agentID, model.EventStreamAbandoned, "stream", ws.StreamID, nil)
	}
	return nil
}

// Commit stages and commits the agent's worktree with a Change-Id
// trailer, bumping the stream's updated_at.
func (t *Tracker) Commit(ctx context.Context, repo *model.Repository, agentID, message string) (gitops.CommitResult, *model.Stream, error) {
	if strings.TrimSpace(message) == "" {
		return gitops.CommitResult{}, nil, model.Validation("message", "cannot be empty")
	}

	ws, err := t.Workspace(ctx, repo.ID, agentID)
	if err != nil {
		return gitops.CommitResult{}, nil, err
	}
	s, err := t.GetStream(ctx, ws.StreamID)
	if err != nil {
		return gitops.CommitResult{}, nil, err
	}
	if s.Status.Terminal() {
		return gitops.CommitResult{}, nil, model.Conflict("stream %s is %s", s.ID, s.Status)
	}

	backend, err := t.backends.For(repo.ID)
	if err != nil {
		return gitops.CommitResult{}, nil, err
	}
	res, err := backend.Commit(ctx, ws.Path, message)
	if err != nil {
		return gitops.CommitResult{}, nil, err
	}

	if _, err := t.store.Exec(ctx,
		`UPDATE streams SET updated_at = $1 WHERE id = $2`,
		store.TimeMS(time.Now()), s.ID); err != nil {
		return res, s, fmt.Errorf("failed to touch stream: %w", err)
	}

	t.activity.Record(ctx, agentID, model.EventStreamCommit, "stream", s.ID,
		map[string]string{"commit": res.CommitHash, "change_id": res.ChangeID})
	return res, s, nil
}

// Diff returns the stream's branch diff against its base.
func (t *Tracker) Diff(ctx context.Context, s *model.Stream) (string, error) {
	backend, err := t.backends.For(s.RepoID)
	if err != nil {
		return "", err
	}
	return backend.Diff(ctx, s.BranchRef, s.BaseBranch)
}

// setStreamStatus transitions a stream, refusing to leave terminal
// states.
func (t *Tracker) setStreamStatus(ctx context.Context, streamID string, to model.StreamStatus) error {
	res, err := t.store.Exec(ctx,
		`UPDATE streams SET status = $1, updated_at = $2 WHERE id = $3
		   AND status NOT IN ('merged', 'abandoned', 'reverted')`,
		string(to), store.TimeMS(time.Now()), streamID)
	if err != nil {
		return fmt.Errorf("failed to update stream status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.Conflict("stream %s is already in a terminal status", streamID)
	}
	return nil
}

// SetReviewStatus records the aggregate review state derived from
// consensus.
func (t *Tracker) SetReviewStatus(ctx context.Context, streamID string, rs model.ReviewStatus) error {
	_, err := t.store.Exec(ctx,
		`UPDATE streams SET review_status = $1, updated_at = $2 WHERE id = $3`,
		string(rs), store.TimeMS(time.Now()), streamID)
	if err != nil {
		return fmt.Errorf("failed to update review status: %w", err)
	}
	return nil
}

func scanStream(row interface{ Scan(...any) error }) (*model.Stream, error) {
	var (
		s              model.Stream
		parent, taskID sql.NullString
		status, review string
		createdMS      int64
		updatedMS      int64
	)
	err := row.Scan(&s.ID, &s.RepoID, &s.AgentID, &s.Name, &s.BranchRef, &s.BaseBranch,
		&parent, &taskID, &status, &review, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan stream: %w", err)
	}
	s.ParentStreamID = parent.String
	s.TaskID = taskID.String
	s.Status = model.StreamStatus(status)
	s.ReviewStatus = model.ReviewStatus(review)
	s.CreatedAt = store.MSTime(createdMS)
	s.UpdatedAt = store.MSTime(updatedMS)
	return &s, nil
}

// nullable maps "" to NULL for optional foreign keys.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
