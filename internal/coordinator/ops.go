package coordinator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gitswarm/gitswarm/internal/council"
	"github.com/gitswarm/gitswarm/internal/gitops"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/stream"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// --- Streams & workspaces ---

// CreateWorkspace creates a stream plus its worktree for the agent.
// Requires write access.
func (c *Coordinator) CreateWorkspace(ctx context.Context, agent *model.Agent, repo *model.Repository, name string, opts stream.StreamOptions) (*stream.WorkspaceInfo, *model.Stream, error) {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionWrite); err != nil {
		return nil, nil, err
	}
	ws, s, err := c.tracker.CreateWorkspace(ctx, repo, agent.ID, name, opts)
	if err != nil {
		return nil, nil, err
	}
	if s.TaskID != "" {
		// Best effort; the claim may have been linked explicitly already.
		if claim := c.activeClaim(ctx, s.TaskID, agent.ID); claim != "" {
			_ = c.tasks.LinkClaimToStream(ctx, claim, s.ID)
		}
	}
	return ws, s, nil
}

func (c *Coordinator) activeClaim(ctx context.Context, taskID, agentID string) string {
	claims, err := c.tasks.Claims(ctx, taskID)
	if err != nil {
		return ""
	}
	for _, cl := range claims {
		if cl.AgentID == agentID && cl.Status == model.ClaimStatusActive {
			return cl.ID
		}
	}
	return ""
}

// Workspace returns the agent's worktree binding.
func (c *Coordinator) Workspace(ctx context.Context, repoID, agentID string) (*stream.WorkspaceInfo, error) {
	return c.tracker.Workspace(ctx, repoID, agentID)
}

// ListWorkspaces returns a repository's worktree bindings.
func (c *Coordinator) ListWorkspaces(ctx context.Context, repoID string) ([]stream.WorkspaceInfo, error) {
	return c.tracker.ListWorkspaces(ctx, repoID)
}

// DestroyWorkspace removes the agent's worktree, optionally abandoning
// the bound stream.
func (c *Coordinator) DestroyWorkspace(ctx context.Context, agent *model.Agent, repo *model.Repository, abandonStream bool) error {
	if err := c.tracker.DestroyWorkspace(ctx, repo, agent.ID, abandonStream); err != nil {
		return err
	}
	if abandonStream {
		c.recordSync(ctx, model.SyncStreamStatus, map[string]string{
			"repo_id": repo.ID, "agent_id": agent.ID, "status": string(model.StreamStatusAbandoned),
		})
	}
	return nil
}

// Commit stages and commits the agent's workspace. In swarm merge mode
// the stream is queued for buffer merge immediately.
func (c *Coordinator) Commit(ctx context.Context, agent *model.Agent, repo *model.Repository, message string) (gitops.CommitResult, *model.Stream, error) {
	var zero gitops.CommitResult
	allowed, err := c.identity.CanPushToBranch(ctx, agent, repo, repo.BufferBranch)
	if err != nil {
		return zero, nil, err
	}
	if !allowed {
		res, rerr := c.identity.ResolvePermissions(ctx, agent, repo)
		if rerr != nil {
			return zero, nil, rerr
		}
		return zero, nil, &model.PermissionError{
			Action: "commit", Required: model.AccessWrite, Actual: res.Level,
		}
	}

	res, s, err := c.tracker.Commit(ctx, repo, agent.ID, message)
	if err != nil {
		return zero, nil, err
	}
	c.recordSync(ctx, model.SyncStreamStatus, map[string]string{
		"stream_id": s.ID, "commit": res.CommitHash, "change_id": res.ChangeID,
	})

	if repo.MergeMode == model.MergeModeSwarm {
		// Swarm mode trades review for throughput: every commit races to
		// the buffer and stabilization arbitrates.
		_, err := c.queue.RequestMerge(ctx, s, repo, agent.ID, true)
		var conflict *model.ConflictError
		if err != nil && !errors.As(err, &conflict) {
			return res, s, err
		}
	}
	return res, s, nil
}

// GetStream fetches a stream by id.
func (c *Coordinator) GetStream(ctx context.Context, id string) (*model.Stream, error) {
	return c.tracker.GetStream(ctx, id)
}

// ListStreams returns a repository's streams, optionally filtered.
func (c *Coordinator) ListStreams(ctx context.Context, repoID string, status model.StreamStatus) ([]*model.Stream, error) {
	return c.tracker.ListStreams(ctx, repoID, status)
}

// Diff returns a stream's branch diff against its base. Requires read
// access.
func (c *Coordinator) Diff(ctx context.Context, agent *model.Agent, s *model.Stream) (string, error) {
	repo, err := c.stage.GetRepository(ctx, s.RepoID)
	if err != nil {
		return "", err
	}
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionRead); err != nil {
		return "", err
	}
	return c.tracker.Diff(ctx, s)
}

// RequestMerge admits the stream to the merge queue after consensus
// and ordering checks. Requires write access.
func (c *Coordinator) RequestMerge(ctx context.Context, agent *model.Agent, streamID string) (*model.MergeQueueEntry, error) {
	s, err := c.tracker.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	repo, err := c.stage.GetRepository(ctx, s.RepoID)
	if err != nil {
		return nil, err
	}
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionWrite); err != nil {
		return nil, err
	}

	entry, err := c.queue.RequestMerge(ctx, s, repo, agent.ID, false)
	if err != nil {
		return nil, err
	}
	c.recordSync(ctx, model.SyncMergeRequest, map[string]string{"stream_id": s.ID})
	return entry, nil
}

// MergeQueue lists a repository's queue entries, oldest first.
func (c *Coordinator) MergeQueue(ctx context.Context, repoID string) ([]model.MergeQueueEntry, error) {
	return c.queue.Entries(ctx, repoID)
}

// Stabilize runs the repository's stabilize command against the buffer
// tip. Requires merge access.
func (c *Coordinator) Stabilize(ctx context.Context, agent *model.Agent, repo *model.Repository) (*stream.Stabilization, error) {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionMerge); err != nil {
		return nil, err
	}
	run, err := c.stab.Stabilize(ctx, repo)
	if err != nil {
		return run, err
	}
	if run.Success && repo.AutoPromoteOnGreen {
		if err := c.stab.Promote(ctx, repo); err != nil {
			return run, err
		}
	}
	return run, nil
}

// LastStabilization returns the repository's most recent run.
func (c *Coordinator) LastStabilization(ctx context.Context, repoID string) (*stream.Stabilization, error) {
	return c.stab.LastStabilization(ctx, repoID)
}

// Promote fast-forwards the promote target onto the buffer. Requires
// merge access.
func (c *Coordinator) Promote(ctx context.Context, agent *model.Agent, repo *model.Repository) error {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionMerge); err != nil {
		return err
	}
	return c.stab.Promote(ctx, repo)
}

// --- Task market ---

// CreateTask opens a task. Requires read access.
func (c *Coordinator) CreateTask(ctx context.Context, agent *model.Agent, repo *model.Repository, title, description string, priority model.TaskPriority, amount int) (*model.Task, error) {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionRead); err != nil {
		return nil, err
	}
	t, err := c.tasks.Create(ctx, repo.ID, agent.ID, title, description, priority, amount)
	if err != nil {
		return nil, err
	}
	c.activity.Record(ctx, agent.ID, model.EventTaskCreated, "task", t.ID,
		map[string]any{"title": title, "amount": amount})
	return t, nil
}

// GetTask fetches a task by id.
func (c *Coordinator) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return c.tasks.Get(ctx, id)
}

// ListTasks returns a repository's tasks, optionally filtered.
func (c *Coordinator) ListTasks(ctx context.Context, repoID string, status model.TaskStatus) ([]*model.Task, error) {
	return c.tasks.List(ctx, repoID, status)
}

// ClaimTask binds the agent to an open task.
func (c *Coordinator) ClaimTask(ctx context.Context, agent *model.Agent, taskID, streamID string) (*model.Claim, error) {
	claim, err := c.tasks.Claim(ctx, taskID, agent.ID, streamID)
	if err != nil {
		return nil, err
	}
	c.activity.Record(ctx, agent.ID, model.EventTaskClaimed, "task", taskID, nil)
	c.recordSync(ctx, model.SyncTaskClaim, map[string]string{"task_id": taskID, "claim_id": claim.ID})
	return claim, nil
}

// SubmitClaim turns in the agent's active claim.
func (c *Coordinator) SubmitClaim(ctx context.Context, agent *model.Agent, claimID, notes string) error {
	if err := c.tasks.Submit(ctx, claimID, agent.ID, notes); err != nil {
		return err
	}
	c.activity.Record(ctx, agent.ID, model.EventTaskSubmitted, "claim", claimID, nil)
	c.recordSync(ctx, model.SyncTaskSubmission, map[string]string{"claim_id": claimID})
	return nil
}

// ReviewClaim resolves a submitted claim. Only maintainers or the task
// creator may review.
func (c *Coordinator) ReviewClaim(ctx context.Context, agent *model.Agent, claimID string, approve bool) error {
	claim, err := c.tasks.GetClaim(ctx, claimID)
	if err != nil {
		return err
	}
	t, err := c.tasks.Get(ctx, claim.TaskID)
	if err != nil {
		return err
	}
	if t.CreatorID != agent.ID {
		repo, err := c.stage.GetRepository(ctx, t.RepoID)
		if err != nil {
			return err
		}
		if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionMerge); err != nil {
			return err
		}
	}
	if err := c.tasks.Review(ctx, claimID, approve); err != nil {
		return err
	}
	c.activity.Record(ctx, agent.ID, model.EventTaskReviewed, "claim", claimID,
		map[string]bool{"approved": approve})
	return nil
}

// LinkClaimToStream attaches a stream to an active claim.
func (c *Coordinator) LinkClaimToStream(ctx context.Context, claimID, streamID string) error {
	return c.tasks.LinkClaimToStream(ctx, claimID, streamID)
}

// Claims lists a task's claims.
func (c *Coordinator) Claims(ctx context.Context, taskID string) ([]*model.Claim, error) {
	return c.tasks.Claims(ctx, taskID)
}

// --- Council ---

// CreateCouncil forms a governance council for the repository.
// Requires settings access.
func (c *Coordinator) CreateCouncil(ctx context.Context, agent *model.Agent, repo *model.Repository, opts council.CreateOptions) (*model.Council, error) {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionSettings); err != nil {
		return nil, err
	}
	return c.councils.Create(ctx, repo.ID, opts)
}

// GetCouncil returns a repository's council.
func (c *Coordinator) GetCouncil(ctx context.Context, repoID string) (*model.Council, error) {
	return c.councils.GetByRepo(ctx, repoID)
}

// CouncilMembers lists the council's membership.
func (c *Coordinator) CouncilMembers(ctx context.Context, councilID string) ([]model.CouncilMember, error) {
	return c.councils.Members(ctx, councilID)
}

// AddCouncilMember seats an agent on the council. Requires settings
// access on the repository.
func (c *Coordinator) AddCouncilMember(ctx context.Context, agent *model.Agent, repo *model.Repository, councilID, memberID string, role model.CouncilRole) error {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionSettings); err != nil {
		return err
	}
	return c.councils.AddMember(ctx, councilID, memberID, role)
}

// Propose opens a council proposal; membership is checked by the
// council service.
func (c *Coordinator) Propose(ctx context.Context, agent *model.Agent, councilID, title string, ptype model.ProposalType, actionData json.RawMessage) (*model.Proposal, error) {
	return c.councils.Propose(ctx, councilID, agent.ID, title, ptype, actionData)
}

// VoteProposal records the agent's vote and returns the proposal after
// evaluation.
func (c *Coordinator) VoteProposal(ctx context.Context, agent *model.Agent, proposalID string, choice model.VoteChoice) (*model.Proposal, error) {
	return c.councils.Vote(ctx, proposalID, agent.ID, choice)
}

// GetProposal fetches a proposal by id.
func (c *Coordinator) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	return c.councils.GetProposal(ctx, id)
}

// Proposals lists a council's proposals.
func (c *Coordinator) Proposals(ctx context.Context, councilID string) ([]*model.Proposal, error) {
	return c.councils.Proposals(ctx, councilID)
}

// --- Activity ---

// RecentActivity returns the newest events, most recent first.
func (c *Coordinator) RecentActivity(ctx context.Context, limit int) ([]model.ActivityEvent, error) {
	return c.activity.Recent(ctx, limit)
}
