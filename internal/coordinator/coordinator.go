// Package coordinator wires identity, streams, consensus, tasks,
// councils, karma, and the activity log into the public operation
// surface. It is the only package aware of both the stream tracker and
// the governance services: every entry point (HTTP, CLI) talks to the
// Coordinator, which checks access, performs the domain action, and
// emits activity and sync events.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gitswarm/gitswarm/internal/activity"
	"github.com/gitswarm/gitswarm/internal/council"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/karma"
	"github.com/gitswarm/gitswarm/internal/stage"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/stream"
	"github.com/gitswarm/gitswarm/internal/syncer"
	"github.com/gitswarm/gitswarm/internal/task"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Options configure a Coordinator.
type Options struct {
	// Secret keys API key hashes.
	Secret string

	// Backends resolves git backends per repository.
	Backends stream.Backends

	// WorktreeRoot is where agent worktrees are materialised.
	WorktreeRoot string

	// Redis enables cross-process activity fan-out and redis-backed
	// rate limiting. Nil selects in-process equivalents.
	Redis *redis.Client

	// EnableSync records outbound sync events (client deployments).
	EnableSync bool

	// RateLimits overrides karma.DefaultLimits.
	RateLimits map[string]karma.Limit
}

// Coordinator is the top-level operation surface.
type Coordinator struct {
	store    store.Store
	identity *identity.Service
	stage    *stage.Service
	tracker  *stream.Tracker
	queue    *stream.Queue
	worker   *stream.Worker
	stab     *stream.Stabilizer
	tasks    *task.Service
	councils *council.Service
	karma    *karma.Service
	limiter  *karma.Limiter
	activity *activity.Log
	sync     *syncer.Recorder // nil on the server
}

// New builds and wires every service over the shared store.
func New(st store.Store, opts Options) *Coordinator {
	c := &Coordinator{
		store:    st,
		identity: identity.NewService(st, opts.Secret),
		stage:    stage.NewService(st),
		karma:    karma.NewService(st),
		activity: activity.NewLog(st, opts.Redis),
	}

	c.tracker = stream.NewTracker(st, opts.Backends, c.activity, opts.WorktreeRoot)
	c.queue = stream.NewQueue(st, c.tracker, c.evaluateConsensus)
	c.worker = stream.NewWorker(c.queue, c.tracker, c.stage, c.karma)
	c.stab = stream.NewStabilizer(st, c.tracker)
	c.tasks = task.NewService(st, c.karma)
	c.councils = council.NewService(st, c.queue, c.activity)

	var window karma.Window
	if opts.Redis != nil {
		window = karma.NewRedisWindow(opts.Redis)
	} else {
		window = karma.NewLocalWindow()
	}
	c.limiter = karma.NewLimiter(window, opts.RateLimits)

	if opts.EnableSync {
		c.sync = syncer.NewRecorder(st)
	}
	return c
}

// Limiter exposes the rate limiter to transport middleware.
func (c *Coordinator) Limiter() *karma.Limiter { return c.limiter }

// Activity exposes the activity log for subscribers.
func (c *Coordinator) Activity() *activity.Log { return c.activity }

// Run supervises the background loops: one merge worker per known
// repository and the proposal expiry sweep. It blocks until the context
// ends.
func (c *Coordinator) Run(ctx context.Context) error {
	repos, err := c.stage.ListRepositories(ctx)
	if err != nil {
		return fmt.Errorf("failed to list repositories: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, repo := range repos {
		repoID := repo.ID
		g.Go(func() error {
			c.worker.Run(ctx, repoID)
			return nil
		})
	}
	g.Go(func() error {
		c.sweepProposals(ctx)
		return nil
	})
	return g.Wait()
}

func (c *Coordinator) sweepProposals(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.councils.ExpireOpenProposals(ctx); err != nil {
				c.activity.Record(ctx, "", "proposal_sweep_failed", "system", "", map[string]string{"error": err.Error()})
			}
		}
	}
}

// DrainMergeQueue processes the repository's queue until empty. Local
// deployments call it synchronously after enqueueing.
func (c *Coordinator) DrainMergeQueue(ctx context.Context, repoID string) error {
	for {
		processed, err := c.worker.ProcessNext(ctx, repoID)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

// recordSync enqueues an outbound sync event on client deployments.
// Failures are logged by the recorder path and never abort the causing
// operation.
func (c *Coordinator) recordSync(ctx context.Context, eventType string, payload any) {
	if c.sync == nil {
		return
	}
	_ = c.sync.Record(ctx, eventType, payload)
}

// --- Agents ---

// RegisterAgent creates an agent and returns it with the one-time
// plaintext API key.
func (c *Coordinator) RegisterAgent(ctx context.Context, name, bio string) (*model.Agent, string, error) {
	agent, key, err := c.identity.Register(ctx, name, bio)
	if err != nil {
		return nil, "", err
	}
	c.activity.Record(ctx, agent.ID, model.EventAgentRegistered, "agent", agent.ID,
		map[string]string{"name": name})
	return agent, key, nil
}

// Authenticate resolves an API key to its agent.
func (c *Coordinator) Authenticate(ctx context.Context, key string) (*model.Agent, error) {
	return c.identity.Authenticate(ctx, key)
}

// GetAgent fetches an agent by id.
func (c *Coordinator) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return c.identity.GetAgent(ctx, id)
}

// GetAgentByName fetches an agent by unique name.
func (c *Coordinator) GetAgentByName(ctx context.Context, name string) (*model.Agent, error) {
	return c.identity.GetAgentByName(ctx, name)
}

// ListAgents returns all agents.
func (c *Coordinator) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	return c.identity.ListAgents(ctx)
}

// UpdateBio lets an agent edit their own bio.
func (c *Coordinator) UpdateBio(ctx context.Context, agent *model.Agent, bio string) error {
	return c.identity.UpdateBio(ctx, agent.ID, bio)
}

// --- Repositories ---

// CreateRepository registers a repository with the caller as first
// owner.
func (c *Coordinator) CreateRepository(ctx context.Context, agent *model.Agent, name string, opts stage.CreateOptions) (*model.Repository, error) {
	return c.stage.CreateRepository(ctx, name, agent.ID, opts)
}

// GetRepository fetches a repository by id.
func (c *Coordinator) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	return c.stage.GetRepository(ctx, id)
}

// GetRepositoryByName fetches a repository by unique name.
func (c *Coordinator) GetRepositoryByName(ctx context.Context, name string) (*model.Repository, error) {
	return c.stage.GetRepositoryByName(ctx, name)
}

// ListRepositories returns all repositories.
func (c *Coordinator) ListRepositories(ctx context.Context) ([]*model.Repository, error) {
	return c.stage.ListRepositories(ctx)
}

// UpdateSettings changes repository policy. Requires settings access.
func (c *Coordinator) UpdateSettings(ctx context.Context, agent *model.Agent, repo *model.Repository, set stage.Settings) error {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionSettings); err != nil {
		return err
	}
	if err := c.stage.UpdateSettings(ctx, repo.ID, set); err != nil {
		return err
	}
	c.recordSync(ctx, model.SyncConfigChange, map[string]any{"repo_id": repo.ID, "settings": set})
	return nil
}

// CheckAdvancement reports the repository's stage eligibility.
func (c *Coordinator) CheckAdvancement(ctx context.Context, repo *model.Repository) (stage.Eligibility, error) {
	return c.stage.CheckAdvancementEligibility(ctx, repo)
}

// AdvanceStage moves the repository one stage up. Requires settings
// access; force skips the eligibility check.
func (c *Coordinator) AdvanceStage(ctx context.Context, agent *model.Agent, repo *model.Repository, force bool) (model.Stage, error) {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionSettings); err != nil {
		return "", err
	}
	next, err := c.stage.AdvanceStage(ctx, repo, force)
	if err != nil {
		return "", err
	}
	c.activity.Record(ctx, agent.ID, model.EventStageAdvanced, "repository", repo.ID,
		map[string]any{"stage": next, "forced": force})
	return next, nil
}

// AddMaintainer promotes an agent. Requires settings access.
func (c *Coordinator) AddMaintainer(ctx context.Context, agent *model.Agent, repo *model.Repository, targetID string, role model.MaintainerRole) error {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionSettings); err != nil {
		return err
	}
	return c.identity.AddMaintainer(ctx, repo.ID, targetID, role)
}

// RemoveMaintainer demotes an agent, refusing to orphan the repository.
// Requires settings access.
func (c *Coordinator) RemoveMaintainer(ctx context.Context, agent *model.Agent, repo *model.Repository, targetID string) error {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionSettings); err != nil {
		return err
	}
	return c.identity.RemoveMaintainer(ctx, repo.ID, targetID)
}

// GrantAccess upserts an explicit access grant. Requires settings
// access.
func (c *Coordinator) GrantAccess(ctx context.Context, agent *model.Agent, repo *model.Repository, grant model.AccessGrant) error {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionSettings); err != nil {
		return err
	}
	grant.RepoID = repo.ID
	return c.identity.UpsertGrant(ctx, grant)
}

// ResolveAccess reports an agent's effective access on a repository.
func (c *Coordinator) ResolveAccess(ctx context.Context, agent *model.Agent, repo *model.Repository) (identity.Resolution, error) {
	return c.identity.ResolvePermissions(ctx, agent, repo)
}

// BranchRules lists the repository's branch protection rules.
func (c *Coordinator) BranchRules(ctx context.Context, agent *model.Agent, repo *model.Repository) ([]model.BranchRule, error) {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionRead); err != nil {
		return nil, err
	}
	return c.identity.BranchRules(ctx, repo.ID)
}

// AddBranchRule creates a branch protection rule on the repository.
func (c *Coordinator) AddBranchRule(ctx context.Context, agent *model.Agent, repo *model.Repository, rule model.BranchRule) (*model.BranchRule, error) {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionSettings); err != nil {
		return nil, err
	}
	if rule.Pattern == "" {
		return nil, model.Validation("pattern", "branch rule pattern cannot be empty")
	}
	rule.ID = model.NewID()
	rule.RepoID = repo.ID
	if err := c.identity.AddBranchRule(ctx, rule); err != nil {
		return nil, err
	}
	c.activity.Record(ctx, agent.ID, "branch_rule_added", "repository", repo.ID,
		map[string]string{"pattern": rule.Pattern})
	return &rule, nil
}

// RemoveBranchRule deletes a branch protection rule.
func (c *Coordinator) RemoveBranchRule(ctx context.Context, agent *model.Agent, repo *model.Repository, ruleID string) error {
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionSettings); err != nil {
		return err
	}
	if err := c.identity.RemoveBranchRule(ctx, repo.ID, ruleID); err != nil {
		return err
	}
	c.activity.Record(ctx, agent.ID, "branch_rule_removed", "repository", repo.ID,
		map[string]string{"rule_id": ruleID})
	return nil
}
