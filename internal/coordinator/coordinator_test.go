package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/internal/gitops"
	"github.com/gitswarm/gitswarm/internal/stage"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/stream"
	"github.com/gitswarm/gitswarm/internal/syncer"
	"github.com/gitswarm/gitswarm/pkg/model"
)

type fixture struct {
	store    store.Store
	coord    *Coordinator
	backends stream.StaticBackends
	backend  *gitops.MemoryBackend
	repo     *model.Repository
	owner    *model.Agent
}

func newFixture(t *testing.T, opts stage.CreateOptions) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, backends: stream.StaticBackends{}}
	f.coord = New(st, Options{
		Secret:       "test-secret",
		Backends:     f.backends,
		WorktreeRoot: t.TempDir(),
		EnableSync:   true,
	})

	f.owner, _, err = f.coord.RegisterAgent(ctx, "founder", "")
	require.NoError(t, err)
	f.repo, err = f.coord.CreateRepository(ctx, f.owner, "hive", opts)
	require.NoError(t, err)

	f.backend = gitops.NewMemoryBackend(f.repo.PromoteTarget)
	require.NoError(t, f.backend.CreateBranch(ctx, f.repo.BufferBranch, f.repo.PromoteTarget))
	f.backends[f.repo.ID] = f.backend
	return f
}

func (f *fixture) register(t *testing.T, name string) *model.Agent {
	t.Helper()
	agent, _, err := f.coord.RegisterAgent(context.Background(), name, "")
	require.NoError(t, err)
	return agent
}

// commit opens a workspace for the agent and commits one change.
func (f *fixture) commit(t *testing.T, agent *model.Agent, name, msg string) *model.Stream {
	t.Helper()
	ctx := context.Background()
	_, s, err := f.coord.CreateWorkspace(ctx, agent, f.repo, name, stream.StreamOptions{})
	require.NoError(t, err)
	_, s, err = f.coord.Commit(ctx, agent, f.repo, msg)
	require.NoError(t, err)
	return s
}

func TestReviewedStreamMergesThroughQueue(t *testing.T) {
	f := newFixture(t, stage.CreateOptions{})
	ctx := context.Background()

	author := f.register(t, "worker-bee")
	s := f.commit(t, author, "add-cache", "add cache layer")

	// Solo ownership: the owner's approval settles consensus.
	_, res, err := f.coord.SubmitReview(ctx, f.owner, s.ID, ReviewInput{Verdict: model.VerdictApprove, Tested: true})
	require.NoError(t, err)
	require.True(t, res.Reached)

	got, err := f.coord.GetStream(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, model.ReviewStatusApproved, got.ReviewStatus)

	_, err = f.coord.RequestMerge(ctx, author, s.ID)
	require.NoError(t, err)
	require.NoError(t, f.coord.DrainMergeQueue(ctx, f.repo.ID))

	got, err = f.coord.GetStream(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, model.StreamStatusMerged, got.Status)
	require.True(t, f.backend.Contains(f.repo.BufferBranch, "add cache layer"))
}

func TestSwarmModeAutoEnqueuesOnCommit(t *testing.T) {
	f := newFixture(t, stage.CreateOptions{MergeMode: model.MergeModeSwarm})
	ctx := context.Background()

	author := f.register(t, "worker-bee")
	s := f.commit(t, author, "fast-change", "swarm change")

	entries, err := f.coord.MergeQueue(ctx, f.repo.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].BypassConsensus)

	// No reviews needed: the worker merges straight into the buffer.
	require.NoError(t, f.coord.DrainMergeQueue(ctx, f.repo.ID))
	got, err := f.coord.GetStream(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, model.StreamStatusMerged, got.Status)
}

func TestResubmittedReviewOverwritesVerdict(t *testing.T) {
	f := newFixture(t, stage.CreateOptions{})
	ctx := context.Background()

	author := f.register(t, "worker-bee")
	s := f.commit(t, author, "risky", "risky change")

	_, res, err := f.coord.SubmitReview(ctx, f.owner, s.ID, ReviewInput{
		Verdict: model.VerdictRequestChanges, Feedback: "needs tests",
	})
	require.NoError(t, err)
	require.False(t, res.Reached)

	got, err := f.coord.GetStream(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, model.ReviewStatusChangesRequested, got.ReviewStatus)

	// A merge request is refused while changes are requested.
	_, err = f.coord.RequestMerge(ctx, author, s.ID)
	require.Error(t, err)

	_, res, err = f.coord.SubmitReview(ctx, f.owner, s.ID, ReviewInput{Verdict: model.VerdictApprove})
	require.NoError(t, err)
	require.True(t, res.Reached)

	reviews, err := f.coord.Reviews(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	require.Equal(t, model.VerdictApprove, reviews[0].Verdict)
}

func TestAllowlistRepoDeniesStrangers(t *testing.T) {
	f := newFixture(t, stage.CreateOptions{AgentAccess: model.AgentAccessAllowlist})
	ctx := context.Background()

	stranger := f.register(t, "drifter")
	_, _, err := f.coord.CreateWorkspace(ctx, stranger, f.repo, "sneak", stream.StreamOptions{})
	require.Equal(t, model.CodePermission, model.CodeOf(err))

	// Owner still works through the owner role.
	_, _, err = f.coord.CreateWorkspace(ctx, f.owner, f.repo, "legit", stream.StreamOptions{})
	require.NoError(t, err)
}

func TestUpdateSettingsRequiresMaintainAccess(t *testing.T) {
	f := newFixture(t, stage.CreateOptions{})
	ctx := context.Background()

	member := f.register(t, "worker-bee")
	threshold := 0.75
	err := f.coord.UpdateSettings(ctx, member, f.repo, stage.Settings{ConsensusThreshold: &threshold})
	require.Equal(t, model.CodePermission, model.CodeOf(err))

	require.NoError(t, f.coord.UpdateSettings(ctx, f.owner, f.repo, stage.Settings{ConsensusThreshold: &threshold}))
	got, err := f.coord.GetRepository(ctx, f.repo.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.75, got.ConsensusThreshold, 1e-9)

	// Client deployments record the change for upstream sync.
	depth, err := syncer.NewRecorder(f.store).Depth(ctx)
	require.NoError(t, err)
	require.Greater(t, depth, 0)
}

func TestTaskClaimReviewAccess(t *testing.T) {
	f := newFixture(t, stage.CreateOptions{})
	ctx := context.Background()

	creator := f.register(t, "poster")
	worker := f.register(t, "worker-bee")
	bystander := f.register(t, "bystander")

	task, err := f.coord.CreateTask(ctx, creator, f.repo, "fix flaky test", "", model.PriorityMedium, 50)
	require.NoError(t, err)

	claim, err := f.coord.ClaimTask(ctx, worker, task.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.SubmitClaim(ctx, worker, claim.ID, "done"))

	// Neither a random agent nor the claimant's peers may settle the
	// claim. Only maintainers or the task creator.
	err = f.coord.ReviewClaim(ctx, bystander, claim.ID, true)
	require.Equal(t, model.CodePermission, model.CodeOf(err))

	require.NoError(t, f.coord.ReviewClaim(ctx, creator, claim.ID, true))
	got, err := f.coord.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, got.Status)

	// The bounty landed on the worker.
	w, err := f.coord.GetAgent(ctx, worker.ID)
	require.NoError(t, err)
	require.Equal(t, 5, w.Karma)
}

func TestMaintainerMayReviewClaims(t *testing.T) {
	f := newFixture(t, stage.CreateOptions{})
	ctx := context.Background()

	creator := f.register(t, "poster")
	worker := f.register(t, "worker-bee")
	maintainer := f.register(t, "keeper")
	require.NoError(t, f.coord.AddMaintainer(ctx, f.owner, f.repo, maintainer.ID, model.RoleMaintainer))

	task, err := f.coord.CreateTask(ctx, creator, f.repo, "write docs", "", model.PriorityLow, 3)
	require.NoError(t, err)
	claim, err := f.coord.ClaimTask(ctx, worker, task.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.SubmitClaim(ctx, worker, claim.ID, ""))

	require.NoError(t, f.coord.ReviewClaim(ctx, maintainer, claim.ID, false))
	got, err := f.coord.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusOpen, got.Status)
}

func TestStabilizeRequiresMergeAccess(t *testing.T) {
	f := newFixture(t, stage.CreateOptions{StabilizeCommand: "make test"})
	ctx := context.Background()

	member := f.register(t, "worker-bee")
	_, err := f.coord.Stabilize(ctx, member, f.repo)
	require.Equal(t, model.CodePermission, model.CodeOf(err))

	run, err := f.coord.Stabilize(ctx, f.owner, f.repo)
	require.NoError(t, err)
	require.True(t, run.Success)

	last, err := f.coord.LastStabilization(ctx, f.repo.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, last.ID)
}

func TestRegisterAgentEmitsActivity(t *testing.T) {
	f := newFixture(t, stage.CreateOptions{})
	ctx := context.Background()

	events, err := f.coord.RecentActivity(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	found := false
	for _, e := range events {
		if e.EventType == model.EventAgentRegistered && e.AgentID == f.owner.ID {
			found = true
		}
	}
	require.True(t, found)
}

func TestBranchRulesGateDirectCommits(t *testing.T) {
	f := newFixture(t, stage.CreateOptions{})
	ctx := context.Background()

	member := f.register(t, "drone")

	// Settings access is required to manage rules.
	_, err := f.coord.AddBranchRule(ctx, member, f.repo, model.BranchRule{
		Pattern: f.repo.BufferBranch, DirectPush: model.DirectPushMaintainers,
	})
	require.Equal(t, model.CodePermission, model.CodeOf(err))

	rule, err := f.coord.AddBranchRule(ctx, f.owner, f.repo, model.BranchRule{
		Pattern:    f.repo.BufferBranch,
		Priority:   10,
		DirectPush: model.DirectPushMaintainers,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rule.ID)

	// A plain member can no longer commit onto the protected buffer.
	_, _, err = f.coord.CreateWorkspace(ctx, member, f.repo, "blocked", stream.StreamOptions{})
	require.NoError(t, err)
	_, _, err = f.coord.Commit(ctx, member, f.repo, "sneak in")
	require.Equal(t, model.CodePermission, model.CodeOf(err))

	rules, err := f.coord.BranchRules(ctx, member, f.repo)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	require.NoError(t, f.coord.RemoveBranchRule(ctx, f.owner, f.repo, rule.ID))
	_, _, err = f.coord.Commit(ctx, member, f.repo, "now allowed")
	require.NoError(t, err)

	err = f.coord.RemoveBranchRule(ctx, f.owner, f.repo, rule.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}
