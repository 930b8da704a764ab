package council

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/internal/activity"
	"github.com/gitswarm/gitswarm/internal/consensus"
	"github.com/gitswarm/gitswarm/internal/gitops"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/stage"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/stream"
	"github.com/gitswarm/gitswarm/pkg/model"
)

type fixture struct {
	store    store.Store
	svc      *Service
	identity *identity.Service
	stage    *stage.Service
	tracker  *stream.Tracker
	backend  *gitops.MemoryBackend

	repo    *model.Repository
	council *model.Council
	owner   *model.Agent
	members []*model.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:    st,
		identity: identity.NewService(st, "test-secret"),
		stage:    stage.NewService(st),
	}

	f.owner = f.register(t, "founder")
	f.repo, err = f.stage.CreateRepository(ctx, "hive", f.owner.ID, stage.CreateOptions{})
	require.NoError(t, err)

	f.backend = gitops.NewMemoryBackend(f.repo.PromoteTarget)
	require.NoError(t, f.backend.CreateBranch(ctx, f.repo.BufferBranch, f.repo.PromoteTarget))

	activityLog := activity.NewLog(st, nil)
	f.tracker = stream.NewTracker(st, stream.StaticBackends{f.repo.ID: f.backend}, activityLog, t.TempDir())
	queue := stream.NewQueue(st, f.tracker, func(context.Context, *model.Stream, *model.Repository) (consensus.Result, error) {
		return consensus.Result{Reached: false, Reason: consensus.ReasonInsufficientReviews}, nil
	})
	f.svc = NewService(st, queue, activityLog)

	f.council, err = f.svc.Create(ctx, f.repo.ID, CreateOptions{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		m := f.register(t, fmt.Sprintf("member-%d", i))
		require.NoError(t, f.svc.AddMember(ctx, f.council.ID, m.ID, ""))
		f.members = append(f.members, m)
	}
	return f
}

func (f *fixture) register(t *testing.T, name string) *model.Agent {
	t.Helper()
	agent, _, err := f.identity.Register(context.Background(), name, "")
	require.NoError(t, err)
	return agent
}

func (f *fixture) propose(t *testing.T, ptype model.ProposalType, action any) *model.Proposal {
	t.Helper()
	data, err := json.Marshal(action)
	require.NoError(t, err)
	p, err := f.svc.Propose(context.Background(), f.council.ID, f.members[0].ID, "test: "+string(ptype), ptype, data)
	require.NoError(t, err)
	return p
}

func TestCouncilActivatesAtMinMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.Get(ctx, f.council.ID)
	require.NoError(t, err)
	require.Equal(t, model.CouncilStatusActive, c.Status)

	// Re-adding an existing member is a no-op.
	require.NoError(t, f.svc.AddMember(ctx, c.ID, f.members[0].ID, ""))
	members, err := f.svc.Members(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, members, 3)
}

func TestCouncilStaysFormingBelowMinMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	repo2, err := f.stage.CreateRepository(ctx, "hive-two", f.owner.ID, stage.CreateOptions{})
	require.NoError(t, err)
	c, err := f.svc.Create(ctx, repo2.ID, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.svc.AddMember(ctx, c.ID, f.members[0].ID, model.CouncilRoleChair))
	require.NoError(t, f.svc.AddMember(ctx, c.ID, f.members[1].ID, ""))

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, model.CouncilStatusForming, got.Status)

	// Forming councils do not take proposals.
	_, err = f.svc.Propose(ctx, c.ID, f.members[0].ID, "too early", model.ProposalAddMaintainer,
		json.RawMessage(`{"agent_id":"x"}`))
	require.Equal(t, model.CodeConflict, model.CodeOf(err))
}

func TestCouncilRejectsOverMaxMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	repo2, err := f.stage.CreateRepository(ctx, "tiny", f.owner.ID, stage.CreateOptions{})
	require.NoError(t, err)
	c, err := f.svc.Create(ctx, repo2.ID, CreateOptions{MinMembers: 1, MaxMembers: 2, StandardQuorum: 1})
	require.NoError(t, err)

	require.NoError(t, f.svc.AddMember(ctx, c.ID, f.members[0].ID, ""))
	require.NoError(t, f.svc.AddMember(ctx, c.ID, f.members[1].ID, ""))
	err = f.svc.AddMember(ctx, c.ID, f.members[2].ID, "")
	require.Equal(t, model.CodeConflict, model.CodeOf(err))

	members, err := f.svc.Members(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestOneCouncilPerRepository(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.repo.ID, CreateOptions{})
	require.Equal(t, model.CodeConflict, model.CodeOf(err))
}

func TestAddMaintainerProposalExecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	candidate := f.register(t, "agent-q")

	p := f.propose(t, model.ProposalAddMaintainer, model.AddMaintainerAction{AgentID: candidate.ID})
	require.Equal(t, f.council.StandardQuorum, p.QuorumRequired)

	got, err := f.svc.Vote(ctx, p.ID, f.members[0].ID, model.VoteFor)
	require.NoError(t, err)
	require.Equal(t, model.ProposalStatusOpen, got.Status)
	require.Equal(t, 1, got.VotesFor)

	got, err = f.svc.Vote(ctx, p.ID, f.members[1].ID, model.VoteFor)
	require.NoError(t, err)
	require.Equal(t, model.ProposalStatusPassed, got.Status)
	require.True(t, got.Executed)
	require.Equal(t, 2, got.VotesFor)

	res, err := f.identity.ResolvePermissions(ctx, candidate, f.repo)
	require.NoError(t, err)
	require.Equal(t, model.AccessMaintain, res.Level)
	require.Equal(t, "maintainer", res.Source)
}

func TestTieRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.propose(t, model.ProposalAddMaintainer, model.AddMaintainerAction{AgentID: f.register(t, "nobody").ID})
	_, err := f.svc.Vote(ctx, p.ID, f.members[0].ID, model.VoteFor)
	require.NoError(t, err)
	got, err := f.svc.Vote(ctx, p.ID, f.members[1].ID, model.VoteAgainst)
	require.NoError(t, err)
	require.Equal(t, model.ProposalStatusRejected, got.Status)
	require.False(t, got.Executed)
	require.Equal(t, "tie", got.ExecutionResult)

	// Resolved proposals refuse further votes.
	_, err = f.svc.Vote(ctx, p.ID, f.members[2].ID, model.VoteFor)
	require.Equal(t, model.CodeConflict, model.CodeOf(err))
}

func TestAbstainCountsTowardQuorum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	candidate := f.register(t, "quiet")

	p := f.propose(t, model.ProposalAddMaintainer, model.AddMaintainerAction{AgentID: candidate.ID})
	_, err := f.svc.Vote(ctx, p.ID, f.members[0].ID, model.VoteFor)
	require.NoError(t, err)
	got, err := f.svc.Vote(ctx, p.ID, f.members[1].ID, model.VoteAbstain)
	require.NoError(t, err)

	// F=1, A=0, abstain=1: quorum met, F > A passes.
	require.Equal(t, model.ProposalStatusPassed, got.Status)
	require.True(t, got.Executed)
}

func TestRevoteChangesChoiceWithoutDoubleCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	repo2, err := f.stage.CreateRepository(ctx, "slow", f.owner.ID, stage.CreateOptions{})
	require.NoError(t, err)
	c, err := f.svc.Create(ctx, repo2.ID, CreateOptions{MinMembers: 1, StandardQuorum: 3})
	require.NoError(t, err)
	for _, m := range f.members {
		require.NoError(t, f.svc.AddMember(ctx, c.ID, m.ID, ""))
	}

	data, _ := json.Marshal(model.AddMaintainerAction{AgentID: f.register(t, "later").ID})
	p, err := f.svc.Propose(ctx, c.ID, f.members[0].ID, "slow burn", model.ProposalAddMaintainer, data)
	require.NoError(t, err)

	_, err = f.svc.Vote(ctx, p.ID, f.members[0].ID, model.VoteAgainst)
	require.NoError(t, err)
	got, err := f.svc.Vote(ctx, p.ID, f.members[0].ID, model.VoteFor)
	require.NoError(t, err)
	require.Equal(t, 1, got.VotesFor)
	require.Equal(t, 0, got.VotesAgainst)
	require.Equal(t, model.ProposalStatusOpen, got.Status)

	// votes_cast counts voters, not re-votes.
	members, err := f.svc.Members(ctx, c.ID)
	require.NoError(t, err)
	for _, m := range members {
		if m.AgentID == f.members[0].ID {
			require.Equal(t, 1, m.VotesCast)
		}
	}
}

func TestNonMemberCannotProposeOrVote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	outsider := f.register(t, "outsider")

	_, err := f.svc.Propose(ctx, f.council.ID, outsider.ID, "sneaky", model.ProposalAddMaintainer,
		json.RawMessage(`{"agent_id":"x"}`))
	require.Equal(t, model.CodePermission, model.CodeOf(err))

	p := f.propose(t, model.ProposalAddMaintainer, model.AddMaintainerAction{AgentID: outsider.ID})
	_, err = f.svc.Vote(ctx, p.ID, outsider.ID, model.VoteFor)
	require.Equal(t, model.CodePermission, model.CodeOf(err))
}

func TestCriticalTypesRaiseQuorum(t *testing.T) {
	f := newFixture(t)

	p := f.propose(t, model.ProposalChangeStage, model.ChangeStageAction{Stage: model.StageGrowth})
	require.Equal(t, f.council.CriticalQuorum, p.QuorumRequired)
}

func TestActionDataValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		ptype model.ProposalType
		data  string
	}{
		{"missing agent_id", model.ProposalAddMaintainer, `{}`},
		{"unknown field", model.ProposalAddMaintainer, `{"agent_id":"x","bogus":1}`},
		{"threshold out of range", model.ProposalChangeThreshold, `{"consensus_threshold":1.5}`},
		{"bad stage", model.ProposalChangeStage, `{"stage":"imaginary"}`},
		{"missing stream_id", model.ProposalMergeStream, `{}`},
		{"empty payload", model.ProposalChangeSettings, ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Propose(ctx, f.council.ID, f.members[0].ID, "bad", tc.ptype, json.RawMessage(tc.data))
			require.Equal(t, model.CodeValidation, model.CodeOf(err))
		})
	}
}

func TestChangeThresholdExecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.propose(t, model.ProposalChangeThreshold, model.ChangeThresholdAction{ConsensusThreshold: 0.75})
	_, err := f.svc.Vote(ctx, p.ID, f.members[0].ID, model.VoteFor)
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, p.ID, f.members[1].ID, model.VoteFor)
	require.NoError(t, err)
	got, err := f.svc.Vote(ctx, p.ID, f.members[2].ID, model.VoteFor)
	require.NoError(t, err)
	require.True(t, got.Executed)

	repo, err := f.stage.GetRepository(ctx, f.repo.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.75, repo.ConsensusThreshold, 1e-9)
}

func TestChangeStageExecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.propose(t, model.ProposalChangeStage, model.ChangeStageAction{Stage: model.StageGrowth})
	for _, m := range f.members {
		_, err := f.svc.Vote(ctx, p.ID, m.ID, model.VoteFor)
		require.NoError(t, err)
	}

	repo, err := f.stage.GetRepository(ctx, f.repo.ID)
	require.NoError(t, err)
	require.Equal(t, model.StageGrowth, repo.Stage)
}

func TestChangeSettingsExecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mode := model.MergeModeGated
	minReviews := 2
	p := f.propose(t, model.ProposalChangeSettings, model.ChangeSettingsAction{
		MergeMode:  &mode,
		MinReviews: &minReviews,
	})
	_, err := f.svc.Vote(ctx, p.ID, f.members[0].ID, model.VoteFor)
	require.NoError(t, err)
	got, err := f.svc.Vote(ctx, p.ID, f.members[1].ID, model.VoteFor)
	require.NoError(t, err)
	require.True(t, got.Executed)

	repo, err := f.stage.GetRepository(ctx, f.repo.ID)
	require.NoError(t, err)
	require.Equal(t, model.MergeModeGated, repo.MergeMode)
	require.Equal(t, 2, repo.MinReviews)
}

func TestFailedExecutionLeavesProposalPassed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The founder is the only owner; removing them must fail.
	p := f.propose(t, model.ProposalRemoveMaintainer, model.RemoveMaintainerAction{AgentID: f.owner.ID})
	_, err := f.svc.Vote(ctx, p.ID, f.members[0].ID, model.VoteFor)
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, p.ID, f.members[1].ID, model.VoteFor)
	require.NoError(t, err)
	got, err := f.svc.Vote(ctx, p.ID, f.members[2].ID, model.VoteFor)
	require.NoError(t, err)

	require.Equal(t, model.ProposalStatusPassed, got.Status)
	require.False(t, got.Executed)
	require.NotEmpty(t, got.ExecutionResult)

	// The owner keeps their seat.
	res, err := f.identity.ResolvePermissions(ctx, f.owner, f.repo)
	require.NoError(t, err)
	require.Equal(t, model.AccessAdmin, res.Level)
}

func TestMergeStreamProposalJumpsQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author := f.register(t, "author")

	s, err := f.tracker.CreateStream(ctx, f.repo, author.ID, "hotfix", stream.StreamOptions{})
	require.NoError(t, err)

	p := f.propose(t, model.ProposalMergeStream, model.MergeStreamAction{StreamID: s.ID, BypassConsensus: true})
	_, err = f.svc.Vote(ctx, p.ID, f.members[0].ID, model.VoteFor)
	require.NoError(t, err)
	got, err := f.svc.Vote(ctx, p.ID, f.members[1].ID, model.VoteFor)
	require.NoError(t, err)
	require.True(t, got.Executed)

	var (
		authorized bool
		bypass     bool
	)
	require.NoError(t, f.store.QueryRow(ctx,
		`SELECT council_authorized, bypass_consensus FROM merge_queue WHERE stream_id = $1`,
		s.ID).Scan(&authorized, &bypass))
	require.True(t, authorized)
	require.True(t, bypass)
}

func TestExpiredProposalRefusesVotesAndSweeps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.propose(t, model.ProposalAddMaintainer, model.AddMaintainerAction{AgentID: f.register(t, "late").ID})
	_, err := f.store.Exec(ctx,
		`UPDATE proposals SET expires_at = $1 WHERE id = $2`,
		store.TimeMS(time.Now().Add(-time.Hour)), p.ID)
	require.NoError(t, err)

	_, err = f.svc.Vote(ctx, p.ID, f.members[0].ID, model.VoteFor)
	require.Equal(t, model.CodeConflict, model.CodeOf(err))

	// The vote path already expired it; the sweep finds nothing more.
	swept, err := f.svc.ExpireOpenProposals(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, swept)

	got, err := f.svc.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.ProposalStatusExpired, got.Status)
}

func TestProposalsListNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.propose(t, model.ProposalAddMaintainer, model.AddMaintainerAction{AgentID: "a"})
	f.propose(t, model.ProposalChangeThreshold, model.ChangeThresholdAction{ConsensusThreshold: 0.6})

	list, err := f.svc.Proposals(ctx, f.council.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
}
