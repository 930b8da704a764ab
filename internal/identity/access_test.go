package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/pkg/model"
)

func TestResolvePermissionsPrecedence(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	repo := testRepo(model.AgentAccessAllowlist)
	seedRepo(t, st, repo)

	owner, _, err := svc.Register(ctx, "owner", "")
	require.NoError(t, err)
	maint, _, err := svc.Register(ctx, "maint", "")
	require.NoError(t, err)
	granted, _, err := svc.Register(ctx, "granted", "")
	require.NoError(t, err)
	outsider, _, err := svc.Register(ctx, "outsider", "")
	require.NoError(t, err)

	require.NoError(t, svc.AddMaintainer(ctx, repo.ID, owner.ID, model.RoleOwner))
	require.NoError(t, svc.AddMaintainer(ctx, repo.ID, maint.ID, model.RoleMaintainer))
	require.NoError(t, svc.UpsertGrant(ctx, model.AccessGrant{
		RepoID: repo.ID, AgentID: granted.ID, Level: model.AccessWrite,
	}))

	tests := []struct {
		name   string
		agent  *model.Agent
		level  model.AccessLevel
		source string
	}{
		{"owner resolves admin", owner, model.AccessAdmin, "owner"},
		{"maintainer resolves maintain", maint, model.AccessMaintain, "maintainer"},
		{"grant resolves its level", granted, model.AccessWrite, "grant"},
		{"allowlist default is none", outsider, model.AccessNone, "allowlist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.ResolvePermissions(ctx, tt.agent, repo)
			require.NoError(t, err)
			require.Equal(t, tt.level, res.Level)
			require.Equal(t, tt.source, res.Source)
		})
	}
}

func TestResolvePermissionsRepoDefaults(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	public := testRepo(model.AgentAccessPublic)
	seedRepo(t, st, public)
	gated := testRepo(model.AgentAccessKarmaThreshold)
	seedRepo(t, st, gated)

	poor, _, err := svc.Register(ctx, "poor", "")
	require.NoError(t, err)
	rich, _, err := svc.Register(ctx, "rich", "")
	require.NoError(t, err)
	rich.Karma = 100 // repo MinKarma is 50

	res, err := svc.ResolvePermissions(ctx, poor, public)
	require.NoError(t, err)
	require.Equal(t, model.AccessWrite, res.Level)
	require.Equal(t, "public", res.Source)

	res, err = svc.ResolvePermissions(ctx, poor, gated)
	require.NoError(t, err)
	require.Equal(t, model.AccessRead, res.Level)

	res, err = svc.ResolvePermissions(ctx, rich, gated)
	require.NoError(t, err)
	require.Equal(t, model.AccessWrite, res.Level)
	require.Equal(t, "karma_threshold", res.Source)
}

func TestResolvePermissionsBannedAgent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	repo := testRepo(model.AgentAccessPublic)
	seedRepo(t, st, repo)

	agent, _, err := svc.Register(ctx, "banned", "")
	require.NoError(t, err)
	require.NoError(t, svc.AddMaintainer(ctx, repo.ID, agent.ID, model.RoleOwner))
	require.NoError(t, svc.SetStatus(ctx, agent.ID, model.AgentStatusBanned))
	agent.Status = model.AgentStatusBanned

	// Even an owner row cannot override a banned status.
	res, err := svc.ResolvePermissions(ctx, agent, repo)
	require.NoError(t, err)
	require.Equal(t, model.AccessNone, res.Level)
	require.Equal(t, "status", res.Source)
}

func TestExpiredGrantIgnored(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	repo := testRepo(model.AgentAccessAllowlist)
	seedRepo(t, st, repo)
	agent, _, err := svc.Register(ctx, "lapsed", "")
	require.NoError(t, err)

	expired := time.Now().Add(-time.Hour)
	require.NoError(t, svc.UpsertGrant(ctx, model.AccessGrant{
		RepoID: repo.ID, AgentID: agent.ID, Level: model.AccessMaintain, ExpiresAt: &expired,
	}))

	res, err := svc.ResolvePermissions(ctx, agent, repo)
	require.NoError(t, err)
	require.Equal(t, model.AccessNone, res.Level)
	require.Equal(t, "allowlist", res.Source)
}

func TestCanPerformLadder(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	repo := testRepo(model.AgentAccessPublic)
	seedRepo(t, st, repo)
	writer, _, err := svc.Register(ctx, "writer", "")
	require.NoError(t, err)

	require.NoError(t, svc.CanPerform(ctx, writer, repo, ActionRead))
	require.NoError(t, svc.CanPerform(ctx, writer, repo, ActionWrite))

	err = svc.CanPerform(ctx, writer, repo, ActionMerge)
	require.Equal(t, model.CodePermission, model.CodeOf(err))
	err = svc.CanPerform(ctx, writer, repo, ActionDelete)
	require.Equal(t, model.CodePermission, model.CodeOf(err))
}

func TestCanPushToBranchRules(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	repo := testRepo(model.AgentAccessPublic)
	seedRepo(t, st, repo)

	maint, _, err := svc.Register(ctx, "maint", "")
	require.NoError(t, err)
	require.NoError(t, svc.AddMaintainer(ctx, repo.ID, maint.ID, model.RoleMaintainer))
	drone, _, err := svc.Register(ctx, "drone", "")
	require.NoError(t, err)

	// Higher priority rule on a narrower prefix wins.
	require.NoError(t, svc.AddBranchRule(ctx, model.BranchRule{
		ID: model.NewID(), RepoID: repo.ID, Pattern: "main", Priority: 10,
		DirectPush: model.DirectPushNone,
	}))
	require.NoError(t, svc.AddBranchRule(ctx, model.BranchRule{
		ID: model.NewID(), RepoID: repo.ID, Pattern: "release/", Priority: 5,
		DirectPush: model.DirectPushMaintainers,
	}))

	ok, err := svc.CanPushToBranch(ctx, maint, repo, "main")
	require.NoError(t, err)
	require.False(t, ok, "direct_push=none blocks everyone")

	ok, err = svc.CanPushToBranch(ctx, maint, repo, "release/1.2")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = svc.CanPushToBranch(ctx, drone, repo, "release/1.2")
	require.NoError(t, err)
	require.False(t, ok)

	// Unruled branches fall back to write access.
	ok, err = svc.CanPushToBranch(ctx, drone, repo, "swarm/drone/feature")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRemoveMaintainerLastOwner(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	repo := testRepo(model.AgentAccessPublic)
	seedRepo(t, st, repo)

	a, _, err := svc.Register(ctx, "a", "")
	require.NoError(t, err)
	b, _, err := svc.Register(ctx, "b", "")
	require.NoError(t, err)

	require.NoError(t, svc.AddMaintainer(ctx, repo.ID, a.ID, model.RoleOwner))

	err = svc.RemoveMaintainer(ctx, repo.ID, a.ID)
	require.Equal(t, model.CodeConflict, model.CodeOf(err))

	// With a second owner the first becomes removable.
	require.NoError(t, svc.AddMaintainer(ctx, repo.ID, b.ID, model.RoleOwner))
	require.NoError(t, svc.RemoveMaintainer(ctx, repo.ID, a.ID))

	_, isMaint, err := svc.MaintainerRole(ctx, repo.ID, a.ID)
	require.NoError(t, err)
	require.False(t, isMaint)
}

func TestAddMaintainerUpdatesRole(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	repo := testRepo(model.AgentAccessPublic)
	seedRepo(t, st, repo)
	a, _, err := svc.Register(ctx, "a", "")
	require.NoError(t, err)

	require.NoError(t, svc.AddMaintainer(ctx, repo.ID, a.ID, model.RoleMaintainer))
	require.NoError(t, svc.AddMaintainer(ctx, repo.ID, a.ID, model.RoleOwner))

	role, ok, err := svc.MaintainerRole(ctx, repo.ID, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.RoleOwner, role)

	res, err := svc.ResolvePermissions(ctx, a, repo)
	require.NoError(t, err)
	require.Equal(t, model.AccessAdmin, res.Level)
}
