package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

const testSecret = "test-session-secret"

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, testSecret), st
}

func seedRepo(t *testing.T, st store.Store, repo *model.Repository) {
	t.Helper()
	if repo.ID == "" {
		repo.ID = model.NewID()
	}
	_, err := st.Exec(context.Background(),
		`INSERT INTO repositories (id, name, stage, ownership_model, merge_mode, agent_access,
		   min_karma, consensus_threshold, min_reviews, human_review_weight,
		   buffer_branch, promote_target, stabilize_command, stabilize_timeout_ms,
		   auto_promote_on_green, auto_revert_on_red, consensus_authority,
		   contributor_count, patch_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		repo.ID, repo.Name, string(repo.Stage), string(repo.OwnershipModel), string(repo.MergeMode),
		string(repo.AgentAccess), repo.MinKarma, repo.ConsensusThreshold, repo.MinReviews,
		repo.HumanReviewWeight, repo.BufferBranch, repo.PromoteTarget, repo.StabilizeCommand,
		repo.StabilizeTimeout.Milliseconds(), repo.AutoPromoteOnGreen, repo.AutoRevertOnRed,
		string(repo.ConsensusAuthority), repo.ContributorCount, repo.PatchCount,
		store.TimeMS(time.Now()))
	require.NoError(t, err)
}

func testRepo(access model.AgentAccess) *model.Repository {
	return &model.Repository{
		ID:                 model.NewID(),
		Name:               "proj-" + model.NewID()[:8],
		Stage:              model.StageSeed,
		OwnershipModel:     model.OwnershipSolo,
		MergeMode:          model.MergeModeReview,
		AgentAccess:        access,
		MinKarma:           50,
		ConsensusThreshold: 0.5,
		MinReviews:         1,
		BufferBranch:       "swarm-buffer",
		PromoteTarget:      "main",
		ConsensusAuthority: model.ConsensusAuthorityLocal,
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	agent, key, err := svc.Register(ctx, "drone-1", "build drone")
	require.NoError(t, err)
	require.True(t, ValidKeyFormat(key))
	require.Equal(t, model.AgentStatusActive, agent.Status)

	got, err := svc.Authenticate(ctx, key)
	require.NoError(t, err)
	require.Equal(t, agent.ID, got.ID)
	require.Equal(t, "drone-1", got.Name)

	// Wrong keys fail regardless of shape.
	_, err = svc.Authenticate(ctx, "gsw_"+"x"+key[5:])
	require.ErrorIs(t, err, model.ErrUnauthenticated)
	_, err = svc.Authenticate(ctx, "not-a-key")
	require.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestRegisterDuplicateName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "drone-1", "")
	require.NoError(t, err)
	_, _, err = svc.Register(ctx, "drone-1", "")
	require.Equal(t, model.CodeConflict, model.CodeOf(err))
}

func TestAuthenticateSuspended(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	agent, key, err := svc.Register(ctx, "drone-1", "")
	require.NoError(t, err)
	require.NoError(t, svc.SetStatus(ctx, agent.ID, model.AgentStatusSuspended))

	_, err = svc.Authenticate(ctx, key)
	require.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestGetAgentNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetAgent(context.Background(), model.NewID())
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateBio(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	agent, _, err := svc.Register(ctx, "drone-1", "old")
	require.NoError(t, err)
	require.NoError(t, svc.UpdateBio(ctx, agent.ID, "new"))

	got, err := svc.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, "new", got.Bio)

	require.ErrorIs(t, svc.UpdateBio(ctx, model.NewID(), "x"), model.ErrNotFound)
}

func TestKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	require.True(t, ValidKeyFormat(key))

	hash := HashKey(testSecret, key)
	require.True(t, VerifyKey(testSecret, key, hash))
	require.False(t, VerifyKey("other-secret", key, hash))
}
