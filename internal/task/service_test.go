package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/internal/karma"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, karma.NewService(st)), st
}

func seedAgent(t *testing.T, st store.Store, name string) string {
	t.Helper()
	id := model.NewID()
	_, err := st.Exec(context.Background(),
		`INSERT INTO agents (id, name, key_hash, karma, status, created_at)
		 VALUES ($1, $2, 'h', 0, 'active', 0)`, id, name)
	require.NoError(t, err)
	return id
}

func karmaOf(t *testing.T, st store.Store, agentID string) int {
	t.Helper()
	var k int
	require.NoError(t, st.QueryRow(context.Background(),
		`SELECT karma FROM agents WHERE id = $1`, agentID).Scan(&k))
	return k
}

func TestCreateAndList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	repoID := model.NewID()

	task, err := svc.Create(ctx, repoID, model.NewID(), "fix flaky test", "", model.PriorityHigh, 50)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusOpen, task.Status)
	require.Equal(t, model.PriorityHigh, task.Priority)

	_, err = svc.Create(ctx, repoID, "", "", "", "", 0)
	require.Equal(t, model.CodeValidation, model.CodeOf(err))
	_, err = svc.Create(ctx, repoID, "", "bounty", "", "", -1)
	require.Equal(t, model.CodeValidation, model.CodeOf(err))

	open, err := svc.List(ctx, repoID, model.TaskStatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestClaimRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	creator := model.NewID()
	worker := model.NewID()

	task, err := svc.Create(ctx, model.NewID(), creator, "write docs", "", "", 0)
	require.NoError(t, err)

	// The creator may not claim their own task.
	_, err = svc.Claim(ctx, task.ID, creator, "")
	require.Equal(t, model.CodeConflict, model.CodeOf(err))

	claim, err := svc.Claim(ctx, task.ID, worker, "")
	require.NoError(t, err)
	require.Equal(t, model.ClaimStatusActive, claim.Status)

	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusClaimed, got.Status)

	// A claimed task cannot be claimed again.
	_, err = svc.Claim(ctx, task.ID, model.NewID(), "")
	require.Equal(t, model.CodeConflict, model.CodeOf(err))
}

func TestSubmitAndApprove(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	worker := seedAgent(t, st, "worker")

	task, err := svc.Create(ctx, model.NewID(), model.NewID(), "bounty work", "", "", 250)
	require.NoError(t, err)
	claim, err := svc.Claim(ctx, task.ID, worker, "")
	require.NoError(t, err)

	// Only the claim holder submits.
	err = svc.Submit(ctx, claim.ID, model.NewID(), "done")
	require.Equal(t, model.CodeConflict, model.CodeOf(err))

	require.NoError(t, svc.Submit(ctx, claim.ID, worker, "done, see stream"))
	got, err := svc.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	require.Equal(t, model.ClaimStatusSubmitted, got.Status)
	require.NotNil(t, got.SubmittedAt)

	require.NoError(t, svc.Review(ctx, claim.ID, true))
	got, err = svc.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	require.Equal(t, model.ClaimStatusApproved, got.Status)

	doneTask, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, doneTask.Status)

	// amount 250 pays 25 karma.
	require.Equal(t, 25, karmaOf(t, st, worker))
}

func TestRejectReopensTask(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	worker := seedAgent(t, st, "worker")
	other := seedAgent(t, st, "other")

	task, err := svc.Create(ctx, model.NewID(), model.NewID(), "tricky", "", "", 100)
	require.NoError(t, err)
	claim, err := svc.Claim(ctx, task.ID, worker, "")
	require.NoError(t, err)
	require.NoError(t, svc.Submit(ctx, claim.ID, worker, "attempt 1"))

	require.NoError(t, svc.Review(ctx, claim.ID, false))
	require.Equal(t, 0, karmaOf(t, st, worker))

	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusOpen, got.Status)

	// Another agent may now try.
	_, err = svc.Claim(ctx, task.ID, other, "")
	require.NoError(t, err)

	// And the rejected agent may also claim again; the old claim is
	// terminal so the live-claim constraint does not fire.
	got2, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusClaimed, got2.Status)
}

func TestSubmitRequiresActiveClaim(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	worker := seedAgent(t, st, "worker")

	task, err := svc.Create(ctx, model.NewID(), model.NewID(), "work", "", "", 0)
	require.NoError(t, err)
	claim, err := svc.Claim(ctx, task.ID, worker, "")
	require.NoError(t, err)
	require.NoError(t, svc.Submit(ctx, claim.ID, worker, "v1"))

	err = svc.Submit(ctx, claim.ID, worker, "v2")
	require.Equal(t, model.CodeConflict, model.CodeOf(err))

	err = svc.Review(ctx, claim.ID, true)
	require.NoError(t, err)
	err = svc.Review(ctx, claim.ID, true)
	require.Equal(t, model.CodeConflict, model.CodeOf(err))
}

func TestZeroAmountAwardsNoKarma(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	worker := seedAgent(t, st, "worker")

	task, err := svc.Create(ctx, model.NewID(), model.NewID(), "free work", "", "", 0)
	require.NoError(t, err)
	claim, err := svc.Claim(ctx, task.ID, worker, "")
	require.NoError(t, err)
	require.NoError(t, svc.Submit(ctx, claim.ID, worker, "done"))
	require.NoError(t, svc.Review(ctx, claim.ID, true))
	require.Equal(t, 0, karmaOf(t, st, worker))
}

func TestLinkClaimToStream(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	worker := model.NewID()

	task, err := svc.Create(ctx, model.NewID(), model.NewID(), "work", "", "", 0)
	require.NoError(t, err)
	claim, err := svc.Claim(ctx, task.ID, worker, "")
	require.NoError(t, err)

	streamID := model.NewID()
	require.NoError(t, svc.LinkClaimToStream(ctx, claim.ID, streamID))
	got, err := svc.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	require.Equal(t, streamID, got.StreamID)

	require.NoError(t, svc.Submit(ctx, claim.ID, worker, "done"))
	err = svc.LinkClaimToStream(ctx, claim.ID, model.NewID())
	require.Equal(t, model.CodeConflict, model.CodeOf(err))
}
