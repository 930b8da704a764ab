package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/internal/gitops"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// mergeOne pushes a stream through review and the worker.
func (f *fixture) mergeOne(t *testing.T, agentID, name, commitMsg string) *model.Stream {
	t.Helper()
	ctx := context.Background()
	s := f.workspace(t, agentID, name, commitMsg, StreamOptions{})
	f.approve(s.ID)
	_, err := f.queue.RequestMerge(ctx, s, f.repo, agentID, false)
	require.NoError(t, err)
	_, err = f.worker.ProcessNext(ctx, f.repo.ID)
	require.NoError(t, err)
	got, err := f.tracker.GetStream(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, model.StreamStatusMerged, got.Status)
	return got
}

func TestStabilizeGreenTagsBuffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mergeOne(t, model.NewID(), "feature", "add a.txt")

	run, err := f.stab.Stabilize(ctx, f.repo)
	require.NoError(t, err)
	require.True(t, run.Success)
	require.Equal(t, "swarm-green-1", run.Tag)
	require.NotEmpty(t, f.backend.TagRef("swarm-green-1"))

	// The next green run gets the next number.
	f.mergeOne(t, model.NewID(), "feature-2", "add b.txt")
	run, err = f.stab.Stabilize(ctx, f.repo)
	require.NoError(t, err)
	require.Equal(t, "swarm-green-2", run.Tag)
}

func TestStabilizeRedTriggersAutoRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.AutoRevertOnRed = true
	s := f.mergeOne(t, model.NewID(), "feature", "add a.txt")

	f.backend.CommandResults["make test"] = gitops.CommandResult{ExitCode: 1, Output: "FAIL"}

	run, err := f.stab.Stabilize(ctx, f.repo)
	require.NoError(t, err)
	require.False(t, run.Success)
	require.Empty(t, run.Tag)

	// The offending stream is reverted on the buffer; main untouched.
	got, err := f.tracker.GetStream(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, model.StreamStatusReverted, got.Status)
	require.True(t, f.backend.Contains(f.repo.BufferBranch, `Revert "Merge `+s.BranchRef+` into `+f.repo.BufferBranch+`"`))
	require.False(t, f.backend.Contains("main", "add a.txt"))

	entries, err := f.queue.Entries(ctx, f.repo.ID)
	require.NoError(t, err)
	require.Equal(t, model.MergeQueueFailed, entries[0].Status)
}

func TestStabilizeRedWithoutAutoRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.mergeOne(t, model.NewID(), "feature", "add a.txt")

	f.backend.CommandResults["make test"] = gitops.CommandResult{ExitCode: 2, Output: "FAIL"}
	run, err := f.stab.Stabilize(ctx, f.repo)
	require.NoError(t, err)
	require.False(t, run.Success)

	got, err := f.tracker.GetStream(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, model.StreamStatusMerged, got.Status, "revert requires opt-in")
}

func TestStabilizeRequiresCommand(t *testing.T) {
	f := newFixture(t)
	f.repo.StabilizeCommand = ""
	_, err := f.stab.Stabilize(context.Background(), f.repo)
	require.Equal(t, model.CodeValidation, model.CodeOf(err))
}

func TestPromoteFastForwardsMain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mergeOne(t, model.NewID(), "feature", "add a.txt")

	require.NoError(t, f.stab.Promote(ctx, f.repo))
	require.True(t, f.backend.Contains("main", "add a.txt"))
}

func TestPromoteRejectsDivergedTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mergeOne(t, model.NewID(), "feature", "add a.txt")

	// Someone commits to main behind the system's back.
	require.NoError(t, f.backend.CreateWorktree(ctx, "/wt/rogue", "main"))
	_, err := f.backend.Commit(ctx, "/wt/rogue", "rogue change")
	require.NoError(t, err)

	err = f.stab.Promote(ctx, f.repo)
	require.ErrorIs(t, err, gitops.ErrNotFastForward)
}

func TestGatedPromoteRequiresGreen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.MergeMode = model.MergeModeGated
	f.mergeOne(t, model.NewID(), "feature", "add a.txt")

	// Never stabilized: blocked.
	err := f.stab.Promote(ctx, f.repo)
	require.Equal(t, model.CodeConflict, model.CodeOf(err))

	// Red run: still blocked.
	f.backend.CommandResults["make test"] = gitops.CommandResult{ExitCode: 1}
	_, err = f.stab.Stabilize(ctx, f.repo)
	require.NoError(t, err)
	err = f.stab.Promote(ctx, f.repo)
	require.Equal(t, model.CodeConflict, model.CodeOf(err))

	// Green unblocks.
	delete(f.backend.CommandResults, "make test")
	_, err = f.stab.Stabilize(ctx, f.repo)
	require.NoError(t, err)
	require.NoError(t, f.stab.Promote(ctx, f.repo))
	require.True(t, f.backend.Contains("main", "add a.txt"))
}
