package gitops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBackendBranchAndCommit(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("main")

	require.NoError(t, b.CreateBranch(ctx, "swarm/x", "main"))
	require.Error(t, b.CreateBranch(ctx, "swarm/x", "main"), "duplicate branch must fail")

	require.NoError(t, b.CreateWorktree(ctx, "/wt/a", "swarm/x"))

	res, err := b.Commit(ctx, "/wt/a", "add a.txt")
	require.NoError(t, err)
	require.NotEmpty(t, res.CommitHash)
	require.Regexp(t, `^I[0-9a-f]{40}$`, res.ChangeID)

	require.True(t, b.Contains("swarm/x", "add a.txt"))
	require.False(t, b.Contains("main", "add a.txt"))
}

func TestMemoryBackendMerge(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("main")
	require.NoError(t, b.CreateBranch(ctx, "buffer", "main"))
	require.NoError(t, b.CreateBranch(ctx, "swarm/x", "main"))
	require.NoError(t, b.CreateWorktree(ctx, "/wt/x", "swarm/x"))
	_, err := b.Commit(ctx, "/wt/x", "add a.txt")
	require.NoError(t, err)

	res, err := b.Merge(ctx, "buffer", "swarm/x")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.True(t, b.Contains("buffer", "add a.txt"))

	// A conflicting source reports conflict and leaves dst unchanged.
	require.NoError(t, b.CreateBranch(ctx, "swarm/y", "main"))
	b.ConflictWith["swarm/y"] = true
	before := len(b.History("buffer"))
	res, err = b.Merge(ctx, "buffer", "swarm/y")
	require.NoError(t, err)
	require.False(t, res.OK)
	require.True(t, res.Conflict)
	require.Len(t, b.History("buffer"), before)
}

func TestMemoryBackendFastForward(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("main")
	require.NoError(t, b.CreateBranch(ctx, "buffer", "main"))
	require.NoError(t, b.CreateWorktree(ctx, "/wt/b", "buffer"))
	_, err := b.Commit(ctx, "/wt/b", "reviewed change")
	require.NoError(t, err)

	require.NoError(t, b.FastForward(ctx, "main", "buffer"))
	require.True(t, b.Contains("main", "reviewed change"))

	// Diverged histories refuse to fast-forward.
	require.NoError(t, b.CreateWorktree(ctx, "/wt/m", "main"))
	_, err = b.Commit(ctx, "/wt/m", "external interference")
	require.NoError(t, err)
	_, err = b.Commit(ctx, "/wt/b", "another change")
	require.NoError(t, err)
	require.ErrorIs(t, b.FastForward(ctx, "main", "buffer"), ErrNotFastForward)
}

func TestMemoryBackendRevertAndDiff(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("main")
	require.NoError(t, b.CreateBranch(ctx, "buffer", "main"))
	require.NoError(t, b.CreateWorktree(ctx, "/wt/b", "buffer"))
	res, err := b.Commit(ctx, "/wt/b", "bad change")
	require.NoError(t, err)

	diff, err := b.Diff(ctx, "buffer", "main")
	require.NoError(t, err)
	require.Contains(t, diff, "bad change")

	revHash, err := b.Revert(ctx, "buffer", res.CommitHash)
	require.NoError(t, err)
	require.NotEmpty(t, revHash)
	require.True(t, b.Contains("buffer", `Revert "bad change"`))

	_, err = b.Revert(ctx, "buffer", "no-such-commit")
	require.Error(t, err)
}

func TestMemoryBackendRunCommand(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("main")

	res, err := b.RunCommand(ctx, "/wt", "make test", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	b.CommandResults["make test"] = CommandResult{ExitCode: 2, Output: "FAIL"}
	res, err = b.RunCommand(ctx, "/wt", "make test", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, res.ExitCode)
}

func TestChangeIDDeterministic(t *testing.T) {
	a := ChangeID("/wt", "msg", "parent")
	b := ChangeID("/wt", "msg", "parent")
	c := ChangeID("/wt", "msg", "other-parent")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
