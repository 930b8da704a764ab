// Package gitops defines the abstract git backend the coordination
// engine drives: branches, worktrees, commits, merges, reverts, and
// command execution. Two implementations exist - one shelling out to
// the host git CLI, one in-memory for tests. The core never embeds
// git state.
package gitops

import (
	"context"
	"errors"
	"time"
)

// CommitResult reports a created commit. The backend appends a
// deterministic Change-Id trailer to every commit message.
type CommitResult struct {
	CommitHash string
	ChangeID   string
}

// MergeResult reports a three-way merge attempt. A failed merge leaves
// the destination unchanged.
type MergeResult struct {
	OK       bool
	Conflict bool
	Commit   string // Merge commit hash when OK
	Message  string // Conflict or error detail
}

// CommandResult captures the exit status and combined output of a
// command run inside a worktree.
type CommandResult struct {
	ExitCode int
	Output   string
	TimedOut bool
}

// ErrNotFastForward is returned by FastForward when the destination
// has diverged from the source history.
var ErrNotFastForward = errors.New("not a fast-forward")

// Backend is the minimal operation set the coordination engine needs.
// Every operation is atomic: a failure leaves the repository exactly
// as it was.
type Backend interface {
	// CreateBranch creates name at base's tip.
	CreateBranch(ctx context.Context, name, base string) error

	// DeleteBranch removes a branch ref.
	DeleteBranch(ctx context.Context, name string) error

	// CreateWorktree materialises branch at path.
	CreateWorktree(ctx context.Context, path, branch string) error

	// RemoveWorktree tears down the worktree at path.
	RemoveWorktree(ctx context.Context, path string) error

	// Commit stages everything in the worktree and commits with the
	// given message plus a generated Change-Id trailer.
	Commit(ctx context.Context, worktree, message string) (CommitResult, error)

	// Merge three-way merges src into dst.
	Merge(ctx context.Context, dst, src string) (MergeResult, error)

	// FastForward advances dst to src's tip, failing with
	// ErrNotFastForward if histories diverged.
	FastForward(ctx context.Context, dst, src string) error

	// Revert appends a revert of commit to branch and returns the
	// revert commit hash.
	Revert(ctx context.Context, branch, commit string) (string, error)

	// Diff returns the textual diff of branch against base.
	Diff(ctx context.Context, branch, base string) (string, error)

	// Head returns the commit hash at the tip of branch.
	Head(ctx context.Context, branch string) (string, error)

	// Tag records a lightweight tag at ref.
	Tag(ctx context.Context, name, ref string) error

	// RunCommand executes cmd inside the worktree under a timeout,
	// killing the process on expiry.
	RunCommand(ctx context.Context, worktree, cmd string, timeout time.Duration) (CommandResult, error)
}
