package gitops

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gitswarm/gitswarm/pkg/model"
)

// CLIBackend drives the host git CLI against one repository. All
// operations on a repository are serialised by a mutex in addition to
// whatever locking git performs itself.
type CLIBackend struct {
	repoPath string
	mu       sync.Mutex
}

// NewCLIBackend creates a backend rooted at repoPath. The path must be
// the top level of an existing git repository.
func NewCLIBackend(repoPath string) *CLIBackend {
	return &CLIBackend{repoPath: repoPath}
}

// IsGitRepository checks whether dir is inside a git repository.
func IsGitRepository(dir string) (bool, error) {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.Error); ok {
			return false, fmt.Errorf("git not found in PATH\nGitswarm requires Git to be installed.\nInstall Git: https://git-scm.com/downloads")
		}
		return false, nil
	}
	return true, nil
}

// git runs one git command in dir and returns its trimmed output.
func (b *CLIBackend) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, &model.GitBackendError{Op: args[0], Message: firstLine(text, err)}
	}
	return text, nil
}

func firstLine(out string, err error) string {
	if out != "" {
		if i := strings.IndexByte(out, '\n'); i > 0 {
			return out[:i]
		}
		return out
	}
	return err.Error()
}

func (b *CLIBackend) CreateBranch(ctx context.Context, name, base string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.git(ctx, b.repoPath, "branch", name, base)
	return err
}

func (b *CLIBackend) DeleteBranch(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.git(ctx, b.repoPath, "branch", "-D", name)
	return err
}

func (b *CLIBackend) CreateWorktree(ctx context.Context, path, branch string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.git(ctx, b.repoPath, "worktree", "add", path, branch)
	return err
}

func (b *CLIBackend) RemoveWorktree(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.git(ctx, b.repoPath, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	_, err := b.git(ctx, b.repoPath, "worktree", "prune")
	return err
}

func (b *CLIBackend) Commit(ctx context.Context, worktree, message string) (CommitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.git(ctx, worktree, "add", "-A"); err != nil {
		return CommitResult{}, err
	}

	parent, _ := b.git(ctx, worktree, "rev-parse", "HEAD")
	changeID := ChangeID(worktree, message, parent)
	full := fmt.Sprintf("%s\n\nChange-Id: %s", strings.TrimRight(message, "\n"), changeID)

	if _, err := b.git(ctx, worktree, "commit", "-m", full); err != nil {
		return CommitResult{}, err
	}
	hash, err := b.git(ctx, worktree, "rev-parse", "HEAD")
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{CommitHash: hash, ChangeID: changeID}, nil
}

func (b *CLIBackend) Merge(ctx context.Context, dst, src string) (MergeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Merge inside a detached temp worktree so a conflict never leaves
	// the destination dirty.
	dir := fmt.Sprintf("%s/.git/swarm-merge-%d", b.repoPath, time.Now().UnixNano())
	if _, err := b.git(ctx, b.repoPath, "worktree", "add", "--detach", dir, dst); err != nil {
		return MergeResult{}, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = b.git(cleanupCtx, b.repoPath, "worktree", "remove", "--force", dir)
		_, _ = b.git(cleanupCtx, b.repoPath, "worktree", "prune")
	}()

	if out, err := b.git(ctx, dir, "merge", "--no-ff", src, "-m",
		fmt.Sprintf("Merge %s into %s", src, dst)); err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(err.Error(), "CONFLICT") {
			_, _ = b.git(ctx, dir, "merge", "--abort")
			return MergeResult{Conflict: true, Message: out}, nil
		}
		return MergeResult{}, err
	}

	hash, err := b.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return MergeResult{}, err
	}
	if _, err := b.git(ctx, dir, "update-ref", "refs/heads/"+dst, hash); err != nil {
		return MergeResult{}, err
	}
	return MergeResult{OK: true, Commit: hash}, nil
}

func (b *CLIBackend) FastForward(ctx context.Context, dst, src string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// dst must be an ancestor of src for a fast-forward.
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", dst, src)
	cmd.Dir = b.repoPath
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return ErrNotFastForward
		}
		return &model.GitBackendError{Op: "merge-base", Message: err.Error()}
	}

	srcHash, err := b.git(ctx, b.repoPath, "rev-parse", src)
	if err != nil {
		return err
	}
	_, err = b.git(ctx, b.repoPath, "update-ref", "refs/heads/"+dst, srcHash)
	return err
}

func (b *CLIBackend) Revert(ctx context.Context, branch, commit string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dirName := fmt.Sprintf("%s/.git/swarm-revert-%d", b.repoPath, time.Now().UnixNano())
	if _, err := b.git(ctx, b.repoPath, "worktree", "add", "--detach", dirName, branch); err != nil {
		return "", err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = b.git(cleanupCtx, b.repoPath, "worktree", "remove", "--force", dirName)
		_, _ = b.git(cleanupCtx, b.repoPath, "worktree", "prune")
	}()

	if _, err := b.git(ctx, dirName, "revert", "--no-edit", "-m", "1", commit); err != nil {
		// -m 1 applies to merge commits only; retry plain for ordinary ones.
		_, _ = b.git(ctx, dirName, "revert", "--abort")
		if _, err2 := b.git(ctx, dirName, "revert", "--no-edit", commit); err2 != nil {
			return "", err2
		}
	}
	hash, err := b.git(ctx, dirName, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if _, err := b.git(ctx, dirName, "update-ref", "refs/heads/"+branch, hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (b *CLIBackend) Diff(ctx context.Context, branch, base string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.git(ctx, b.repoPath, "diff", base+"..."+branch)
}

func (b *CLIBackend) Head(ctx context.Context, branch string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.git(ctx, b.repoPath, "rev-parse", branch)
}

func (b *CLIBackend) Tag(ctx context.Context, name, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.git(ctx, b.repoPath, "tag", "-f", name, ref)
	return err
}

func (b *CLIBackend) RunCommand(ctx context.Context, worktree, cmdline string, timeout time.Duration) (CommandResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdline)
	cmd.Dir = worktree
	out, err := cmd.CombinedOutput()

	result := CommandResult{Output: string(out)}
	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, &model.GitBackendError{Op: "run", Message: err.Error()}
	}
	return result, nil
}

// ChangeID derives the deterministic Change-Id trailer for a commit:
// the same worktree, message, and parent always produce the same id.
func ChangeID(worktree, message, parent string) string {
	sum := sha256.Sum256([]byte(worktree + "\x00" + message + "\x00" + parent))
	return "I" + hex.EncodeToString(sum[:])[:40]
}
