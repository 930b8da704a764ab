package gitops

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gitswarm/gitswarm/pkg/model"
)

// MemCommit is one commit in the in-memory backend's history model.
type MemCommit struct {
	Hash     string
	Message  string
	ChangeID string
}

// MemoryBackend is the test double for Backend. It models branches as
// ordered commit lists, which is enough to exercise merge ordering,
// fast-forward detection, and revert behaviour without touching git.
type MemoryBackend struct {
	mu        sync.Mutex
	branches  map[string][]MemCommit
	worktrees map[string]string // path -> branch
	tags      map[string]string
	seq       int

	// ConflictWith marks source branches whose merges report a conflict.
	ConflictWith map[string]bool

	// CommandResult is returned by RunCommand; zero value means success.
	CommandResults map[string]CommandResult
}

// NewMemoryBackend creates an in-memory backend with an initial branch
// holding one root commit.
func NewMemoryBackend(initialBranch string) *MemoryBackend {
	b := &MemoryBackend{
		branches:       make(map[string][]MemCommit),
		worktrees:      make(map[string]string),
		tags:           make(map[string]string),
		ConflictWith:   make(map[string]bool),
		CommandResults: make(map[string]CommandResult),
	}
	b.branches[initialBranch] = []MemCommit{{Hash: b.nextHash(), Message: "root"}}
	return b
}

func (b *MemoryBackend) nextHash() string {
	b.seq++
	return fmt.Sprintf("%040x", b.seq)
}

func (b *MemoryBackend) branch(name string) ([]MemCommit, error) {
	commits, ok := b.branches[name]
	if !ok {
		return nil, &model.GitBackendError{Op: "lookup", Message: "unknown branch " + name}
	}
	return commits, nil
}

func (b *MemoryBackend) CreateBranch(_ context.Context, name, base string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.branches[name]; exists {
		return &model.GitBackendError{Op: "branch", Message: "branch already exists: " + name}
	}
	baseCommits, err := b.branch(base)
	if err != nil {
		return err
	}
	b.branches[name] = append([]MemCommit(nil), baseCommits...)
	return nil
}

func (b *MemoryBackend) DeleteBranch(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.branch(name); err != nil {
		return err
	}
	delete(b.branches, name)
	return nil
}

func (b *MemoryBackend) CreateWorktree(_ context.Context, path, branch string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.branch(branch); err != nil {
		return err
	}
	if _, exists := b.worktrees[path]; exists {
		return &model.GitBackendError{Op: "worktree", Message: "worktree already exists: " + path}
	}
	b.worktrees[path] = branch
	return nil
}

func (b *MemoryBackend) RemoveWorktree(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.worktrees[path]; !ok {
		return &model.GitBackendError{Op: "worktree", Message: "unknown worktree: " + path}
	}
	delete(b.worktrees, path)
	return nil
}

func (b *MemoryBackend) Commit(_ context.Context, worktree, message string) (CommitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	branch, ok := b.worktrees[worktree]
	if !ok {
		return CommitResult{}, &model.GitBackendError{Op: "commit", Message: "unknown worktree: " + worktree}
	}
	commits := b.branches[branch]
	parent := ""
	if len(commits) > 0 {
		parent = commits[len(commits)-1].Hash
	}
	c := MemCommit{
		Hash:     b.nextHash(),
		Message:  message,
		ChangeID: ChangeID(worktree, message, parent),
	}
	b.branches[branch] = append(commits, c)
	return CommitResult{CommitHash: c.Hash, ChangeID: c.ChangeID}, nil
}

func (b *MemoryBackend) Merge(_ context.Context, dst, src string) (MergeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dstCommits, err := b.branch(dst)
	if err != nil {
		return MergeResult{}, err
	}
	srcCommits, err := b.branch(src)
	if err != nil {
		return MergeResult{}, err
	}
	if b.ConflictWith[src] {
		return MergeResult{Conflict: true, Message: "CONFLICT (content): " + src}, nil
	}

	seen := make(map[string]bool, len(dstCommits))
	for _, c := range dstCommits {
		seen[c.Hash] = true
	}
	merged := dstCommits
	for _, c := range srcCommits {
		if !seen[c.Hash] {
			merged = append(merged, c)
		}
	}
	mergeCommit := MemCommit{Hash: b.nextHash(), Message: fmt.Sprintf("Merge %s into %s", src, dst)}
	merged = append(merged, mergeCommit)
	b.branches[dst] = merged
	return MergeResult{OK: true, Commit: mergeCommit.Hash}, nil
}

func (b *MemoryBackend) FastForward(_ context.Context, dst, src string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dstCommits, err := b.branch(dst)
	if err != nil {
		return err
	}
	srcCommits, err := b.branch(src)
	if err != nil {
		return err
	}
	// dst must be a prefix of src's history.
	if len(dstCommits) > len(srcCommits) {
		return ErrNotFastForward
	}
	for i, c := range dstCommits {
		if srcCommits[i].Hash != c.Hash {
			return ErrNotFastForward
		}
	}
	b.branches[dst] = append([]MemCommit(nil), srcCommits...)
	return nil
}

func (b *MemoryBackend) Revert(_ context.Context, branch, commit string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	commits, err := b.branch(branch)
	if err != nil {
		return "", err
	}
	found := ""
	for _, c := range commits {
		if c.Hash == commit {
			found = c.Message
			break
		}
	}
	if found == "" {
		return "", &model.GitBackendError{Op: "revert", Message: "unknown commit " + commit}
	}
	rc := MemCommit{Hash: b.nextHash(), Message: "Revert \"" + found + "\""}
	b.branches[branch] = append(commits, rc)
	return rc.Hash, nil
}

func (b *MemoryBackend) Diff(_ context.Context, branch, base string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	branchCommits, err := b.branch(branch)
	if err != nil {
		return "", err
	}
	baseCommits, err := b.branch(base)
	if err != nil {
		return "", err
	}
	inBase := make(map[string]bool, len(baseCommits))
	for _, c := range baseCommits {
		inBase[c.Hash] = true
	}
	var lines []string
	for _, c := range branchCommits {
		if !inBase[c.Hash] {
			lines = append(lines, "+ "+c.Message)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (b *MemoryBackend) Head(_ context.Context, branch string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	commits, err := b.branch(branch)
	if err != nil {
		return "", err
	}
	return commits[len(commits)-1].Hash, nil
}

func (b *MemoryBackend) Tag(_ context.Context, name, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tags[name] = ref
	return nil
}

func (b *MemoryBackend) RunCommand(_ context.Context, _, cmd string, _ time.Duration) (CommandResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if res, ok := b.CommandResults[cmd]; ok {
		return res, nil
	}
	return CommandResult{ExitCode: 0, Output: "ok"}, nil
}

// Contains reports whether any commit on branch carries the message.
// Test helper for "branch contains change X" assertions.
func (b *MemoryBackend) Contains(branch, message string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.branches[branch] {
		if c.Message == message {
			return true
		}
	}
	return false
}

// TagRef returns the ref a tag points at, or "" if the tag is absent.
func (b *MemoryBackend) TagRef(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tags[name]
}

// History returns a copy of a branch's commit list, oldest first.
func (b *MemoryBackend) History(branch string) []MemCommit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MemCommit(nil), b.branches[branch]...)
}
