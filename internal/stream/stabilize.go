package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Stabilization is one recorded run of a repository's stabilize
// command against its buffer tip.
type Stabilization struct {
	ID         string    `json:"id"`
	RepoID     string    `json:"repo_id"`
	Seq        int       `json:"seq"` // Per-repo run number
	CommitHash string    `json:"commit_hash"`
	Success    bool      `json:"success"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `json:"output,omitempty"`
	Tag        string    `json:"tag,omitempty"`
	RanAt      time.Time `json:"ran_at"`
}

// Stabilizer runs stabilize commands and applies the green/red policy.
type Stabilizer struct {
	store   store.Store
	tracker *Tracker
}

// NewStabilizer creates a stabilizer sharing the tracker's store and
// backends.
func NewStabilizer(st store.Store, tracker *Tracker) *Stabilizer {
	return &Stabilizer{store: st, tracker: tracker}
}

// Stabilize runs the repository's stabilize command in a throwaway
// worktree pinned at the buffer tip. Green runs tag the commit; red
// runs trigger auto-revert of the most recently merged stream when the
// repository opts in.
func (s *Stabilizer) Stabilize(ctx context.Context, repo *model.Repository) (*Stabilization, error) {
	if repo.StabilizeCommand == "" {
		return nil, model.Validation("stabilize_command", "repository has no stabilize command configured")
	}
	backend, err := s.tracker.backends.For(repo.ID)
	if err != nil {
		return nil, err
	}

	tip, err := backend.Head(ctx, repo.BufferBranch)
	if err != nil {
		return nil, err
	}

	wtPath := filepath.Join(s.tracker.worktreeRoot, ".stabilize", repo.ID)
	if err := backend.CreateWorktree(ctx, wtPath, repo.BufferBranch); err != nil {
		return nil, err
	}
	defer func() {
		if err := backend.RemoveWorktree(ctx, wtPath); err != nil {
			log.Printf("[Stabilizer] failed to remove worktree %s: %v", wtPath, err)
		}
	}()

	timeout := repo.StabilizeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cmdRes, err := backend.RunCommand(ctx, wtPath, repo.StabilizeCommand, timeout)
	if err != nil {
		return nil, err
	}

	seq, err := s.nextSeq(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	run := &Stabilization{
		ID:         model.NewID(),
		RepoID:     repo.ID,
		Seq:        seq,
		CommitHash: tip,
		Success:    cmdRes.ExitCode == 0 && !cmdRes.TimedOut,
		ExitCode:   cmdRes.ExitCode,
		Output:     cmdRes.Output,
		RanAt:      time.Now().UTC(),
	}
	if cmdRes.TimedOut {
		run.Output = "stabilize command timed out\n" + run.Output
	}

	if run.Success {
		tag, err := s.nextGreenTag(ctx, repo.ID)
		if err != nil {
			return nil, err
		}
		if err := backend.Tag(ctx, tag, tip); err != nil {
			return nil, err
		}
		run.Tag = tag
	}

	if err := s.record(ctx, run); err != nil {
		return nil, err
	}
	s.tracker.activity.Record(ctx, "", model.EventStabilization, "repository", repo.ID,
		map[string]any{"success": run.Success, "commit": tip, "exit_code": run.ExitCode})
	log.Printf("[Stabilizer] event=stabilization repo=%s success=%t exit=%d",
		repo.ID, run.Success, run.ExitCode)

	if !run.Success && repo.AutoRevertOnRed {
		if err := s.autoRevert(ctx, repo); err != nil {
			return run, err
		}
	}
	return run, nil
}

// nextGreenTag numbers green tags sequentially per repository.
func (s *Stabilizer) nextGreenTag(ctx context.Context, repoID string) (string, error) {
	var greens int
	err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM stabilizations WHERE repo_id = $1 AND success = TRUE`,
		repoID).Scan(&greens)
	if err != nil {
		return "", fmt.Errorf("failed to count green runs: %w", err)
	}
	return fmt.Sprintf("swarm-green-%d", greens+1), nil
}

// nextSeq numbers runs per repository; a single stabilizer per repo
// keeps this race-free.
func (s *Stabilizer) nextSeq(ctx context.Context, repoID string) (int, error) {
	var n int
	err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM stabilizations WHERE repo_id = $1`, repoID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stabilizations: %w", err)
	}
	return n + 1, nil
}

func (s *Stabilizer) record(ctx context.Context, run *Stabilization) error {
	_, err := s.store.Exec(ctx,
		`INSERT INTO stabilizations (id, repo_id, seq, commit_hash, success, exit_code, output, tag, ran_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.RepoID, run.Seq, run.CommitHash, run.Success, run.ExitCode,
		run.Output, run.Tag, store.TimeMS(run.RanAt))
	if err != nil {
		return fmt.Errorf("failed to record stabilization: %w", err)
	}
	return nil
}

// autoRevert reverts the most recently merged stream's merge commit on
// the buffer and transitions the stream to reverted.
func (s *Stabilizer) autoRevert(ctx context.Context, repo *model.Repository) error {
	var (
		entryID     string
		streamID    string
		mergeCommit string
	)
	err := s.store.QueryRow(ctx,
		`SELECT mq.id, mq.stream_id, mq.merge_commit
		 FROM merge_queue mq JOIN streams st ON st.id = mq.stream_id
		 WHERE st.repo_id = $1 AND mq.status = 'merged' AND st.status = 'merged'
		 ORDER BY mq.enqueued_at DESC LIMIT 1`,
		repo.ID).Scan(&entryID, &streamID, &mergeCommit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // nothing above the last green boundary
	}
	if err != nil {
		return fmt.Errorf("failed to find revert candidate: %w", err)
	}

	backend, err := s.tracker.backends.For(repo.ID)
	if err != nil {
		return err
	}
	revertCommit, err := backend.Revert(ctx, repo.BufferBranch, mergeCommit)
	if err != nil {
		return err
	}

	_, err = s.store.Exec(ctx,
		`UPDATE streams SET status = 'reverted', updated_at = $1 WHERE id = $2`,
		store.TimeMS(time.Now()), streamID)
	if err != nil {
		return fmt.Errorf("failed to mark stream reverted: %w", err)
	}
	_, err = s.store.Exec(ctx,
		`UPDATE merge_queue SET status = 'failed', last_error = 'reverted: stabilization red' WHERE id = $1`,
		entryID)
	if err != nil {
		return fmt.Errorf("failed to mark queue entry reverted: %w", err)
	}

	s.tracker.activity.Record(ctx, "", model.EventStreamReverted, "stream", streamID,
		map[string]string{"revert_commit": revertCommit})
	log.Printf("[Stabilizer] event=auto_revert repo=%s stream=%s", repo.ID, streamID)
	return nil
}

// LastStabilization returns the most recent run, or ErrNotFound when
// the repository has never stabilized.
func (s *Stabilizer) LastStabilization(ctx context.Context, repoID string) (*Stabilization, error) {
	var (
		run   Stabilization
		ranMS int64
	)
	err := s.store.QueryRow(ctx,
		`SELECT id, repo_id, seq, commit_hash, success, exit_code, output, tag, ran_at
		 FROM stabilizations WHERE repo_id = $1 ORDER BY seq DESC LIMIT 1`,
		repoID).Scan(&run.ID, &run.RepoID, &run.Seq, &run.CommitHash, &run.Success,
		&run.ExitCode, &run.Output, &run.Tag, &ranMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stabilization: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stabilization: %w", err)
	}
	run.RanAt = store.MSTime(ranMS)
	return &run, nil
}

// Promote fast-forwards the promote target onto the buffer tip. Gated
// repositories require the latest stabilization to be green.
func (s *Stabilizer) Promote(ctx context.Context, repo *model.Repository) error {
	if repo.MergeMode == model.MergeModeGated {
		last, err := s.LastStabilization(ctx, repo.ID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return model.Conflict("no stabilization run gates this promotion")
			}
			return err
		}
		if !last.Success {
			return model.Conflict("latest stabilization is red")
		}
	}

	backend, err := s.tracker.backends.For(repo.ID)
	if err != nil {
		return err
	}
	if err := backend.FastForward(ctx, repo.PromoteTarget, repo.BufferBranch); err != nil {
		return err
	}

	s.tracker.activity.Record(ctx, "", model.EventPromotion, "repository", repo.ID,
		map[string]string{"target": repo.PromoteTarget})
	log.Printf("[Stabilizer] event=promotion repo=%s target=%s", repo.ID, repo.PromoteTarget)
	return nil
}
