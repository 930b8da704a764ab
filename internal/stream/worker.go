package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gitswarm/gitswarm/internal/karma"
	"github.com/gitswarm/gitswarm/internal/stage"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Worker drains one repository's merge queue. Exactly one worker runs
// per repository, so merges into the buffer are serialised without any
// git-level locking beyond the backend's own.
type Worker struct {
	queue   *Queue
	tracker *Tracker
	stage   *stage.Service
	karma   *karma.Service

	// PollInterval between empty-queue checks.
	PollInterval time.Duration
}

// NewWorker creates a merge worker for the repository served by the
// queue's tracker.
func NewWorker(q *Queue, tracker *Tracker, stageSvc *stage.Service, karmaSvc *karma.Service) *Worker {
	return &Worker{
		queue:        q,
		tracker:      tracker,
		stage:        stageSvc,
		karma:        karmaSvc,
		PollInterval: time.Second,
	}
}

// Run drains the queue until the context ends.
func (w *Worker) Run(ctx context.Context, repoID string) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				processed, err := w.ProcessNext(ctx, repoID)
				if err != nil {
					w.logEvent("merge_worker_error", map[string]interface{}{
						"repo":  repoID,
						"error": err.Error(),
					})
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

// ProcessNext pops and processes one entry. It reports whether an
// entry was handled; an empty queue is (false, nil).
func (w *Worker) ProcessNext(ctx context.Context, repoID string) (bool, error) {
	entry, err := w.queue.pop(ctx, repoID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := w.process(ctx, repoID, entry); err != nil {
		return true, err
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, repoID string, entry *model.MergeQueueEntry) error {
	repo, err := w.stage.GetRepository(ctx, repoID)
	if err != nil {
		return err
	}
	s, err := w.tracker.GetStream(ctx, entry.StreamID)
	if err != nil {
		return w.queue.finishEntry(ctx, entry.ID, model.MergeQueueFailed, err.Error(), "")
	}
	if s.Status.Terminal() {
		return w.queue.finishEntry(ctx, entry.ID, model.MergeQueueCancelled,
			fmt.Sprintf("stream is %s", s.Status), "")
	}

	// Conditions may have changed since enqueue; re-verify everything.
	if err := w.queue.checkMergeOrder(ctx, s); err != nil {
		return w.fail(ctx, entry, s, err.Error())
	}
	if !entry.BypassConsensus {
		res, err := w.queue.consensus(ctx, s, repo)
		if err != nil {
			return err
		}
		if !res.Reached {
			return w.fail(ctx, entry, s, "consensus: "+res.Reason)
		}
		if err := w.tracker.SetReviewStatus(ctx, s.ID, model.ReviewStatusApproved); err != nil {
			return err
		}
	}

	backend, err := w.tracker.backends.For(repoID)
	if err != nil {
		return err
	}
	merge, err := backend.Merge(ctx, repo.BufferBranch, s.BranchRef)
	if err != nil {
		return w.fail(ctx, entry, s, err.Error())
	}
	if !merge.OK {
		return w.fail(ctx, entry, s, merge.Message)
	}

	if err := w.queue.finishEntry(ctx, entry.ID, model.MergeQueueMerged, "", merge.Commit); err != nil {
		return err
	}
	if err := w.tracker.setStreamStatus(ctx, s.ID, model.StreamStatusMerged); err != nil {
		return err
	}
	if err := w.stage.RecomputeMetrics(ctx, repoID); err != nil {
		return err
	}
	if err := w.karma.AwardMerge(ctx, s.AgentID, s.ID); err != nil {
		return err
	}

	w.tracker.activity.Record(ctx, s.AgentID, model.EventStreamMerged, "stream", s.ID,
		map[string]string{"merge_commit": merge.Commit, "buffer": repo.BufferBranch})
	w.logEvent("stream_merged", map[string]interface{}{
		"repo":   repoID,
		"stream": s.ID,
		"commit": merge.Commit,
	})
	return nil
}

// fail marks the entry failed and leaves the stream in review for
// human intervention.
func (w *Worker) fail(ctx context.Context, entry *model.MergeQueueEntry, s *model.Stream, reason string) error {
	if err := w.queue.finishEntry(ctx, entry.ID, model.MergeQueueFailed, reason, ""); err != nil {
		return err
	}
	w.tracker.activity.Record(ctx, s.AgentID, model.EventMergeFailed, "stream", s.ID,
		map[string]string{"reason": reason})
	w.logEvent("merge_failed", map[string]interface{}{
		"stream": s.ID,
		"reason": reason,
	})
	return nil
}

// logEvent logs structured merge worker events.
func (w *Worker) logEvent(event string, data map[string]interface{}) {
	log.Printf("[MergeWorker] event=%s %v", event, data)
}
