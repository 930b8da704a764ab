package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/consensus"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// ConsensusFn loads the review state for a stream and evaluates it.
// The coordinator supplies it so the tracker stays ignorant of
// identity internals.
type ConsensusFn func(ctx context.Context, s *model.Stream, repo *model.Repository) (consensus.Result, error)

// Queue manages a repository's FIFO merge admissions.
type Queue struct {
	store     store.Store
	tracker   *Tracker
	consensus ConsensusFn
}

// NewQueue creates a merge queue over the tracker's store.
func NewQueue(st store.Store, tracker *Tracker, fn ConsensusFn) *Queue {
	return &Queue{store: st, tracker: tracker, consensus: fn}
}

// checkMergeOrder verifies the parent dependency and the ancestor
// review chain. The worker repeats these checks at pop time.
func (q *Queue) checkMergeOrder(ctx context.Context, s *model.Stream) error {
	cur := s
	for cur.ParentStreamID != "" {
		parent, err := q.tracker.GetStream(ctx, cur.ParentStreamID)
		if err != nil {
			return fmt.Errorf("parent stream: %w", err)
		}
		if cur == s && parent.Status != model.StreamStatusMerged {
			return &model.ConsensusError{Reason: "parent_not_merged"}
		}
		if parent.ReviewStatus == model.ReviewStatusChangesRequested {
			return &model.ConsensusError{Reason: "ancestor_changes_requested"}
		}
		cur = parent
	}
	return nil
}

// RequestMerge appends a pending entry for the stream, verifying
// consensus and merge ordering first. Duplicate live entries are
// rejected.
func (q *Queue) RequestMerge(ctx context.Context, s *model.Stream, repo *model.Repository, requesterID string, bypassConsensus bool) (*model.MergeQueueEntry, error) {
	if s.Status.Terminal() {
		return nil, model.Conflict("stream %s is %s", s.ID, s.Status)
	}
	if err := q.checkMergeOrder(ctx, s); err != nil {
		return nil, err
	}
	if !bypassConsensus {
		res, err := q.consensus(ctx, s, repo)
		if err != nil {
			return nil, err
		}
		if !res.Reached {
			return nil, &model.ConsensusError{Reason: res.Reason}
		}
	}

	var live int
	err := q.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM merge_queue
		 WHERE stream_id = $1 AND (status = 'pending' OR status = 'processing')`,
		s.ID).Scan(&live)
	if err != nil {
		return nil, fmt.Errorf("failed to check queue: %w", err)
	}
	if live > 0 {
		return nil, model.Conflict("stream %s is already queued", s.ID)
	}

	entry := &model.MergeQueueEntry{
		ID:              model.NewID(),
		StreamID:        s.ID,
		RequesterID:     requesterID,
		Status:          model.MergeQueuePending,
		BypassConsensus: bypassConsensus,
		EnqueuedAt:      time.Now().UTC(),
	}
	_, err = q.store.Exec(ctx,
		`INSERT INTO merge_queue (id, stream_id, requester_id, status,
		   council_authorized, bypass_consensus, enqueued_at, attempts, last_error, merge_commit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '', '')`,
		entry.ID, entry.StreamID, entry.RequesterID, string(entry.Status),
		false, bypassConsensus, store.TimeMS(entry.EnqueuedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue merge: %w", err)
	}

	if err := q.tracker.setStreamStatus(ctx, s.ID, model.StreamStatusInReview); err != nil {
		var conflict *model.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
	}
	q.tracker.activity.Record(ctx, requesterID, model.EventMergeRequested, "stream", s.ID, nil)
	return entry, nil
}

// EnqueueHead places a council-authorised entry at the head of the
// queue by backdating it before the current minimum.
func (q *Queue) EnqueueHead(ctx context.Context, tx store.Querier, streamID, requesterID string, bypassConsensus bool) error {
	var minMS sql.NullInt64
	err := tx.QueryRow(ctx,
		`SELECT MIN(mq.enqueued_at) FROM merge_queue mq
		 JOIN streams s ON s.id = mq.stream_id
		 WHERE mq.status = 'pending'
		   AND s.repo_id = (SELECT repo_id FROM streams WHERE id = $1)`,
		streamID).Scan(&minMS)
	if err != nil {
		return fmt.Errorf("failed to read queue head: %w", err)
	}
	at := store.TimeMS(time.Now())
	if minMS.Valid && minMS.Int64 <= at {
		at = minMS.Int64 - 1
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO merge_queue (id, stream_id, requester_id, status,
		   council_authorized, bypass_consensus, enqueued_at, attempts, last_error, merge_commit)
		 VALUES ($1, $2, $3, 'pending', $4, $5, $6, 0, '', '')`,
		model.NewID(), streamID, requesterID, true, bypassConsensus, at)
	if err != nil {
		return fmt.Errorf("failed to enqueue at head: %w", err)
	}
	return nil
}

// Entries lists a repository's queue, oldest first.
func (q *Queue) Entries(ctx context.Context, repoID string) ([]model.MergeQueueEntry, error) {
	rows, err := q.store.Query(ctx,
		`SELECT mq.id, mq.stream_id, mq.requester_id, mq.status,
		   mq.council_authorized, mq.bypass_consensus, mq.enqueued_at,
		   mq.attempts, mq.last_error, mq.merge_commit
		 FROM merge_queue mq JOIN streams s ON s.id = mq.stream_id
		 WHERE s.repo_id = $1 ORDER BY mq.enqueued_at`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list merge queue: %w", err)
	}
	defer rows.Close()

	var entries []model.MergeQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// pop claims the oldest pending entry for a repository, transitioning
// it to processing. Returns ErrNotFound when the queue is empty.
func (q *Queue) pop(ctx context.Context, repoID string) (*model.MergeQueueEntry, error) {
	var entry *model.MergeQueueEntry
	err := q.store.Transaction(ctx, func(tx store.Querier) error {
		row := tx.QueryRow(ctx,
			`SELECT mq.id, mq.stream_id, mq.requester_id, mq.status,
			   mq.council_authorized, mq.bypass_consensus, mq.enqueued_at,
			   mq.attempts, mq.last_error, mq.merge_commit
			 FROM merge_queue mq JOIN streams s ON s.id = mq.stream_id
			 WHERE s.repo_id = $1 AND mq.status = 'pending'
			 ORDER BY mq.enqueued_at LIMIT 1`, repoID)
		e, err := scanQueueEntry(row)
		if err != nil {
			return err
		}
		res, err := tx.Exec(ctx,
			`UPDATE merge_queue SET status = 'processing', attempts = attempts + 1
			 WHERE id = $1 AND status = 'pending'`, e.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return model.ErrNotFound
		}
		e.Status = model.MergeQueueProcessing
		e.Attempts++
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (q *Queue) finishEntry(ctx context.Context, id string, status model.MergeQueueStatus, lastError, mergeCommit string) error {
	_, err := q.store.Exec(ctx,
		`UPDATE merge_queue SET status = $1, last_error = $2, merge_commit = $3 WHERE id = $4`,
		string(status), lastError, mergeCommit, id)
	if err != nil {
		return fmt.Errorf("failed to finish queue entry: %w", err)
	}
	return nil
}

func scanQueueEntry(row interface{ Scan(...any) error }) (*model.MergeQueueEntry, error) {
	var (
		e          model.MergeQueueEntry
		status     string
		enqueuedMS int64
	)
	err := row.Scan(&e.ID, &e.StreamID, &e.RequesterID, &status,
		&e.CouncilAuthorized, &e.BypassConsensus, &enqueuedMS,
		&e.Attempts, &e.LastError, &e.MergeCommit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	e.Status = model.MergeQueueStatus(status)
	e.EnqueuedAt = store.MSTime(enqueuedMS)
	return &e, nil
}
