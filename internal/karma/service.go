// Package karma maintains the contribution counter and the tiered
// rate limiter derived from it. Awards are idempotent: each (agent,
// reason, reference) triple pays out at most once, so retried sync
// applies and duplicate events cannot inflate karma.
package karma

import (
	"context"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Award amounts and reasons.
const (
	MergeAward  = 25
	ReviewAward = 5

	reasonMerge  = "stream_merged"
	reasonReview = "review"
	reasonTask   = "task_completed"
)

// Service applies karma awards and deductions against the store.
type Service struct {
	store store.Store
}

// NewService creates a karma service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// AwardMerge pays the author of a merged stream.
func (s *Service) AwardMerge(ctx context.Context, agentID, streamID string) error {
	return s.award(ctx, agentID, reasonMerge, streamID, MergeAward)
}

// AwardReview pays a reviewer once per stream. Comment verdicts award
// nothing.
func (s *Service) AwardReview(ctx context.Context, reviewerID, streamID string, verdict model.Verdict) error {
	if verdict == model.VerdictComment {
		return nil
	}
	return s.award(ctx, reviewerID, reasonReview, streamID, ReviewAward)
}

// TaskAward is the payout for an approved claim on a task with the
// given amount: max(1, amount/10), or nothing when the amount is zero.
func TaskAward(amount int) int {
	if amount <= 0 {
		return 0
	}
	if a := amount / 10; a > 1 {
		return a
	}
	return 1
}

// AwardTask pays the agent whose claim on the task was approved.
func (s *Service) AwardTask(ctx context.Context, agentID, taskID string, amount int) error {
	award := TaskAward(amount)
	if award == 0 {
		return nil
	}
	return s.award(ctx, agentID, reasonTask, taskID, award)
}

func (s *Service) award(ctx context.Context, agentID, reason, refID string, amount int) error {
	return s.store.Transaction(ctx, func(tx store.Querier) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO karma_awards (agent_id, reason, ref_id, amount, awarded_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			agentID, reason, refID, amount, store.TimeMS(time.Now()))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return nil // already paid out
			}
			return fmt.Errorf("failed to record karma award: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE agents SET karma = karma + $1 WHERE id = $2`, amount, agentID)
		if err != nil {
			return fmt.Errorf("failed to apply karma award: %w", err)
		}
		return nil
	})
}

// Deduct debits karma, flooring at zero.
func (s *Service) Deduct(ctx context.Context, agentID string, amount int) error {
	if amount < 0 {
		return model.Validation("amount", "cannot be negative")
	}
	_, err := s.store.Exec(ctx,
		`UPDATE agents SET karma = CASE WHEN karma > $1 THEN karma - $1 ELSE 0 END WHERE id = $2`,
		amount, agentID)
	if err != nil {
		return fmt.Errorf("failed to deduct karma: %w", err)
	}
	return nil
}
