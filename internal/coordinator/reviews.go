package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/consensus"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// ReviewInput is a reviewer's submission on a stream.
type ReviewInput struct {
	Verdict  model.Verdict `json:"verdict"`
	Feedback string        `json:"feedback"`
	Tested   bool          `json:"tested"`
	IsHuman  bool          `json:"is_human"`
}

// SubmitReview records the reviewer's latest verdict, pays review
// karma, and refreshes the stream's aggregate review status from the
// consensus evaluation. Resubmitting overwrites the previous verdict.
func (c *Coordinator) SubmitReview(ctx context.Context, agent *model.Agent, streamID string, in ReviewInput) (*model.Review, consensus.Result, error) {
	var zero consensus.Result
	if err := in.Verdict.Validate(); err != nil {
		return nil, zero, model.Validation("verdict", err.Error())
	}

	s, err := c.tracker.GetStream(ctx, streamID)
	if err != nil {
		return nil, zero, err
	}
	if s.Status.Terminal() {
		return nil, zero, model.Conflict("stream %s is %s", s.ID, s.Status)
	}
	repo, err := c.stage.GetRepository(ctx, s.RepoID)
	if err != nil {
		return nil, zero, err
	}
	if err := c.identity.CanPerform(ctx, agent, repo, identity.ActionRead); err != nil {
		return nil, zero, err
	}

	_, isMaintainer, err := c.identity.MaintainerRole(ctx, repo.ID, agent.ID)
	if err != nil {
		return nil, zero, err
	}

	review := &model.Review{
		StreamID:     s.ID,
		ReviewerID:   agent.ID,
		Verdict:      in.Verdict,
		Feedback:     in.Feedback,
		Tested:       in.Tested,
		IsHuman:      in.IsHuman,
		IsMaintainer: isMaintainer,
		ReviewedAt:   time.Now().UTC(),
	}
	if err := c.upsertReview(ctx, review); err != nil {
		return nil, zero, err
	}

	// The award ledger makes this a no-op on resubmission.
	if err := c.karma.AwardReview(ctx, agent.ID, s.ID, in.Verdict); err != nil {
		return nil, zero, err
	}

	res, err := c.evaluateConsensus(ctx, s, repo)
	if err != nil {
		return nil, zero, err
	}
	if err := c.tracker.SetReviewStatus(ctx, s.ID, reviewStatusFrom(res)); err != nil {
		return nil, zero, err
	}

	c.activity.Record(ctx, agent.ID, model.EventReviewSubmitted, "stream", s.ID,
		map[string]any{"verdict": in.Verdict, "reached": res.Reached})
	c.recordSync(ctx, model.SyncReview, map[string]any{
		"stream_id": s.ID, "verdict": in.Verdict, "tested": in.Tested,
	})
	return review, res, nil
}

func (c *Coordinator) upsertReview(ctx context.Context, r *model.Review) error {
	now := store.TimeMS(r.ReviewedAt)
	_, err := c.store.Exec(ctx,
		`INSERT INTO reviews (stream_id, reviewer_id, verdict, feedback, tested, is_human, is_maintainer, reviewed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.StreamID, r.ReviewerID, string(r.Verdict), r.Feedback,
		r.Tested, r.IsHuman, r.IsMaintainer, now)
	if err == nil {
		return nil
	}
	if !store.IsUniqueViolation(err) {
		return fmt.Errorf("failed to record review: %w", err)
	}
	_, err = c.store.Exec(ctx,
		`UPDATE reviews SET verdict = $1, feedback = $2, tested = $3, is_human = $4,
		   is_maintainer = $5, reviewed_at = $6
		 WHERE stream_id = $7 AND reviewer_id = $8`,
		string(r.Verdict), r.Feedback, r.Tested, r.IsHuman,
		r.IsMaintainer, now, r.StreamID, r.ReviewerID)
	if err != nil {
		return fmt.Errorf("failed to update review: %w", err)
	}
	return nil
}

// reviewStatusFrom derives the stream's aggregate review state from a
// consensus result.
func reviewStatusFrom(res consensus.Result) model.ReviewStatus {
	switch {
	case res.Reason == consensus.ReasonChangesRequested:
		return model.ReviewStatusChangesRequested
	case res.Reached:
		return model.ReviewStatusApproved
	default:
		return model.ReviewStatusInReview
	}
}

// Reviews lists a stream's reviews, newest first.
func (c *Coordinator) Reviews(ctx context.Context, streamID string) ([]model.Review, error) {
	rows, err := c.store.Query(ctx,
		`SELECT stream_id, reviewer_id, verdict, feedback, tested, is_human, is_maintainer, reviewed_at
		 FROM reviews WHERE stream_id = $1 ORDER BY reviewed_at DESC`, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var out []model.Review
	for rows.Next() {
		var (
			r          model.Review
			verdict    string
			reviewedMS int64
		)
		if err := rows.Scan(&r.StreamID, &r.ReviewerID, &verdict, &r.Feedback,
			&r.Tested, &r.IsHuman, &r.IsMaintainer, &reviewedMS); err != nil {
			return nil, err
		}
		r.Verdict = model.Verdict(verdict)
		r.ReviewedAt = store.MSTime(reviewedMS)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CheckConsensus evaluates a stream's current review state.
func (c *Coordinator) CheckConsensus(ctx context.Context, streamID string) (consensus.Result, error) {
	var zero consensus.Result
	s, err := c.tracker.GetStream(ctx, streamID)
	if err != nil {
		return zero, err
	}
	repo, err := c.stage.GetRepository(ctx, s.RepoID)
	if err != nil {
		return zero, err
	}
	return c.evaluateConsensus(ctx, s, repo)
}

// evaluateConsensus loads the review snapshot and reviewer metadata and
// runs the pure consensus check. It backs the merge queue's ConsensusFn.
func (c *Coordinator) evaluateConsensus(ctx context.Context, s *model.Stream, repo *model.Repository) (consensus.Result, error) {
	var zero consensus.Result
	reviews, err := c.Reviews(ctx, s.ID)
	if err != nil {
		return zero, err
	}

	maintainers, err := c.identity.Maintainers(ctx, repo.ID)
	if err != nil {
		return zero, err
	}
	owners := make(map[string]bool)
	for _, m := range maintainers {
		if m.Role == model.RoleOwner {
			owners[m.AgentID] = true
		}
	}

	karmaByReviewer, err := c.reviewerKarma(ctx, s.ID)
	if err != nil {
		return zero, err
	}

	return consensus.Check(consensus.Input{
		Repo:            repo,
		Reviews:         reviews,
		Owners:          owners,
		MaintainerCount: len(maintainers),
		Karma:           karmaByReviewer,
	}), nil
}

func (c *Coordinator) reviewerKarma(ctx context.Context, streamID string) (map[string]int, error) {
	rows, err := c.store.Query(ctx,
		`SELECT r.reviewer_id, a.karma
		 FROM reviews r JOIN agents a ON a.id = r.reviewer_id
		 WHERE r.stream_id = $1`, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reviewer karma: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			id string
			k  int
		)
		if err := rows.Scan(&id, &k); err != nil {
			return nil, err
		}
		out[id] = k
	}
	return out, rows.Err()
}
