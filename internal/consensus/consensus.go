// Package consensus decides whether a stream's reviews satisfy its
// repository's ownership model. Check is a pure query: callers load
// the current reviews and reviewer metadata, and nothing is mutated.
package consensus

import (
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Reasons reported when consensus is not reached.
const (
	ReasonChangesRequested    = "changes_requested"
	ReasonInsufficientReviews = "insufficient_reviews"
	ReasonNoOwnerApproval     = "insufficient_owner_approval"
	ReasonBelowThreshold      = "below_threshold"
	ReasonNoWeightedVotes     = "no_weighted_votes"
)

// Input is the snapshot Check evaluates. Reviews must already be the
// latest per reviewer; the (stream, reviewer) primary key guarantees
// that for rows loaded from the store.
type Input struct {
	Repo    *model.Repository
	Reviews []model.Review

	// Owners marks reviewer ids holding the owner role.
	Owners map[string]bool

	// MaintainerCount is the repository's total maintainer row count,
	// the denominator of the guild ratio.
	MaintainerCount int

	// Karma maps reviewer id to current karma, used by the open model.
	Karma map[string]int
}

// Result is the consensus answer together with the numbers behind it.
type Result struct {
	Reached    bool    `json:"reached"`
	Reason     string  `json:"reason,omitempty"`
	Ratio      float64 `json:"ratio,omitempty"`
	Threshold  float64 `json:"threshold,omitempty"`
	Approvals  int     `json:"approvals"`
	Rejections int     `json:"rejections"`
	Required   int     `json:"required"`
}

// Check evaluates the ownership-model rules over the review snapshot.
// A request_changes from a maintainer short-circuits everything else;
// non-maintainer rejections only weigh into the open-model ratio.
// Ratios at exactly the threshold count as reached.
func Check(in Input) Result {
	repo := in.Repo
	res := Result{Threshold: repo.ConsensusThreshold, Required: repo.MinReviews}

	for _, r := range in.Reviews {
		switch r.Verdict {
		case model.VerdictApprove:
			res.Approvals++
		case model.VerdictRequestChanges:
			res.Rejections++
			if r.IsMaintainer {
				res.Reason = ReasonChangesRequested
			}
		}
	}
	if res.Reason == ReasonChangesRequested {
		return res
	}

	if len(in.Reviews) < repo.MinReviews {
		res.Reason = ReasonInsufficientReviews
		return res
	}

	switch repo.OwnershipModel {
	case model.OwnershipSolo:
		return checkSolo(in, res)
	case model.OwnershipGuild:
		return checkGuild(in, res)
	default:
		return checkOpen(in, res)
	}
}

func checkSolo(in Input, res Result) Result {
	for _, r := range in.Reviews {
		if r.Verdict == model.VerdictApprove && in.Owners[r.ReviewerID] {
			res.Reached = true
			return res
		}
	}
	res.Reason = ReasonNoOwnerApproval
	return res
}

// checkGuild counts maintainer reviews only; non-maintainer reviews
// are informational.
func checkGuild(in Input, res Result) Result {
	var approvals int
	for _, r := range in.Reviews {
		if r.IsMaintainer && r.Verdict == model.VerdictApprove {
			approvals++
		}
	}
	if in.MaintainerCount == 0 {
		res.Reason = ReasonBelowThreshold
		return res
	}
	res.Ratio = float64(approvals) / float64(in.MaintainerCount)
	if res.Ratio >= in.Repo.ConsensusThreshold {
		res.Reached = true
		return res
	}
	res.Reason = ReasonBelowThreshold
	return res
}

// checkOpen weights every review by max(1, karma), with human reviews
// further multiplied by the repository's human review weight.
func checkOpen(in Input, res Result) Result {
	var weightFor, weightAgainst float64
	for _, r := range in.Reviews {
		w := float64(in.Karma[r.ReviewerID])
		if w < 1 {
			w = 1
		}
		if r.IsHuman {
			w *= in.Repo.HumanReviewWeight
		}
		switch r.Verdict {
		case model.VerdictApprove:
			weightFor += w
		case model.VerdictRequestChanges:
			weightAgainst += w
		}
	}
	total := weightFor + weightAgainst
	if total <= 0 {
		res.Reason = ReasonNoWeightedVotes
		return res
	}
	res.Ratio = weightFor / total
	if res.Ratio >= in.Repo.ConsensusThreshold {
		res.Reached = true
		return res
	}
	res.Reason = ReasonBelowThreshold
	return res
}
