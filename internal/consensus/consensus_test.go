package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/pkg/model"
)

func guildRepo(threshold float64) *model.Repository {
	return &model.Repository{
		OwnershipModel:     model.OwnershipGuild,
		ConsensusThreshold: threshold,
		MinReviews:         1,
	}
}

func review(reviewer string, v model.Verdict, maintainer bool) model.Review {
	return model.Review{ReviewerID: reviewer, Verdict: v, IsMaintainer: maintainer}
}

func TestGuildRatioAccumulates(t *testing.T) {
	// threshold 0.66, three maintainers: one approval is not enough,
	// two are.
	in := Input{
		Repo:            guildRepo(0.66),
		MaintainerCount: 3,
		Reviews:         []model.Review{review("m1", model.VerdictApprove, true)},
	}

	res := Check(in)
	require.False(t, res.Reached)
	require.Equal(t, ReasonBelowThreshold, res.Reason)
	require.InDelta(t, 0.333, res.Ratio, 0.001)

	in.Reviews = append(in.Reviews, review("m2", model.VerdictApprove, true))
	res = Check(in)
	require.True(t, res.Reached)
	require.InDelta(t, 0.667, res.Ratio, 0.001)
	require.Equal(t, 2, res.Approvals)
}

func TestGuildIgnoresNonMaintainerApprovals(t *testing.T) {
	in := Input{
		Repo:            guildRepo(0.5),
		MaintainerCount: 2,
		Reviews: []model.Review{
			review("a1", model.VerdictApprove, false),
			review("a2", model.VerdictApprove, false),
		},
	}
	res := Check(in)
	require.False(t, res.Reached)
	require.Equal(t, ReasonBelowThreshold, res.Reason)
}

func TestSoloRequiresOwnerApproval(t *testing.T) {
	repo := &model.Repository{
		OwnershipModel:     model.OwnershipSolo,
		ConsensusThreshold: 0.5,
		MinReviews:         1,
	}
	in := Input{
		Repo:    repo,
		Owners:  map[string]bool{"owner": true},
		Reviews: []model.Review{review("bystander", model.VerdictApprove, false)},
	}

	res := Check(in)
	require.False(t, res.Reached)
	// Clients match on the serialized reason, so pin the literal.
	require.Equal(t, "insufficient_owner_approval", res.Reason)

	in.Reviews = append(in.Reviews, review("owner", model.VerdictApprove, true))
	res = Check(in)
	require.True(t, res.Reached)
}

func TestOpenKarmaWeightedTie(t *testing.T) {
	repo := &model.Repository{
		OwnershipModel:     model.OwnershipOpen,
		ConsensusThreshold: 0.5,
		MinReviews:         1,
		HumanReviewWeight:  1.5,
	}
	karma := map[string]int{"v1": 100, "v2": 100}
	in := Input{
		Repo:  repo,
		Karma: karma,
		Reviews: []model.Review{
			review("v1", model.VerdictApprove, false),
			review("v2", model.VerdictRequestChanges, false),
		},
	}

	// 100 for vs 100 against: the tie sits exactly at threshold and
	// counts as reached.
	res := Check(in)
	require.True(t, res.Reached)
	require.InDelta(t, 0.5, res.Ratio, 0.0001)

	// A human rejection weighs 1.5x and tips the ratio under.
	in.Reviews[1].IsHuman = true
	res = Check(in)
	require.False(t, res.Reached)
	require.InDelta(t, 0.4, res.Ratio, 0.0001)
	require.Equal(t, ReasonBelowThreshold, res.Reason)
}

func TestOpenZeroKarmaWeighsOne(t *testing.T) {
	repo := &model.Repository{
		OwnershipModel:     model.OwnershipOpen,
		ConsensusThreshold: 0.5,
		MinReviews:         1,
		HumanReviewWeight:  1,
	}
	in := Input{
		Repo:  repo,
		Karma: map[string]int{"strong": 99},
		Reviews: []model.Review{
			review("strong", model.VerdictApprove, false),
			review("newcomer", model.VerdictRequestChanges, false),
		},
	}
	res := Check(in)
	require.True(t, res.Reached)
	require.InDelta(t, 0.99, res.Ratio, 0.0001)
}

func TestMaintainerChangesRequestedShortCircuits(t *testing.T) {
	in := Input{
		Repo:            guildRepo(0.1),
		MaintainerCount: 3,
		Reviews: []model.Review{
			review("m1", model.VerdictApprove, true),
			review("m2", model.VerdictApprove, true),
			review("m3", model.VerdictRequestChanges, true),
		},
	}
	res := Check(in)
	require.False(t, res.Reached)
	require.Equal(t, ReasonChangesRequested, res.Reason)
	require.Equal(t, 2, res.Approvals)
	require.Equal(t, 1, res.Rejections)
}

func TestMinReviewsGate(t *testing.T) {
	repo := guildRepo(0.5)
	repo.MinReviews = 2
	in := Input{
		Repo:            repo,
		MaintainerCount: 2,
		Reviews:         []model.Review{review("m1", model.VerdictApprove, true)},
	}
	res := Check(in)
	require.False(t, res.Reached)
	require.Equal(t, ReasonInsufficientReviews, res.Reason)
	require.Equal(t, 2, res.Required)
}

func TestCommentsCountTowardMinReviewsOnly(t *testing.T) {
	// A comment satisfies min_reviews but adds no weight anywhere.
	repo := &model.Repository{
		OwnershipModel:     model.OwnershipOpen,
		ConsensusThreshold: 0.5,
		MinReviews:         1,
		HumanReviewWeight:  1,
	}
	in := Input{
		Repo:    repo,
		Reviews: []model.Review{review("c1", model.VerdictComment, false)},
	}
	res := Check(in)
	require.False(t, res.Reached)
	require.Equal(t, ReasonNoWeightedVotes, res.Reason)
}
