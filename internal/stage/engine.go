package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// requirements gates entry into a stage.
type requirements struct {
	Contributors  int
	MergedStreams int
	Maintainers   int
	Council       bool
}

var stageRequirements = map[model.Stage]requirements{
	model.StageGrowth:      {Contributors: 2, MergedStreams: 3, Maintainers: 1},
	model.StageEstablished: {Contributors: 5, MergedStreams: 10, Maintainers: 2},
	model.StageMature:      {Contributors: 10, MergedStreams: 25, Maintainers: 3, Council: true},
}

// nextStage is the single-step successor, or "" at the top tier.
func nextStage(s model.Stage) model.Stage {
	switch s {
	case model.StageSeed:
		return model.StageGrowth
	case model.StageGrowth:
		return model.StageEstablished
	case model.StageEstablished:
		return model.StageMature
	}
	return ""
}

// Eligibility reports whether a repository may advance and, when it
// may not, which requirements are unmet.
type Eligibility struct {
	Eligible  bool     `json:"eligible"`
	NextStage string   `json:"next_stage,omitempty"`
	Unmet     []string `json:"unmet,omitempty"`
}

// CheckAdvancementEligibility evaluates the next stage's thresholds
// against the repository's current metrics.
func (s *Service) CheckAdvancementEligibility(ctx context.Context, repo *model.Repository) (Eligibility, error) {
	next := nextStage(repo.Stage)
	if next == "" {
		return Eligibility{Unmet: []string{"already at the top stage"}}, nil
	}
	req := stageRequirements[next]
	el := Eligibility{NextStage: string(next)}

	if repo.ContributorCount < req.Contributors {
		el.Unmet = append(el.Unmet, fmt.Sprintf("contributors %d/%d", repo.ContributorCount, req.Contributors))
	}
	if repo.PatchCount < req.MergedStreams {
		el.Unmet = append(el.Unmet, fmt.Sprintf("merged streams %d/%d", repo.PatchCount, req.MergedStreams))
	}

	var maintainers int
	err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM maintainers WHERE repo_id = $1`, repo.ID).Scan(&maintainers)
	if err != nil {
		return el, fmt.Errorf("failed to count maintainers: %w", err)
	}
	if maintainers < req.Maintainers {
		el.Unmet = append(el.Unmet, fmt.Sprintf("maintainers %d/%d", maintainers, req.Maintainers))
	}

	if req.Council {
		var councils int
		err := s.store.QueryRow(ctx,
			`SELECT COUNT(*) FROM councils WHERE repo_id = $1 AND status = 'active'`, repo.ID).Scan(&councils)
		if err != nil {
			return el, fmt.Errorf("failed to check council: %w", err)
		}
		if councils == 0 {
			el.Unmet = append(el.Unmet, "active council required")
		}
	}

	el.Eligible = len(el.Unmet) == 0
	return el, nil
}

// AdvanceStage moves the repository one stage forward, recording the
// transition in stage_history. Without force, eligibility is checked
// first.
func (s *Service) AdvanceStage(ctx context.Context, repo *model.Repository, force bool) (model.Stage, error) {
	next := nextStage(repo.Stage)
	if next == "" {
		return repo.Stage, model.Conflict("repository is already at stage %s", repo.Stage)
	}
	if !force {
		el, err := s.CheckAdvancementEligibility(ctx, repo)
		if err != nil {
			return repo.Stage, err
		}
		if !el.Eligible {
			return repo.Stage, model.Conflict("not eligible for %s: %v", next, el.Unmet)
		}
	}

	err := s.store.Transaction(ctx, func(tx store.Querier) error {
		return SetStageTx(ctx, tx, repo.ID, repo.Stage, next, force)
	})
	if err != nil {
		return repo.Stage, err
	}
	repo.Stage = next
	return next, nil
}

// SetStageTx writes a stage transition and its history row. Council
// change_stage execution calls this directly, bypassing eligibility.
func SetStageTx(ctx context.Context, q store.Querier, repoID string, from, to model.Stage, forced bool) error {
	if err := to.Validate(); err != nil {
		return model.Validation("stage", err.Error())
	}
	res, err := q.Exec(ctx,
		`UPDATE repositories SET stage = $1 WHERE id = $2 AND stage = $3`,
		string(to), repoID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.Conflict("stage changed concurrently")
	}
	_, err = q.Exec(ctx,
		`INSERT INTO stage_history (id, repo_id, from_stage, to_stage, forced, advanced_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		model.NewID(), repoID, string(from), string(to), forced, store.TimeMS(time.Now()))
	return err
}

// RecomputeMetrics refreshes the denormalised contributor and patch
// counters from merged streams. The merge worker calls this after
// every successful merge.
func (s *Service) RecomputeMetrics(ctx context.Context, repoID string) error {
	_, err := s.store.Exec(ctx,
		`UPDATE repositories SET
		   patch_count = (SELECT COUNT(*) FROM streams WHERE repo_id = $1 AND status = 'merged'),
		   contributor_count = (SELECT COUNT(DISTINCT agent_id) FROM streams WHERE repo_id = $1 AND status = 'merged')
		 WHERE id = $1`, repoID)
	if err != nil {
		return fmt.Errorf("failed to recompute repository metrics: %w", err)
	}
	return nil
}

// StageHistory lists a repository's recorded transitions, newest first.
func (s *Service) StageHistory(ctx context.Context, repoID string) ([]model.StageTransition, error) {
	rows, err := s.store.Query(ctx,
		`SELECT id, repo_id, from_stage, to_stage, forced, advanced_at
		 FROM stage_history WHERE repo_id = $1 ORDER BY advanced_at DESC`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage history: %w", err)
	}
	defer rows.Close()

	var out []model.StageTransition
	for rows.Next() {
		var (
			t          model.StageTransition
			from, to   string
			advancedMS int64
		)
		if err := rows.Scan(&t.ID, &t.RepoID, &from, &to, &t.Forced, &advancedMS); err != nil {
			return nil, err
		}
		t.FromStage = model.Stage(from)
		t.ToStage = model.Stage(to)
		t.AdvancedAt = store.MSTime(advancedMS)
		out = append(out, t)
	}
	return out, rows.Err()
}
