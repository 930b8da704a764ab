package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// openTestStore returns an ephemeral embedded store with the full
// schema applied.
func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// Re-running migrations against an up-to-date schema is a no-op.
	require.NoError(t, Migrate(ctx, s))

	var version int
	row := s.QueryRow(ctx, `SELECT MAX(version) FROM schema_version`)
	require.NoError(t, row.Scan(&version))
	require.Equal(t, migrations[len(migrations)-1].Version, version)
}

func TestMigrateDetectsFutureSchema(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Exec(ctx, `INSERT INTO schema_version (version, applied_at) VALUES ($1, $2)`,
		9999, TimeMS(time.Now()))
	require.NoError(t, err)

	err = Migrate(ctx, s)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSchemaConflict))
}

func TestNormalisedDialectRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := TimeMS(time.Now())
	_, err := s.Exec(ctx,
		`INSERT INTO agents (id, name, bio, key_hash, karma, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		"7b6b02e5-9c6a-4e16-9d5a-111111111111", "ada", "", "h", 150, "active", now)
	require.NoError(t, err)

	// Positional reuse and boolean literals go through the adapter.
	_, err = s.Exec(ctx,
		`INSERT INTO reviews (stream_id, reviewer_id, verdict, tested, is_human, is_maintainer, reviewed_at)
		 VALUES ($1, $2, $3, TRUE, FALSE, TRUE, $4)`,
		"7b6b02e5-9c6a-4e16-9d5a-222222222222", "7b6b02e5-9c6a-4e16-9d5a-111111111111", "approve", now)
	require.NoError(t, err)

	var approvals, rejections int
	row := s.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE verdict = 'approve'),
		        COUNT(*) FILTER (WHERE verdict = 'request_changes')
		 FROM reviews WHERE stream_id = $1`,
		"7b6b02e5-9c6a-4e16-9d5a-222222222222")
	require.NoError(t, row.Scan(&approvals, &rejections))
	require.Equal(t, 1, approvals)
	require.Equal(t, 0, rejections)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	boom := fmt.Errorf("boom")
	err := s.Transaction(ctx, func(tx Querier) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO agents (id, name, key_hash, created_at) VALUES ($1, $2, $3, $4)`,
			"7b6b02e5-9c6a-4e16-9d5a-333333333333", "ghost", "h", TimeMS(time.Now()))
		if err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	row := s.QueryRow(ctx, `SELECT COUNT(*) FROM agents WHERE name = $1`, "ghost")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 0, count)
}

func TestUniqueViolationDetection(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	insert := func() error {
		_, err := s.Exec(ctx,
			`INSERT INTO agents (id, name, key_hash, created_at) VALUES ($1, $2, $3, $4)`,
			"7b6b02e5-9c6a-4e16-9d5a-444444444444", "dup", "h", TimeMS(time.Now()))
		return err
	}
	require.NoError(t, insert())

	err := insert()
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err))
}

func TestActiveStreamUniqueness(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := TimeMS(time.Now())
	insert := func(id, status string) error {
		_, err := s.Exec(ctx,
			`INSERT INTO streams (id, repo_id, agent_id, name, branch_ref, base_branch, status, review_status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			id, "r", "a", "s", "swarm/x", "main", status, "pending", now, now)
		return err
	}

	require.NoError(t, insert("7b6b02e5-9c6a-4e16-9d5a-555555555555", "active"))

	// A second active stream on the same branch is rejected.
	err := insert("7b6b02e5-9c6a-4e16-9d5a-666666666666", "active")
	require.True(t, IsUniqueViolation(err))

	// A merged stream on the same branch coexists with a new active one.
	_, err = s.Exec(ctx, `UPDATE streams SET status = $1 WHERE id = $2`,
		"merged", "7b6b02e5-9c6a-4e16-9d5a-555555555555")
	require.NoError(t, err)
	require.NoError(t, insert("7b6b02e5-9c6a-4e16-9d5a-666666666666", "active"))
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.Equal(t, now, MSTime(TimeMS(now)))
	require.True(t, MSTime(0).IsZero())
	require.Equal(t, int64(0), TimeMS(time.Time{}))
}
