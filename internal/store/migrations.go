package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Migration is one step of schema evolution. The list is append-only;
// versions are applied in order under the schema_version table and
// re-running is a no-op beyond the recorded version.
type Migration struct {
	Version int
	SQL     string
}

// ErrSchemaConflict means the recorded schema version is ahead of the
// migration list, which indicates a partially applied or newer schema.
var ErrSchemaConflict = errors.New("schema conflict")

// migrations is the full ordered schema. Statements use the normalised
// dialect; the embedded backend rewrites them like any other query.
// Timestamp columns are unix milliseconds (BIGINT).
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	bio TEXT NOT NULL DEFAULT '',
	key_hash TEXT NOT NULL,
	karma INTEGER NOT NULL DEFAULT 0 CHECK (karma >= 0),
	status TEXT NOT NULL DEFAULT 'active',
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	stage TEXT NOT NULL DEFAULT 'seed',
	ownership_model TEXT NOT NULL DEFAULT 'solo',
	merge_mode TEXT NOT NULL DEFAULT 'review',
	agent_access TEXT NOT NULL DEFAULT 'public',
	min_karma INTEGER NOT NULL DEFAULT 0,
	consensus_threshold REAL NOT NULL DEFAULT 0.5,
	min_reviews INTEGER NOT NULL DEFAULT 1,
	human_review_weight REAL NOT NULL DEFAULT 1.0,
	buffer_branch TEXT NOT NULL DEFAULT 'swarm-buffer',
	promote_target TEXT NOT NULL DEFAULT 'main',
	stabilize_command TEXT NOT NULL DEFAULT '',
	stabilize_timeout_ms BIGINT NOT NULL DEFAULT 600000,
	auto_promote_on_green INTEGER NOT NULL DEFAULT 0,
	auto_revert_on_red INTEGER NOT NULL DEFAULT 0,
	consensus_authority TEXT NOT NULL DEFAULT 'local',
	contributor_count INTEGER NOT NULL DEFAULT 0,
	patch_count INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS repo_access (
	repo_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	level TEXT NOT NULL,
	expires_at BIGINT,
	granted_at BIGINT NOT NULL,
	PRIMARY KEY (repo_id, agent_id)
);

CREATE TABLE IF NOT EXISTS maintainers (
	repo_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'maintainer',
	added_at BIGINT NOT NULL,
	PRIMARY KEY (repo_id, agent_id)
);

CREATE TABLE IF NOT EXISTS branch_rules (
	id TEXT PRIMARY KEY,
	repo_id TEXT NOT NULL,
	pattern TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	direct_push TEXT NOT NULL DEFAULT 'none',
	required_approvals INTEGER NOT NULL DEFAULT 1,
	require_tests_pass INTEGER NOT NULL DEFAULT 0
);
`,
	},
	{
		Version: 2,
		SQL: `
CREATE TABLE IF NOT EXISTS streams (
	id TEXT PRIMARY KEY,
	repo_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	name TEXT NOT NULL,
	branch_ref TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	parent_stream_id TEXT,
	task_id TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	review_status TEXT NOT NULL DEFAULT 'pending',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_streams_active_branch
	ON streams (agent_id, repo_id, branch_ref)
	WHERE status = 'active';

CREATE TABLE IF NOT EXISTS reviews (
	stream_id TEXT NOT NULL,
	reviewer_id TEXT NOT NULL,
	verdict TEXT NOT NULL,
	feedback TEXT NOT NULL DEFAULT '',
	tested INTEGER NOT NULL DEFAULT 0,
	is_human INTEGER NOT NULL DEFAULT 0,
	is_maintainer INTEGER NOT NULL DEFAULT 0,
	reviewed_at BIGINT NOT NULL,
	PRIMARY KEY (stream_id, reviewer_id)
);

CREATE TABLE IF NOT EXISTS worktrees (
	repo_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	path TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (repo_id, agent_id)
);

CREATE TABLE IF NOT EXISTS merge_queue (
	id TEXT PRIMARY KEY,
	stream_id TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	council_authorized INTEGER NOT NULL DEFAULT 0,
	bypass_consensus INTEGER NOT NULL DEFAULT 0,
	enqueued_at BIGINT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	merge_commit TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS stabilizations (
	id TEXT PRIMARY KEY,
	repo_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	commit_hash TEXT NOT NULL,
	success INTEGER NOT NULL,
	exit_code INTEGER NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	tag TEXT NOT NULL DEFAULT '',
	ran_at BIGINT NOT NULL
);
`,
	},
	{
		Version: 3,
		SQL: `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	repo_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	priority TEXT NOT NULL DEFAULT 'medium',
	amount INTEGER NOT NULL DEFAULT 0,
	creator_id TEXT,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS claims (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	stream_id TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	notes TEXT NOT NULL DEFAULT '',
	claimed_at BIGINT NOT NULL,
	submitted_at BIGINT,
	reviewed_at BIGINT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_live
	ON claims (task_id, agent_id)
	WHERE status = 'active' OR status = 'submitted';
`,
	},
	{
		Version: 4,
		SQL: `
CREATE TABLE IF NOT EXISTS councils (
	id TEXT PRIMARY KEY,
	repo_id TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'forming',
	min_members INTEGER NOT NULL DEFAULT 3,
	max_members INTEGER NOT NULL DEFAULT 7,
	standard_quorum INTEGER NOT NULL DEFAULT 2,
	critical_quorum INTEGER NOT NULL DEFAULT 3,
	term_days INTEGER NOT NULL DEFAULT 90,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS council_members (
	council_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'member',
	votes_cast INTEGER NOT NULL DEFAULT 0,
	term_expires_at BIGINT,
	joined_at BIGINT NOT NULL,
	PRIMARY KEY (council_id, agent_id)
);

CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	council_id TEXT NOT NULL,
	proposer_id TEXT NOT NULL,
	title TEXT NOT NULL,
	proposal_type TEXT NOT NULL,
	action_data TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'open',
	votes_for INTEGER NOT NULL DEFAULT 0,
	votes_against INTEGER NOT NULL DEFAULT 0,
	votes_abstain INTEGER NOT NULL DEFAULT 0,
	quorum_required INTEGER NOT NULL,
	expires_at BIGINT NOT NULL,
	executed INTEGER NOT NULL DEFAULT 0,
	execution_result TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS council_votes (
	proposal_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	vote TEXT NOT NULL,
	voted_at BIGINT NOT NULL,
	PRIMARY KEY (proposal_id, agent_id)
);
`,
	},
	{
		Version: 5,
		SQL: `
CREATE TABLE IF NOT EXISTS activity (
	id TEXT PRIMARY KEY,
	agent_id TEXT,
	event_type TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_created ON activity (created_at);

CREATE TABLE IF NOT EXISTS stage_history (
	id TEXT PRIMARY KEY,
	repo_id TEXT NOT NULL,
	from_stage TEXT NOT NULL,
	to_stage TEXT NOT NULL,
	forced INTEGER NOT NULL DEFAULT 0,
	advanced_at BIGINT NOT NULL
);
`,
	},
	{
		Version: 6,
		SQL: `
CREATE TABLE IF NOT EXISTS sync_queue (
	local_id BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	category TEXT PRIMARY KEY,
	cursor BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL
);
`,
	},
	{
		Version: 7,
		SQL: `
CREATE TABLE IF NOT EXISTS karma_awards (
	agent_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	ref_id TEXT NOT NULL,
	amount INTEGER NOT NULL,
	awarded_at BIGINT NOT NULL,
	PRIMARY KEY (agent_id, reason, ref_id)
);
`,
	},
	{
		Version: 8,
		SQL: `
CREATE TABLE IF NOT EXISTS sync_feed (
	seq BIGSERIAL PRIMARY KEY,
	category TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_feed_category ON sync_feed (category, seq);
`,
	},
}

// Migrate applies every migration beyond the recorded schema version.
// Each migration runs in its own transaction together with its
// schema_version row, so a failed step leaves the recorded version
// consistent with what actually applied.
func Migrate(ctx context.Context, s Store) error {
	if _, err := s.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	row := s.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if current > migrations[len(migrations)-1].Version {
		return fmt.Errorf("%w: database at version %d, code knows up to %d",
			ErrSchemaConflict, current, migrations[len(migrations)-1].Version)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := s.Transaction(ctx, func(tx Querier) error {
			for _, stmt := range splitStatements(m.SQL) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d: %w", m.Version, err)
				}
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_version (version, applied_at) VALUES ($1, $2)`,
				m.Version, nowMS())
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// splitStatements breaks a migration blob into individual statements.
// Migration SQL never embeds semicolons in literals, so a plain split
// is sufficient.
func splitStatements(blob string) []string {
	var stmts []string
	for _, s := range strings.Split(blob, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
