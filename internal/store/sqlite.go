package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go sqlite driver for the embedded backend
)

// OpenSQLite opens (creating if necessary) the embedded coordination
// database and applies pending migrations. Path ":memory:" yields an
// ephemeral database, used by tests.
//
// The embedded backend serialises writers: sqlite allows one writer at
// a time, so the connection pool is capped at a single connection and
// busy waits are bounded by busy_timeout.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &sqlStore{db: db, rewrite: rewriteSQLite}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("embedded store not reachable: %w", err)
	}
	if err := Migrate(ctx, s); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
