// Package store provides parameterised SQL access to the coordination
// database behind a single contract with two backends: an embedded
// sqlite database for local deployments and postgres for the server.
//
// Call sites write one normalised dialect (postgres-style positional
// markers, NOW(), FILTER aggregation, boolean literals); the embedded
// backend rewrites queries through the dialect adapter before
// execution. Timestamps are stored as unix milliseconds so both
// backends scan identically.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Querier is the read/write surface shared by a Store and an open
// transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the full contract both backends satisfy. Transaction runs
// fn inside a single database transaction; returning an error rolls
// back. Transactions must hold only local work - no git operations,
// no HTTP calls, no process execution.
type Store interface {
	Querier
	Transaction(ctx context.Context, fn func(tx Querier) error) error
	Ping(ctx context.Context) error
	Close() error
}

// sqlStore adapts a *sql.DB plus a per-dialect rewrite function to the
// Store contract.
type sqlStore struct {
	db      *sql.DB
	rewrite func(string) string
}

func (s *sqlStore) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, s.rewrite(query), args...)
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	return rows, nil
}

func (s *sqlStore) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rewrite(query), args...)
}

func (s *sqlStore) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.rewrite(query), args...)
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	return res, nil
}

func (s *sqlStore) Transaction(ctx context.Context, fn func(tx Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDriverErr(err)
	}
	q := &txQuerier{tx: tx, rewrite: s.rewrite}
	if err := fn(q); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDriverErr(err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrapDriverErr(err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// txQuerier scopes queries to an open transaction.
type txQuerier struct {
	tx      *sql.Tx
	rewrite func(string) string
}

func (t *txQuerier) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, t.rewrite(query), args...)
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	return rows, nil
}

func (t *txQuerier) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.rewrite(query), args...)
}

func (t *txQuerier) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, t.rewrite(query), args...)
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	return res, nil
}

// ErrStoreUnavailable wraps transport-level failures so callers can
// classify them without knowing the backend.
var ErrStoreUnavailable = errors.New("store unavailable")

// wrapDriverErr classifies connection-level failures as unavailable
// while passing constraint and syntax errors through untouched.
func wrapDriverErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"database is locked",
		"driver: bad connection",
	} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return err
}

// IsUniqueViolation reports whether err is a unique-constraint
// violation on either backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "SQLSTATE 23505") || // pgx
		strings.Contains(msg, "duplicate key value") // postgres text
}

// nowMS is the current instant in the storage representation.
func nowMS() int64 {
	return time.Now().UTC().UnixMilli()
}

// TimeMS converts a time to the unix-millisecond representation every
// timestamp column uses.
func TimeMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

// MSTime converts a stored unix-millisecond value back to UTC time.
func MSTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// NullMS converts an optional time to a nullable column value.
func NullMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return TimeMS(*t)
}

// MSPtr converts a nullable millisecond column back to an optional time.
func MSPtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := MSTime(ms.Int64)
	return &t
}
