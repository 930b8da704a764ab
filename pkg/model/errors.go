package model

import (
	"errors"
	"fmt"
	"time"
)

// Code is the stable wire name of an error class. Components below the
// coordinator return typed errors; the coordinator maps them to codes
// exactly once at the boundary.
type Code string

const (
	CodeAuth       Code = "auth"
	CodePermission Code = "permission"
	CodeValidation Code = "validation"
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeConsensus  Code = "consensus"
	CodeGitBackend Code = "git_backend"
	CodeRateLimit  Code = "rate_limit"
	CodeUnavail    Code = "unavailable"
	CodeInternal   Code = "internal"
)

// Sentinel errors for the classes that carry no extra payload.
var (
	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated means missing or invalid credentials, or a
	// suspended/banned account.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnavailable means the store, cache, or an external dependency
	// is down.
	ErrUnavailable = errors.New("unavailable")
)

// ValidationError reports a structural or range error in input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for a named field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PermissionError reports an access check that resolved below the
// required level.
type PermissionError struct {
	Action   string
	Required AccessLevel
	Actual   AccessLevel
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission: %s requires %s, have %s", e.Action, e.Required, e.Actual)
}

// ConflictError reports a uniqueness or concurrency conflict.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Reason)
}

// Conflict builds a ConflictError.
func Conflict(format string, a ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, a...)}
}

// ConsensusError reports an operation blocked by governance state:
// consensus not reached, changes requested, or an unmerged parent.
type ConsensusError struct {
	Reason string // e.g. "insufficient_reviews", "changes_requested", "parent_not_merged"
}

func (e *ConsensusError) Error() string {
	return fmt.Sprintf("consensus: %s", e.Reason)
}

// GitBackendError wraps a failed external git operation.
type GitBackendError struct {
	Op      string
	Message string
}

func (e *GitBackendError) Error() string {
	return fmt.Sprintf("git backend: %s: %s", e.Op, e.Message)
}

// RateLimitError reports an exhausted rate-limit window.
type RateLimitError struct {
	LimitType  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: %s exhausted, retry after %s", e.LimitType, e.RetryAfter.Round(time.Second))
}

// CodeOf classifies an error into its stable wire code. Unrecognised
// errors map to internal.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return CodeAuth
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnavailable):
		return CodeUnavail
	}

	var (
		valErr  *ValidationError
		permErr *PermissionError
		conErr  *ConflictError
		cnsErr  *ConsensusError
		gitErr  *GitBackendError
		rlErr   *RateLimitError
	)
	switch {
	case errors.As(err, &valErr):
		return CodeValidation
	case errors.As(err, &permErr):
		return CodePermission
	case errors.As(err, &conErr):
		return CodeConflict
	case errors.As(err, &cnsErr):
		return CodeConsensus
	case errors.As(err, &gitErr):
		return CodeGitBackend
	case errors.As(err, &rlErr):
		return CodeRateLimit
	}
	return CodeInternal
}

// Retryable reports whether the sync flusher should retry an error of
// this code. Validation and conflict failures are permanent.
func (c Code) Retryable() bool {
	switch c {
	case CodeUnavail, CodeInternal:
		return true
	}
	return false
}
