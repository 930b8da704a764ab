package store

import (
	"fmt"
	"regexp"
	"strings"
)

// The embedded backend accepts the normalised (postgres-style) dialect
// used at every call site and rewrites the handful of constructs
// sqlite expresses differently. The rewrites are purely textual; call
// sites never branch on backend.

var (
	posMarkerRe = regexp.MustCompile(`\$(\d+)`)
	intervalRe  = regexp.MustCompile(`(?i)NOW\(\)\s*-\s*INTERVAL\s*'(\d+)\s+(second|minute|hour|day)s?'`)
	nowRe       = regexp.MustCompile(`(?i)\bNOW\(\)`)
	filterRe    = regexp.MustCompile(`(?i)COUNT\(\*\)\s+FILTER\s+\(\s*WHERE\s+([^)]+)\)`)
	boolTrueRe  = regexp.MustCompile(`(?i)\bTRUE\b`)
	boolFalseRe = regexp.MustCompile(`(?i)\bFALSE\b`)
	ilikeRe     = regexp.MustCompile(`(?i)\bILIKE\b`)
	bigserialRe = regexp.MustCompile(`(?i)\bBIGSERIAL\s+PRIMARY\s+KEY\b`)
)

// rewriteSQLite converts one normalised-dialect statement to sqlite.
//
// Rewrites applied, in order:
//   - interval subtraction: NOW() - INTERVAL '600 seconds' -> DATETIME('now', '-600 seconds')
//   - now expression:       NOW() -> CURRENT_TIMESTAMP
//   - conditional count:    COUNT(*) FILTER (WHERE c) -> SUM(CASE WHEN c THEN 1 ELSE 0 END)
//   - positional markers:   $1, $2 ... -> ?1, ?2 (numbered, so reuse survives)
//   - boolean literals:     TRUE/FALSE -> 1/0
//   - case-insensitive:     ILIKE -> LIKE (sqlite LIKE is already case-insensitive)
//   - serial columns:       BIGSERIAL PRIMARY KEY -> INTEGER PRIMARY KEY AUTOINCREMENT
func rewriteSQLite(query string) string {
	q := intervalRe.ReplaceAllStringFunc(query, func(m string) string {
		parts := intervalRe.FindStringSubmatch(m)
		return fmt.Sprintf("DATETIME('now', '-%s %ss')", parts[1], strings.ToLower(parts[2]))
	})
	q = nowRe.ReplaceAllString(q, "CURRENT_TIMESTAMP")
	q = filterRe.ReplaceAllString(q, "SUM(CASE WHEN $1 THEN 1 ELSE 0 END)")
	q = posMarkerRe.ReplaceAllString(q, "?$1")
	q = boolTrueRe.ReplaceAllString(q, "1")
	q = boolFalseRe.ReplaceAllString(q, "0")
	q = ilikeRe.ReplaceAllString(q, "LIKE")
	q = bigserialRe.ReplaceAllString(q, "INTEGER PRIMARY KEY AUTOINCREMENT")
	return q
}

// rewriteIdentity is the server backend's no-op rewrite.
func rewriteIdentity(query string) string {
	return query
}
