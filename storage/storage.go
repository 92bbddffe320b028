// Package storage defines the store capabilities the ingestion core
// consumes. The core never talks to a driver directly: the new time-series
// store and the legacy relational store are both narrow interfaces, and
// every client maps driver rows into the single canonical Row shape so no
// caller ever branches on driver row representation.
package storage

import (
	"context"
	"strings"
)

// Row is the canonical row shape returned by every store client.
type Row map[string]any

// SanitizeIdentifier keeps identifiers to lowercase alphanumerics and
// underscores; everything else becomes an underscore. Category and asset
// codes pass through it before being interpolated into any statement.
func SanitizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// String returns the named column as a string, with ok reporting presence.
func (r Row) String(col string) (string, bool) {
	v, ok := r[col]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns the named column as a float64 when it holds any numeric type.
func (r Row) Float(col string) (float64, bool) {
	switch v := r[col].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// TimeSeries is the consumed capability of the new store. Statements are
// SQL-dialect strings; the core only needs "create/insert into a per-asset
// table under a category-named parent schema" and "query rows back".
type TimeSeries interface {
	// Exec runs a statement with no result rows.
	Exec(ctx context.Context, stmt string) error
	// Query runs a statement and returns its rows.
	Query(ctx context.Context, stmt string) ([]Row, error)
}

// Relational is the consumed capability of the legacy store: a row-oriented
// execute/fetch pair over a relational connection.
type Relational interface {
	// Exec runs a parameterized statement with no result rows.
	Exec(ctx context.Context, stmt string, args ...any) error
	// Fetch runs a parameterized query and returns its rows.
	Fetch(ctx context.Context, stmt string, args ...any) ([]Row, error)
}
