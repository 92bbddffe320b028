// Package postgres implements the storage.Relational capability over
// database/sql with the lib/pq driver. It backs the legacy storage schema
// and the dual-write configuration table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/storage"
)

// undefinedTable is the PostgreSQL error code for a missing relation.
const undefinedTable = "42P01"

// Config holds connection settings for the legacy store.
type Config struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// Client is a storage.Relational implementation over lib/pq.
type Client struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Relational = (*Client)(nil)

// Open connects to the legacy store and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "postgres", "Open", "dsn check")
	}
	if logger == nil {
		logger = slog.Default().With("component", "postgres")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.WrapInvalid(err, "postgres", "Open", "driver open")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"postgres", "Open", "connection ping")
	}

	return &Client{db: db, logger: logger}, nil
}

// NewFromDB wraps an existing connection pool. Used by tests.
func NewFromDB(db *sql.DB, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default().With("component", "postgres")
	}
	return &Client{db: db, logger: logger}
}

// Exec runs a parameterized statement with no result rows.
func (c *Client) Exec(ctx context.Context, stmt string, args ...any) error {
	if _, err := c.db.ExecContext(ctx, stmt, args...); err != nil {
		return classifyPQ(err, "Exec")
	}
	return nil
}

// Fetch runs a parameterized query and maps the rows to the canonical shape.
func (c *Client) Fetch(ctx context.Context, stmt string, args ...any) ([]storage.Row, error) {
	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classifyPQ(err, "Fetch")
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "postgres", "Fetch", "column listing")
	}

	var out []storage.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "postgres", "Fetch", "row scan")
		}

		row := make(storage.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPQ(err, "Fetch")
	}

	return out, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// normalize converts driver-specific scan results into canonical Row values.
func normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return val
	}
}

// classifyPQ maps driver errors onto the ingestion error taxonomy. A missing
// relation is distinguished from connectivity problems so the dual-write path
// can treat "this category has no legacy mirror" as a non-event.
func classifyPQ(err error, operation string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == undefinedTable {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrTableMissing, pqErr.Message),
			"postgres", operation, "statement execution")
	}
	return errors.WrapTransient(err, "postgres", operation, "statement execution")
}

// IsTableMissing reports whether an error means the target relation does not
// exist, in either store dialect.
func IsTableMissing(err error) bool {
	return errors.Is(err, errors.ErrTableMissing)
}
