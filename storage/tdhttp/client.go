// Package tdhttp implements the storage.TimeSeries capability over the
// TDengine REST interface (POST /rest/sql, basic auth, JSON column/row
// response). Only the execute/query surface the ingestion core needs is
// covered; schema management beyond per-asset sub-table creation belongs to
// the platform layer.
package tdhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/storage"
)

// Config holds connection settings for the REST endpoint.
type Config struct {
	URL      string        `yaml:"url" json:"url"`           // e.g. http://tdengine:6041
	Database string        `yaml:"database" json:"database"` // default database for statements
	Username string        `yaml:"username" json:"username"`
	Password string        `yaml:"password" json:"password"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"` // per-request timeout
}

// Client is a storage.TimeSeries implementation over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

var _ storage.TimeSeries = (*Client)(nil)

// New creates a REST client. The per-request timeout defaults to 10s.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "tdhttp", "New", "url check")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default().With("component", "tdhttp")
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// restResponse is the TDengine REST result envelope.
type restResponse struct {
	Code       int     `json:"code"`
	Desc       string  `json:"desc"`
	ColumnMeta [][]any `json:"column_meta"`
	Data       [][]any `json:"data"`
	Rows       int     `json:"rows"`
}

// Exec runs a statement with no result rows.
func (c *Client) Exec(ctx context.Context, stmt string) error {
	_, err := c.do(ctx, stmt)
	return err
}

// Query runs a statement and maps the columnar response into canonical rows.
func (c *Client) Query(ctx context.Context, stmt string) ([]storage.Row, error) {
	resp, err := c.do(ctx, stmt)
	if err != nil {
		return nil, err
	}

	cols := make([]string, len(resp.ColumnMeta))
	for i, meta := range resp.ColumnMeta {
		if len(meta) > 0 {
			if name, ok := meta[0].(string); ok {
				cols[i] = name
			}
		}
	}

	rows := make([]storage.Row, 0, len(resp.Data))
	for _, values := range resp.Data {
		row := make(storage.Row, len(cols))
		for i, v := range values {
			if i < len(cols) && cols[i] != "" {
				row[cols[i]] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *Client) do(ctx context.Context, stmt string) (*restResponse, error) {
	endpoint := strings.TrimRight(c.cfg.URL, "/") + "/rest/sql"
	if c.cfg.Database != "" {
		endpoint += "/" + c.cfg.Database
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(stmt))
	if err != nil {
		return nil, errors.WrapInvalid(err, "tdhttp", "do", "request build")
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"tdhttp", "do", "HTTP request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errors.WrapTransient(err, "tdhttp", "do", "response read")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: status %d: %s", errors.ErrStoreUnavailable, resp.StatusCode, truncate(body)),
			"tdhttp", "do", "HTTP status check")
	}

	var parsed restResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.WrapTransient(err, "tdhttp", "do", "response parse")
	}
	if parsed.Code != 0 {
		err := fmt.Errorf("%w: code %d: %s", errors.ErrWriteFailed, parsed.Code, parsed.Desc)
		if isTableMissing(parsed.Desc) {
			err = fmt.Errorf("%w: %s", errors.ErrTableMissing, parsed.Desc)
		}
		return nil, errors.WrapTransient(err, "tdhttp", "do", "statement execution")
	}

	return &parsed, nil
}

func isTableMissing(desc string) bool {
	lower := strings.ToLower(desc)
	return strings.Contains(lower, "table does not exist") ||
		strings.Contains(lower, "table not exist")
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
