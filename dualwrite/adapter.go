package dualwrite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/journal"
	"github.com/siteflux/ingest/metric"
	"github.com/siteflux/ingest/retry"
	"github.com/siteflux/ingest/storage"
)

// Target names the store a write error came from.
type Target string

const (
	TargetNew Target = "new"
	TargetOld Target = "old"
)

// WriteError is one per-target failure inside a dual write.
type WriteError struct {
	Target  Target    `json:"target"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Result is the outcome of one dual write. Success reflects the new-store
// outcome unless the category is configured to fail on legacy errors too.
type Result struct {
	Success    bool         `json:"success"`
	NewWritten bool         `json:"new_written"`
	OldWritten bool         `json:"old_written"`
	OldSkipped bool         `json:"old_skipped"` // no legacy mirror for this category
	Errors     []WriteError `json:"errors,omitempty"`
}

// adapterMetrics carries the Prometheus counters of the dual-write path.
type adapterMetrics struct {
	newWrites   prometheus.Counter
	oldWrites   prometheus.Counter
	newFailures prometheus.Counter
	oldFailures prometheus.Counter
	oldSkipped  prometheus.Counter
}

func newAdapterMetrics(registry *metric.Registry) *adapterMetrics {
	if registry == nil {
		return nil
	}
	m := &adapterMetrics{
		newWrites:   metric.Counter("dualwrite", "new_writes_total", "Successful writes to the new store"),
		oldWrites:   metric.Counter("dualwrite", "old_writes_total", "Successful writes to the legacy store"),
		newFailures: metric.Counter("dualwrite", "new_failures_total", "Failed writes to the new store"),
		oldFailures: metric.Counter("dualwrite", "old_failures_total", "Failed writes to the legacy store"),
		oldSkipped:  metric.Counter("dualwrite", "old_skipped_total", "Legacy writes skipped for categories without a mirror"),
	}
	registry.MustRegister("dualwrite", "new_writes", m.newWrites)
	registry.MustRegister("dualwrite", "old_writes", m.oldWrites)
	registry.MustRegister("dualwrite", "new_failures", m.newFailures)
	registry.MustRegister("dualwrite", "old_failures", m.oldFailures)
	registry.MustRegister("dualwrite", "old_skipped", m.oldSkipped)
	return m
}

// Deps holds the explicit dependencies of the dual-write adapter. Store
// clients are injected; there are no process-wide singletons.
type Deps struct {
	NewStore storage.TimeSeries
	OldStore storage.Relational
	Config   *ConfigManager
	Journal  *journal.Journal
	Retries  *retry.Manager
	RetryCfg retry.Config
	Registry *metric.Registry
	Logger   *slog.Logger
}

// Adapter performs the dual write for validated asset data.
type Adapter struct {
	newStore storage.TimeSeries
	oldStore storage.Relational
	config   *ConfigManager
	journal  *journal.Journal
	retries  *retry.Manager
	retryCfg retry.Config
	logger   *slog.Logger
	metrics  *adapterMetrics
}

// NewAdapter wires a dual-write adapter from its dependencies.
func NewAdapter(deps Deps) (*Adapter, error) {
	if deps.NewStore == nil {
		return nil, errors.WrapInvalid(errors.New("nil new-store client"),
			"dualwrite", "NewAdapter", "dependency check")
	}
	if deps.Config == nil {
		deps.Config = NewConfigManager(DefaultGlobalConfig())
	}
	if deps.Retries == nil {
		deps.Retries = retry.NewManager(deps.Journal)
	}
	if deps.RetryCfg.MaxAttempts == 0 {
		deps.RetryCfg = retry.DefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "dualwrite")
	}

	return &Adapter{
		newStore: deps.NewStore,
		oldStore: deps.OldStore,
		config:   deps.Config,
		journal:  deps.Journal,
		retries:  deps.Retries,
		retryCfg: deps.RetryCfg,
		logger:   logger,
		metrics:  newAdapterMetrics(deps.Registry),
	}, nil
}

// Config exposes the adapter's configuration manager.
func (a *Adapter) Config() *ConfigManager {
	return a.config
}

// WriteAssetData writes one validated record. The new-store write is the
// primary path and runs first; the legacy write is attempted afterwards in
// its own error scope so a legacy outage cannot take down ingestion.
func (a *Adapter) WriteAssetData(ctx context.Context, categoryCode, assetCode string, signals map[string]any, ts time.Time) *Result {
	result := &Result{Success: true}

	if a.config.ShouldWriteToNew(categoryCode) {
		source := "dualwrite:new:" + categoryCode
		err := a.retries.Do(ctx, source, a.retryCfg, func(ctx context.Context) error {
			return a.writeNew(ctx, categoryCode, assetCode, signals, ts)
		})
		if err != nil {
			result.Success = false
			result.Errors = append(result.Errors, WriteError{
				Target: TargetNew, Message: err.Error(), Time: time.Now(),
			})
			if a.metrics != nil {
				a.metrics.newFailures.Inc()
			}
			a.logger.Error("new-store write failed",
				"category", categoryCode, "asset", assetCode, "error", err)
		} else {
			result.NewWritten = true
			if a.metrics != nil {
				a.metrics.newWrites.Inc()
			}
		}
	}

	if a.config.IsEnabled(categoryCode) && a.config.ShouldWriteToOld(categoryCode) && a.oldStore != nil {
		a.writeOldIsolated(ctx, categoryCode, assetCode, signals, ts, result)
	}

	return result
}

// writeOldIsolated runs the legacy write in a separate error scope. A
// missing legacy table means the category has no legacy mirror and is not an
// error; everything else is journaled and counted, and fails the overall
// result only when the category opted into fail_on_old_error.
func (a *Adapter) writeOldIsolated(ctx context.Context, categoryCode, assetCode string, signals map[string]any, ts time.Time, result *Result) {
	err := a.writeOld(ctx, categoryCode, assetCode, signals, ts)
	if err == nil {
		result.OldWritten = true
		if a.metrics != nil {
			a.metrics.oldWrites.Inc()
		}
		return
	}

	if errors.Is(err, errors.ErrTableMissing) {
		result.OldSkipped = true
		if a.metrics != nil {
			a.metrics.oldSkipped.Inc()
		}
		a.logger.Debug("no legacy mirror for category, skipping",
			"category", categoryCode, "asset", assetCode)
		return
	}

	result.Errors = append(result.Errors, WriteError{
		Target: TargetOld, Message: err.Error(), Time: time.Now(),
	})
	if a.metrics != nil {
		a.metrics.oldFailures.Inc()
	}
	if a.journal != nil {
		a.journal.Append("dualwrite:old:"+categoryCode, "legacy_write",
			err.Error(), 1, map[string]any{"asset": assetCode})
	}
	a.logger.Warn("legacy-store write failed",
		"category", categoryCode, "asset", assetCode, "error", err)

	if a.config.ShouldFailOnOldError(categoryCode) {
		result.Success = false
	}
}

// writeNew inserts one record into the per-asset sub-table under the
// category's parent table.
func (a *Adapter) writeNew(ctx context.Context, categoryCode, assetCode string, signals map[string]any, ts time.Time) error {
	stmt := buildTimeSeriesInsert(categoryCode, assetCode, signals, ts)
	if err := a.newStore.Exec(ctx, stmt); err != nil {
		return errors.Wrap(err, "dualwrite", "writeNew", "insert")
	}
	return nil
}

// writeOld inserts one record into the legacy per-category table, signals as
// a JSON document.
func (a *Adapter) writeOld(ctx context.Context, categoryCode, assetCode string, signals map[string]any, ts time.Time) error {
	payload, err := json.Marshal(signals)
	if err != nil {
		return errors.WrapInvalid(err, "dualwrite", "writeOld", "signal marshaling")
	}

	stmt := fmt.Sprintf(
		`INSERT INTO asset_data_%s (asset_code, ts, signals) VALUES ($1, $2, $3)`,
		storage.SanitizeIdentifier(categoryCode))
	return a.oldStore.Exec(ctx, stmt, assetCode, ts, string(payload))
}

// buildTimeSeriesInsert renders the TDengine-style insert:
//
//	INSERT INTO d_<asset> USING <category> TAGS ('<asset>') (ts, c1, ...) VALUES (...)
//
// Columns are sorted so identical signal sets produce identical statements.
func buildTimeSeriesInsert(categoryCode, assetCode string, signals map[string]any, ts time.Time) string {
	cols := make([]string, 0, len(signals))
	for code := range signals {
		cols = append(cols, code)
	}
	sort.Strings(cols)

	var cBuilder, vBuilder strings.Builder
	cBuilder.WriteString("ts")
	vBuilder.WriteString(fmt.Sprintf("%d", ts.UnixMilli()))
	for _, code := range cols {
		cBuilder.WriteString(", " + storage.SanitizeIdentifier(code))
		vBuilder.WriteString(", " + formatValue(signals[code]))
	}

	return fmt.Sprintf("INSERT INTO d_%s USING %s TAGS ('%s') (%s) VALUES (%s)",
		storage.SanitizeIdentifier(assetCode),
		storage.SanitizeIdentifier(categoryCode),
		escapeString(assetCode),
		cBuilder.String(),
		vBuilder.String(),
	)
}

// formatValue renders one signal value as a statement literal.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64, float32, int, int32, int64, uint:
		return fmt.Sprintf("%v", val)
	case time.Time:
		return fmt.Sprintf("%d", val.UnixMilli())
	case string:
		return "'" + escapeString(val) + "'"
	default:
		return "'" + escapeString(fmt.Sprintf("%v", val)) + "'"
	}
}

func escapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
