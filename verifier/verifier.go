// Package verifier checks dual-write consistency between the new
// time-series store and the legacy relational store.
//
// For a category and time window it loads records from both stores, joins
// them on timestamp and asset code, and compares signal values. The output
// is a report with a consistency rate, a bounded list of mismatch details,
// and operator recommendations, which is also recorded against the
// category's dual-write configuration.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/siteflux/ingest/dualwrite"
	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/pkg/timestamp"
	"github.com/siteflux/ingest/pkg/worker"
	"github.com/siteflux/ingest/storage"
)

// floatTolerance is the absolute difference allowed between numeric values
// before they count as a mismatch. The legacy store round-trips floats
// through JSON, so exact comparison would flag noise.
const floatTolerance = 1e-4

// housekeepingFields are store-managed columns excluded from comparison.
var housekeepingFields = map[string]struct{}{
	"ts": {}, "create_time": {}, "update_time": {}, "id": {},
}

// Status classifies a report's outcome.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Mismatch records one disagreement between the stores.
type Mismatch struct {
	Key       string `json:"key"`
	AssetCode string `json:"asset_code"`
	Signal    string `json:"signal,omitempty"`
	NewValue  string `json:"new_value"`
	OldValue  string `json:"old_value"`
	Kind      string `json:"kind"` // value_differs, missing_old, missing_new
}

// Report is the result of one verification run.
type Report struct {
	ID              string        `json:"id"`
	CategoryCode    string        `json:"category_code"`
	WindowStart     time.Time     `json:"window_start"`
	WindowEnd       time.Time     `json:"window_end"`
	NewCount        int           `json:"new_count"`
	OldCount        int           `json:"old_count"`
	SampledCount    int           `json:"sampled_count"`
	MatchedCount    int           `json:"matched_count"`
	MismatchCount   int           `json:"mismatch_count"`
	MissingOld      int           `json:"missing_old"`
	MissingNew      int           `json:"missing_new"`
	Rate            float64       `json:"consistency_rate"`
	Status          Status        `json:"status"`
	Mismatches      []Mismatch    `json:"mismatches,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at"`
	Duration        time.Duration `json:"duration"`
}

// Config controls a verification run.
type Config struct {
	// SampleRate is the fraction of new-store records compared, in (0, 1].
	SampleRate float64
	// MaxMismatches caps the mismatch details kept on the report; counting
	// continues past the cap.
	MaxMismatches int
	// Workers sizes the comparison worker pool.
	Workers int
}

// DefaultConfig compares every record with four workers.
func DefaultConfig() Config {
	return Config{SampleRate: 1.0, MaxMismatches: 100, Workers: 4}
}

func (c Config) normalized() Config {
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
	if c.MaxMismatches <= 0 {
		c.MaxMismatches = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Deps carries the Verifier's external dependencies.
type Deps struct {
	TimeSeries storage.TimeSeries
	Relational storage.Relational
	DualWrite  *dualwrite.ConfigManager
	Logger     *slog.Logger
}

// Verifier compares dual-written data between the two stores.
type Verifier struct {
	deps   Deps
	config Config
	logger *slog.Logger
}

// New creates a Verifier.
func New(deps Deps, cfg Config) (*Verifier, error) {
	if deps.TimeSeries == nil || deps.Relational == nil {
		return nil, errors.WrapInvalid(errors.New("both stores are required"),
			"verifier", "New", "validate dependencies")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		deps:   deps,
		config: cfg.normalized(),
		logger: logger.With("component", "verifier"),
	}, nil
}

// record is one store row reduced to the comparable shape.
type record struct {
	key       string
	assetCode string
	signals   map[string]any
}

// VerifyCategory runs one verification pass over [start, end).
func (v *Verifier) VerifyCategory(ctx context.Context, categoryCode string, start, end time.Time) (*Report, error) {
	began := time.Now()

	newRecords, err := v.loadNew(ctx, categoryCode, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "verifier", "VerifyCategory", "load new store records")
	}
	oldRecords, err := v.loadOld(ctx, categoryCode, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "verifier", "VerifyCategory", "load legacy store records")
	}

	oldByKey := make(map[string]record, len(oldRecords))
	for _, r := range oldRecords {
		oldByKey[r.key] = r
	}

	sampled := sample(newRecords, v.config.SampleRate)

	report := &Report{
		ID:           uuid.NewString(),
		CategoryCode: categoryCode,
		WindowStart:  start,
		WindowEnd:    end,
		NewCount:     len(newRecords),
		OldCount:     len(oldRecords),
		SampledCount: len(sampled),
		GeneratedAt:  began,
	}

	var mu sync.Mutex
	seenNew := make(map[string]struct{}, len(sampled))

	pool := worker.NewPool(v.config.Workers, v.config.Workers*16, func(_ context.Context, rec record) error {
		old, ok := oldByKey[rec.key]

		mu.Lock()
		defer mu.Unlock()
		seenNew[rec.key] = struct{}{}

		if !ok {
			report.MissingOld++
			v.addMismatch(report, Mismatch{
				Key:       rec.key,
				AssetCode: rec.assetCode,
				Kind:      "missing_old",
				NewValue:  renderSignals(rec.signals),
			})
			return nil
		}

		diffs := compareSignals(rec.signals, old.signals)
		if len(diffs) == 0 {
			report.MatchedCount++
			return nil
		}
		report.MismatchCount++
		for _, diff := range diffs {
			diff.Key = rec.key
			diff.AssetCode = rec.assetCode
			v.addMismatch(report, diff)
		}
		return nil
	})

	if err := pool.Start(ctx); err != nil {
		return nil, err
	}
	for _, rec := range sampled {
		if err := pool.Submit(ctx, rec); err != nil {
			pool.Stop()
			return nil, err
		}
	}
	pool.Stop()

	// Legacy records with no new-store counterpart only count when the full
	// population was compared; under sampling they are indistinguishable
	// from unsampled records.
	if v.config.SampleRate >= 1.0 {
		for key, old := range oldByKey {
			if _, ok := seenNew[key]; ok {
				continue
			}
			report.MissingNew++
			v.addMismatch(report, Mismatch{
				Key:       key,
				AssetCode: old.assetCode,
				Kind:      "missing_new",
				OldValue:  renderSignals(old.signals),
			})
		}
	}

	report.Rate = consistencyRate(report.MatchedCount, report.SampledCount, report.OldCount)
	report.Status = statusFor(report.Rate)
	report.Recommendations = recommendationsFor(report)
	report.Duration = time.Since(began)

	if v.deps.DualWrite != nil {
		v.deps.DualWrite.RecordVerification(categoryCode, string(report.Status), report.GeneratedAt)
	}

	v.logger.Info("verification run finished",
		"category", categoryCode,
		"report_id", report.ID,
		"rate", report.Rate,
		"status", report.Status,
		"new_count", report.NewCount,
		"old_count", report.OldCount,
		"duration", report.Duration)

	return report, nil
}

func (v *Verifier) addMismatch(report *Report, m Mismatch) {
	if len(report.Mismatches) < v.config.MaxMismatches {
		report.Mismatches = append(report.Mismatches, m)
	}
}

// consistencyRate is matched/compared. An empty window on both sides is
// fully consistent; an empty new store with surviving legacy rows is not.
func consistencyRate(matched, sampledNew, oldCount int) float64 {
	if sampledNew == 0 {
		if oldCount == 0 {
			return 1.0
		}
		return 0.0
	}
	return float64(matched) / float64(sampledNew)
}

func statusFor(rate float64) Status {
	switch {
	case rate >= 0.99:
		return StatusHealthy
	case rate >= 0.95:
		return StatusWarning
	default:
		return StatusCritical
	}
}

func recommendationsFor(r *Report) []string {
	var recs []string
	if r.MissingOld > 0 {
		recs = append(recs,
			fmt.Sprintf("%d records missing from the legacy store; check legacy write errors in the journal", r.MissingOld))
	}
	if r.MissingNew > 0 {
		recs = append(recs,
			fmt.Sprintf("%d records missing from the time-series store; check primary write errors and retry budgets", r.MissingNew))
	}
	if r.MismatchCount > 0 {
		recs = append(recs,
			fmt.Sprintf("%d records differ between stores; inspect signal mappings for category %s", r.MismatchCount, r.CategoryCode))
	}
	if r.Status == StatusCritical {
		recs = append(recs, "consistency is critical; consider disabling legacy cutover for this category until resolved")
	}
	return recs
}

func (v *Verifier) loadNew(ctx context.Context, categoryCode string, start, end time.Time) ([]record, error) {
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE ts >= '%s' AND ts < '%s'",
		storage.SanitizeIdentifier(categoryCode),
		start.UTC().Format("2006-01-02 15:04:05.000"),
		end.UTC().Format("2006-01-02 15:04:05.000"))
	rows, err := v.deps.TimeSeries.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}

	records := make([]record, 0, len(rows))
	for _, row := range rows {
		rec, ok := rowToRecord(row)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (v *Verifier) loadOld(ctx context.Context, categoryCode string, start, end time.Time) ([]record, error) {
	stmt := fmt.Sprintf(
		"SELECT asset_code, ts, signals FROM asset_data_%s WHERE ts >= $1 AND ts < $2",
		storage.SanitizeIdentifier(categoryCode))
	rows, err := v.deps.Relational.Fetch(ctx, stmt, start.UTC(), end.UTC())
	if err != nil {
		if errors.Is(err, errors.ErrTableMissing) {
			return nil, nil
		}
		return nil, err
	}

	records := make([]record, 0, len(rows))
	for _, row := range rows {
		asset, _ := row.String("asset_code")
		ms := timestamp.Parse(row["ts"])
		if asset == "" || ms == 0 {
			continue
		}

		signals := map[string]any{}
		if raw, ok := row.String("signals"); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &signals); err != nil {
				continue
			}
		}

		records = append(records, record{
			key:       recordKey(ms, asset),
			assetCode: asset,
			signals:   signals,
		})
	}
	return records, nil
}

// rowToRecord reduces a time-series row to the comparable shape. Everything
// that is not a housekeeping column or the asset tag is a signal.
func rowToRecord(row storage.Row) (record, bool) {
	asset, _ := row.String("asset_code")
	ms := timestamp.Parse(row["ts"])
	if asset == "" || ms == 0 {
		return record{}, false
	}

	signals := make(map[string]any, len(row))
	for col, val := range row {
		if col == "asset_code" {
			continue
		}
		if _, skip := housekeepingFields[col]; skip {
			continue
		}
		signals[col] = val
	}
	return record{key: recordKey(ms, asset), assetCode: asset, signals: signals}, true
}

// recordKey joins timestamp and asset code into the comparison key.
func recordKey(ms int64, assetCode string) string {
	return fmt.Sprintf("%d_%s", ms, assetCode)
}

func sample(records []record, rate float64) []record {
	if rate >= 1.0 {
		return records
	}
	out := make([]record, 0, int(float64(len(records))*rate)+1)
	for _, r := range records {
		if rand.Float64() < rate {
			out = append(out, r)
		}
	}
	return out
}

// compareSignals diffs two signal maps, ignoring housekeeping fields.
func compareSignals(newSignals, oldSignals map[string]any) []Mismatch {
	var diffs []Mismatch

	keys := make([]string, 0, len(newSignals))
	for k := range newSignals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, skip := housekeepingFields[k]; skip {
			continue
		}
		nv := newSignals[k]
		ov, ok := oldSignals[k]
		if !ok {
			if nv == nil {
				continue
			}
			diffs = append(diffs, Mismatch{
				Signal:   k,
				Kind:     "value_differs",
				NewValue: renderValue(nv),
				OldValue: "<absent>",
			})
			continue
		}
		if !valuesEqual(nv, ov) {
			diffs = append(diffs, Mismatch{
				Signal:   k,
				Kind:     "value_differs",
				NewValue: renderValue(nv),
				OldValue: renderValue(ov),
			})
		}
	}
	return diffs
}

// valuesEqual compares two signal values: numerics within tolerance,
// strings ignoring whitespace differences, everything else by rendered
// equality.
func valuesEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return math.Abs(af-bf) <= floatTolerance
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return normalizeWhitespace(as) == normalizeWhitespace(bs)
	}

	return renderValue(a) == renderValue(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func renderValue(v any) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v", v)
}

func renderSignals(signals map[string]any) string {
	raw, err := json.Marshal(signals)
	if err != nil {
		return "<unrenderable>"
	}
	return string(raw)
}
