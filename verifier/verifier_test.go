package verifier

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflux/ingest/dualwrite"
	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/storage"
)

type fakeTimeSeries struct {
	rows []storage.Row
	err  error
	stmt string
}

func (f *fakeTimeSeries) Exec(_ context.Context, _ string) error { return f.err }

func (f *fakeTimeSeries) Query(_ context.Context, stmt string) ([]storage.Row, error) {
	f.stmt = stmt
	return f.rows, f.err
}

type fakeRelational struct {
	rows []storage.Row
	err  error
	stmt string
}

func (f *fakeRelational) Exec(_ context.Context, _ string, _ ...any) error { return f.err }

func (f *fakeRelational) Fetch(_ context.Context, stmt string, _ ...any) ([]storage.Row, error) {
	f.stmt = stmt
	return f.rows, f.err
}

var (
	windowStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.Add(24 * time.Hour)
	baseMs      = windowStart.Add(time.Hour).UnixMilli()
)

func newRow(asset string, ms int64, signals map[string]any) storage.Row {
	row := storage.Row{"asset_code": asset, "ts": ms, "create_time": "2024-03-01"}
	for k, v := range signals {
		row[k] = v
	}
	return row
}

func oldRow(asset string, ms int64, signalsJSON string) storage.Row {
	return storage.Row{"asset_code": asset, "ts": ms, "signals": signalsJSON}
}

func newVerifier(t *testing.T, ts *fakeTimeSeries, rel *fakeRelational, cfg Config) *Verifier {
	t.Helper()
	v, err := New(Deps{TimeSeries: ts, Relational: rel}, cfg)
	require.NoError(t, err)
	return v
}

func TestVerifyAllMatching(t *testing.T) {
	ts := &fakeTimeSeries{rows: []storage.Row{
		newRow("A1", baseMs, map[string]any{"temperature": 72.5, "status": "running"}),
		newRow("A2", baseMs+1000, map[string]any{"temperature": 68.0}),
	}}
	rel := &fakeRelational{rows: []storage.Row{
		oldRow("A1", baseMs, `{"temperature": 72.5, "status": "running"}`),
		oldRow("A2", baseMs+1000, `{"temperature": 68.0}`),
	}}

	v := newVerifier(t, ts, rel, DefaultConfig())
	report, err := v.VerifyCategory(context.Background(), "welding", windowStart, windowEnd)
	require.NoError(t, err)

	assert.Equal(t, 2, report.NewCount)
	assert.Equal(t, 2, report.OldCount)
	assert.Equal(t, 2, report.MatchedCount)
	assert.Equal(t, 1.0, report.Rate)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Mismatches)
	assert.NotEmpty(t, report.ID)
}

func TestVerifyFloatTolerance(t *testing.T) {
	ts := &fakeTimeSeries{rows: []storage.Row{
		newRow("A1", baseMs, map[string]any{"pressure": 4.20003}),
		newRow("A2", baseMs+1000, map[string]any{"pressure": 4.3}),
	}}
	rel := &fakeRelational{rows: []storage.Row{
		oldRow("A1", baseMs, `{"pressure": 4.2}`),
		oldRow("A2", baseMs+1000, `{"pressure": 4.2}`),
	}}

	v := newVerifier(t, ts, rel, DefaultConfig())
	report, err := v.VerifyCategory(context.Background(), "welding", windowStart, windowEnd)
	require.NoError(t, err)

	// 4.20003 vs 4.2 is within tolerance; 4.3 vs 4.2 is not.
	assert.Equal(t, 1, report.MatchedCount)
	assert.Equal(t, 1, report.MismatchCount)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "pressure", report.Mismatches[0].Signal)
	assert.Equal(t, "value_differs", report.Mismatches[0].Kind)
}

func TestVerifyWhitespaceInsensitiveStrings(t *testing.T) {
	ts := &fakeTimeSeries{rows: []storage.Row{
		newRow("A1", baseMs, map[string]any{"status": "running  ok"}),
	}}
	rel := &fakeRelational{rows: []storage.Row{
		oldRow("A1", baseMs, `{"status": " running ok "}`),
	}}

	v := newVerifier(t, ts, rel, DefaultConfig())
	report, err := v.VerifyCategory(context.Background(), "welding", windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MatchedCount)
	assert.Equal(t, 1.0, report.Rate)
}

func TestVerifyMissingFromLegacy(t *testing.T) {
	ts := &fakeTimeSeries{rows: []storage.Row{
		newRow("A1", baseMs, map[string]any{"temperature": 70.0}),
	}}
	rel := &fakeRelational{}

	v := newVerifier(t, ts, rel, DefaultConfig())
	report, err := v.VerifyCategory(context.Background(), "welding", windowStart, windowEnd)
	require.NoError(t, err)

	assert.Equal(t, 1, report.MissingOld)
	assert.Equal(t, 0.0, report.Rate)
	assert.Equal(t, StatusCritical, report.Status)
	require.NotEmpty(t, report.Mismatches)
	assert.Equal(t, "missing_old", report.Mismatches[0].Kind)
	assert.NotEmpty(t, report.Recommendations)
}

func TestVerifyMissingFromNew(t *testing.T) {
	ts := &fakeTimeSeries{rows: []storage.Row{
		newRow("A1", baseMs, map[string]any{"temperature": 70.0}),
	}}
	rel := &fakeRelational{rows: []storage.Row{
		oldRow("A1", baseMs, `{"temperature": 70.0}`),
		oldRow("A2", baseMs+1000, `{"temperature": 65.0}`),
	}}

	v := newVerifier(t, ts, rel, DefaultConfig())
	report, err := v.VerifyCategory(context.Background(), "welding", windowStart, windowEnd)
	require.NoError(t, err)

	assert.Equal(t, 1, report.MatchedCount)
	assert.Equal(t, 1, report.MissingNew)
	assert.Equal(t, 1.0, report.Rate) // rate is over new-store records
}

func TestVerifyBothEmpty(t *testing.T) {
	v := newVerifier(t, &fakeTimeSeries{}, &fakeRelational{}, DefaultConfig())
	report, err := v.VerifyCategory(context.Background(), "welding", windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, 1.0, report.Rate)
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestVerifyLegacyTableMissingTreatedAsEmpty(t *testing.T) {
	ts := &fakeTimeSeries{rows: []storage.Row{
		newRow("A1", baseMs, map[string]any{"v": 1.0}),
	}}
	rel := &fakeRelational{err: errors.WrapInvalid(errors.ErrTableMissing, "postgres", "Fetch", "query")}

	v := newVerifier(t, ts, rel, DefaultConfig())
	report, err := v.VerifyCategory(context.Background(), "welding", windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, 0, report.OldCount)
	assert.Equal(t, 1, report.MissingOld)
}

func TestVerifyMismatchCap(t *testing.T) {
	var newRows, oldRows []storage.Row
	for i := 0; i < 20; i++ {
		ms := baseMs + int64(i*1000)
		asset := fmt.Sprintf("A%d", i)
		newRows = append(newRows, newRow(asset, ms, map[string]any{"v": float64(i)}))
		oldRows = append(oldRows, oldRow(asset, ms, `{"v": -1}`))
	}

	cfg := DefaultConfig()
	cfg.MaxMismatches = 5
	v := newVerifier(t, &fakeTimeSeries{rows: newRows}, &fakeRelational{rows: oldRows}, cfg)

	report, err := v.VerifyCategory(context.Background(), "welding", windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, 20, report.MismatchCount)
	assert.Len(t, report.Mismatches, 5)
}

func TestVerifyRecordsOutcomeOnDualWriteConfig(t *testing.T) {
	dw := dualwrite.NewConfigManager(dualwrite.DefaultGlobalConfig())
	ts := &fakeTimeSeries{rows: []storage.Row{
		newRow("A1", baseMs, map[string]any{"v": 1.0}),
	}}
	rel := &fakeRelational{rows: []storage.Row{oldRow("A1", baseMs, `{"v": 1.0}`)}}

	v, err := New(Deps{TimeSeries: ts, Relational: rel, DualWrite: dw}, DefaultConfig())
	require.NoError(t, err)

	_, err = v.VerifyCategory(context.Background(), "welding", windowStart, windowEnd)
	require.NoError(t, err)

	cat, ok := dw.Category("welding")
	require.True(t, ok)
	assert.Equal(t, string(StatusHealthy), cat.LastVerifyResult)
	assert.False(t, cat.LastVerifyTime.IsZero())
}

func TestVerifyQueryIdentifierSanitized(t *testing.T) {
	ts := &fakeTimeSeries{}
	rel := &fakeRelational{}
	v := newVerifier(t, ts, rel, DefaultConfig())

	_, err := v.VerifyCategory(context.Background(), "welding; DROP TABLE users--", windowStart, windowEnd)
	require.NoError(t, err)

	assert.Contains(t, ts.stmt, "FROM welding__drop_table_users__ WHERE")
	assert.Contains(t, rel.stmt, "FROM asset_data_welding__drop_table_users__ WHERE")
}

func TestStatusThresholds(t *testing.T) {
	assert.Equal(t, StatusHealthy, statusFor(1.0))
	assert.Equal(t, StatusHealthy, statusFor(0.99))
	assert.Equal(t, StatusWarning, statusFor(0.97))
	assert.Equal(t, StatusWarning, statusFor(0.95))
	assert.Equal(t, StatusCritical, statusFor(0.9))
}

func TestHousekeepingFieldsIgnored(t *testing.T) {
	newSignals := map[string]any{"v": 1.0, "create_time": "a", "update_time": "b", "id": 7}
	oldSignals := map[string]any{"v": 1.0, "create_time": "x"}
	assert.Empty(t, compareSignals(newSignals, oldSignals))
}
