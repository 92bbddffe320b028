package dualwrite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/storage"
)

// recordingStore captures Save traffic and serves canned Load rows.
type recordingStore struct {
	fakeRelational
	rows []storage.Row
}

func (r *recordingStore) Fetch(ctx context.Context, stmt string, args ...any) ([]storage.Row, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.rows, nil
}

func TestConfigSave(t *testing.T) {
	cm := NewConfigManager(DefaultGlobalConfig())
	cm.SetCategory(CategoryConfig{
		CategoryCode: "welding", Enabled: true,
		WriteToNew: true, WriteToOld: true, VerifyInterval: 12,
	})

	store := &recordingStore{}
	require.NoError(t, cm.Save(context.Background(), store))

	// table create, global delete+insert, one category upsert
	require.Len(t, store.stmts, 4)
	assert.Contains(t, store.stmts[0], "CREATE TABLE IF NOT EXISTS dual_write_config")
	assert.Contains(t, store.stmts[1], "WHERE category_code IS NULL")
	assert.Contains(t, store.stmts[3], "ON CONFLICT")
	assert.Equal(t, "welding", store.args[3][0])
}

func TestConfigLoad(t *testing.T) {
	verifyTime := time.Now().Add(-2 * time.Hour)
	store := &recordingStore{rows: []storage.Row{
		{
			"enabled": true, "write_to_new": true, "write_to_old": true,
			"fail_on_old_error": false, "verify_enabled": true,
			"verify_interval_hours": int64(6),
		},
		{
			"category_code": "welding", "enabled": true, "write_to_new": true,
			"write_to_old": true, "fail_on_old_error": true,
			"verify_enabled": false, "verify_interval_hours": int64(12),
			"last_verify_time": verifyTime, "last_verify_result": "healthy",
		},
	}}

	cm := NewConfigManager(DefaultGlobalConfig())
	require.NoError(t, cm.Load(context.Background(), store))

	global := cm.Global()
	assert.True(t, global.Enabled)
	assert.Equal(t, 6, global.VerifyInterval)

	cat, ok := cm.Category("welding")
	require.True(t, ok)
	assert.True(t, cat.FailOnOldError)
	assert.Equal(t, "healthy", cat.LastVerifyResult)
	assert.Equal(t, verifyTime, cat.LastVerifyTime)
}

func TestConfigLoad_MissingTableTolerated(t *testing.T) {
	store := &recordingStore{}
	store.err = errors.WrapInvalid(errors.ErrTableMissing, "postgres", "Fetch", "statement execution")

	cm := NewConfigManager(DefaultGlobalConfig())
	assert.NoError(t, cm.Load(context.Background(), store))
	// Seeded defaults survive.
	assert.True(t, cm.Global().WriteToNew)
}
