package datapoint

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflux/ingest/errors"
)

func TestDecode_ExplicitSignals(t *testing.T) {
	raw := []byte(`{"device_id":"A1","ts":1700000000000,"signals":{"temperature":"85.2"}}`)

	dp, err := Decode(raw, "mqtt:sensors/A1/data", "")
	require.NoError(t, err)

	assert.Equal(t, "A1", dp.AssetCode)
	assert.Equal(t, time.UnixMilli(1700000000000), dp.Timestamp)
	assert.Equal(t, map[string]any{"temperature": "85.2"}, dp.Signals)
	assert.Equal(t, QualityGood, dp.Quality)
	assert.Equal(t, "mqtt:sensors/A1/data", dp.Source)
}

func TestDecode_FlatPayload(t *testing.T) {
	raw := []byte(`{"id":"ignored","asset_code":"B2","ts":1700000000,"value":42,"state":"running"}`)

	dp, err := Decode(raw, "http", "")
	require.NoError(t, err)

	assert.Equal(t, "B2", dp.AssetCode)
	// seconds epoch converted to milliseconds
	assert.Equal(t, time.UnixMilli(1700000000000), dp.Timestamp)
	assert.Equal(t, float64(42), dp.Signals["value"])
	assert.Equal(t, "running", dp.Signals["state"])
	// reserved fields never become signals
	assert.NotContains(t, dp.Signals, "asset_code")
	assert.NotContains(t, dp.Signals, "ts")
}

func TestDecode_IDAsAssetCode(t *testing.T) {
	// REST gateways commonly name the device field "id"; it is the weakest
	// key, consulted only when no explicit asset or device field exists.
	raw := []byte(`{"id":"B2","ts":1700000000,"value":42}`)

	dp, err := Decode(raw, "http", "")
	require.NoError(t, err)
	assert.Equal(t, "B2", dp.AssetCode)
	assert.Equal(t, map[string]any{"value": float64(42)}, dp.Signals)
}

func TestDecode_FallbackAssetCode(t *testing.T) {
	raw := []byte(`{"signals":{"pressure":1.2}}`)

	dp, err := Decode(raw, "mqtt", "A7")
	require.NoError(t, err)
	assert.Equal(t, "A7", dp.AssetCode)

	_, err = Decode(raw, "mqtt", "")
	assert.True(t, errors.Is(err, errors.ErrMissingAssetCode))
}

func TestDecode_TimestampDefaultsToReceipt(t *testing.T) {
	before := time.Now()
	dp, err := Decode([]byte(`{"asset_code":"A1","signals":{}}`), "mqtt", "")
	require.NoError(t, err)

	assert.False(t, dp.Timestamp.Before(before))
	assert.False(t, dp.Timestamp.After(time.Now()))
}

func TestDecode_Quality(t *testing.T) {
	dp, err := Decode([]byte(`{"asset_code":"A1","quality":"uncertain"}`), "mqtt", "")
	require.NoError(t, err)
	assert.Equal(t, QualityUncertain, dp.Quality)

	// unknown quality values fall back to good
	dp, err = Decode([]byte(`{"asset_code":"A1","quality":"excellent"}`), "mqtt", "")
	require.NoError(t, err)
	assert.Equal(t, QualityGood, dp.Quality)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`), "mqtt", "A1")
	assert.True(t, errors.Is(err, errors.ErrMalformedPayload))
	assert.True(t, errors.IsInvalid(err))
}

func TestMarshalWireShape(t *testing.T) {
	dp := &DataPoint{
		AssetCode: "A1",
		Timestamp: time.UnixMilli(1700000000000).UTC(),
		Signals:   map[string]any{"temperature": 85.2},
		Quality:   QualityGood,
		Source:    "mqtt",
		Metadata:  map[string]any{"topic": "sensors/A1/data"},
	}

	out, err := json.Marshal(dp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "A1", decoded["asset_code"])
	assert.Equal(t, "2023-11-14T22:13:20Z", decoded["timestamp"])
	assert.Equal(t, "good", decoded["quality"])
}

func TestValidateInvariants(t *testing.T) {
	dp := &DataPoint{AssetCode: "A1", Timestamp: time.Now()}
	assert.NoError(t, dp.Validate())

	assert.Error(t, (&DataPoint{Timestamp: time.Now()}).Validate())
	assert.Error(t, (&DataPoint{AssetCode: "A1"}).Validate())
}
