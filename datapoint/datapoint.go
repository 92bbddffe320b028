// Package datapoint defines the canonical telemetry record produced by every
// protocol adapter and the shared decoder that turns raw JSON payloads into
// records.
//
// A DataPoint is one timestamped bundle of signal values for one asset. It is
// produced once, handed to the validator, and discarded; it has no stored
// identity.
package datapoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/pkg/timestamp"
)

// Quality marks the adapter's confidence in a record.
type Quality string

const (
	// QualityGood is the default for normally received data.
	QualityGood Quality = "good"
	// QualityBad marks data known to be wrong at receipt.
	QualityBad Quality = "bad"
	// QualityUncertain marks data received under degraded conditions.
	QualityUncertain Quality = "uncertain"
)

// DataPoint is the canonical record for one asset at one instant.
//
// Invariants: AssetCode is non-empty and Timestamp is always populated,
// defaulting to receipt time when the upstream payload carries none.
type DataPoint struct {
	AssetCode string         `json:"asset_code"`
	Timestamp time.Time      `json:"timestamp"`
	Signals   map[string]any `json:"signals"`
	Quality   Quality        `json:"quality"`
	Source    string         `json:"source"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// PayloadSize is the size in bytes of the raw payload this record was
	// decoded from, zero when built programmatically.
	PayloadSize int `json:"-"`
}

// assetCodeKeys are the payload fields checked, in order, for the asset
// identifier.
var assetCodeKeys = []string{"asset_code", "assetCode", "device_id", "deviceId", "id"}

// timestampKeys are the payload fields checked, in order, for the record
// timestamp.
var timestampKeys = []string{"timestamp", "ts", "time"}

// reservedFields are payload fields that never become signals.
var reservedFields = map[string]struct{}{
	"asset_code": {}, "assetCode": {},
	"device_id": {}, "deviceId": {}, "id": {},
	"timestamp": {}, "ts": {}, "time": {},
	"quality": {}, "signals": {}, "metadata": {},
}

// Decode parses a raw JSON payload into a DataPoint.
//
// The asset code is taken from the payload; when absent, fallbackAsset is
// used (adapters derive it from topic paths or configuration). Signals come
// from an explicit "signals" object if present, otherwise every
// non-reserved top-level field becomes a signal. A missing or unparseable
// timestamp defaults to receipt time.
func Decode(raw []byte, source, fallbackAsset string) (*DataPoint, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err),
			"datapoint", "Decode", "JSON parsing")
	}
	dp, err := FromPayload(payload, source, fallbackAsset)
	if err != nil {
		return nil, err
	}
	dp.PayloadSize = len(raw)
	return dp, nil
}

// FromPayload builds a DataPoint from an already-unmarshaled payload map.
func FromPayload(payload map[string]any, source, fallbackAsset string) (*DataPoint, error) {
	asset := firstString(payload, assetCodeKeys)
	if asset == "" {
		asset = fallbackAsset
	}
	if asset == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingAssetCode,
			"datapoint", "FromPayload", "asset code extraction")
	}

	ts := time.Now()
	for _, key := range timestampKeys {
		if v, ok := payload[key]; ok {
			if ms := timestamp.Parse(v); ms != 0 {
				ts = timestamp.ToTime(ms)
			}
			break
		}
	}

	quality := QualityGood
	if q, ok := payload["quality"].(string); ok {
		switch Quality(q) {
		case QualityGood, QualityBad, QualityUncertain:
			quality = Quality(q)
		}
	}

	signals := make(map[string]any)
	if nested, ok := payload["signals"].(map[string]any); ok {
		for k, v := range nested {
			signals[k] = v
		}
	} else {
		for k, v := range payload {
			if _, reserved := reservedFields[k]; reserved {
				continue
			}
			signals[k] = v
		}
	}

	var metadata map[string]any
	if md, ok := payload["metadata"].(map[string]any); ok {
		metadata = md
	}

	return &DataPoint{
		AssetCode: asset,
		Timestamp: ts,
		Signals:   signals,
		Quality:   quality,
		Source:    source,
		Metadata:  metadata,
	}, nil
}

func firstString(payload map[string]any, keys []string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// MarshalJSON renders the wire shape with the timestamp as RFC3339 UTC.
func (dp *DataPoint) MarshalJSON() ([]byte, error) {
	type alias DataPoint
	return json.Marshal(&struct {
		*alias
		Timestamp string `json:"timestamp"`
	}{
		alias:     (*alias)(dp),
		Timestamp: dp.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// Validate checks the record invariants.
func (dp *DataPoint) Validate() error {
	if dp.AssetCode == "" {
		return errors.WrapInvalid(errors.ErrMissingAssetCode, "DataPoint", "Validate", "asset code check")
	}
	if dp.Timestamp.IsZero() {
		return errors.WrapInvalid(errors.New("zero timestamp"), "DataPoint", "Validate", "timestamp check")
	}
	return nil
}
