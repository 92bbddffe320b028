package validator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflux/ingest/datapoint"
)

func weldingSchemas(t *testing.T) map[string]*CategorySchema {
	t.Helper()
	schemas, err := LoadDefinitions([]byte(`{
		"categories": [{
			"category_code": "welding",
			"signals": [
				{"code": "temperature", "data_type": "float", "unit": "C",
				 "value_range": {"min": -40, "max": 150}, "is_required": true},
				{"code": "current", "data_type": "float",
				 "value_range": {"min": 0, "max": 100}},
				{"code": "active", "data_type": "bool"},
				{"code": "mode", "data_type": "string",
				 "validation_rules": {"enum": ["auto", "manual"]}},
				{"code": "serial", "data_type": "string",
				 "validation_rules": {"pattern": "^W-[0-9]{4}$"}},
				{"code": "cycles", "data_type": "int", "allow_null": true, "default_value": 0},
				{"code": "checked_at", "data_type": "timestamp"}
			]
		}]
	}`))
	require.NoError(t, err)
	return schemas
}

func point(signals map[string]any) *datapoint.DataPoint {
	return &datapoint.DataPoint{
		AssetCode: "A1",
		Timestamp: time.Now(),
		Signals:   signals,
		Quality:   datapoint.QualityGood,
		Source:    "test",
	}
}

func TestValidate_HappyPath(t *testing.T) {
	v := New(weldingSchemas(t))

	res, err := v.Validate(point(map[string]any{
		"temperature": "85.2",
		"active":      "YES",
		"mode":        "auto",
	}), "welding")
	require.NoError(t, err)

	assert.True(t, res.Valid)
	assert.Equal(t, 85.2, res.ValidSignals["temperature"])
	assert.Equal(t, true, res.ValidSignals["active"])
	assert.Equal(t, "auto", res.ValidSignals["mode"])
	assert.Empty(t, res.InvalidSignals)
}

func TestValidate_OutOfRange(t *testing.T) {
	v := New(weldingSchemas(t))

	res, err := v.Validate(point(map[string]any{
		"temperature": 20.0,
		"current":     150.0,
	}), "welding")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, ResultOutOfRange, res.SignalResults["current"].Kind)
	assert.Contains(t, res.InvalidSignals, "current")
	assert.NotContains(t, res.ValidSignals, "current")
	// The valid signal is still usable.
	assert.Equal(t, 20.0, res.ValidSignals["temperature"])
}

func TestValidate_BoolCoercion(t *testing.T) {
	v := New(weldingSchemas(t))

	tests := []struct {
		input any
		want  bool
	}{
		{"YES", true}, {"0", false}, {"true", true}, {"On", true},
		{"off", false}, {1, true}, {0.0, false}, {true, true},
	}
	for _, tt := range tests {
		res, err := v.Validate(point(map[string]any{
			"temperature": 20.0,
			"active":      tt.input,
		}), "welding")
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.ValidSignals["active"], "input %v", tt.input)
	}

	res, err := v.Validate(point(map[string]any{
		"temperature": 20.0,
		"active":      "maybe",
	}), "welding")
	require.NoError(t, err)
	assert.Equal(t, ResultTypeMismatch, res.SignalResults["active"].Kind)
}

func TestValidate_NullHandling(t *testing.T) {
	v := New(weldingSchemas(t))

	// allow_null with default: replaced by default
	res, err := v.Validate(point(map[string]any{
		"temperature": 20.0,
		"cycles":      nil,
	}), "welding")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(0), res.ValidSignals["cycles"])

	// null where not allowed: rejected
	res, err = v.Validate(point(map[string]any{
		"temperature": nil,
	}), "welding")
	require.NoError(t, err)
	assert.Equal(t, ResultNullNotAllowed, res.SignalResults["temperature"].Kind)
}

func TestValidate_MissingRequired(t *testing.T) {
	v := New(weldingSchemas(t))

	res, err := v.Validate(point(map[string]any{"current": 5.0}), "welding")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "temperature")
	// current itself validated fine
	assert.Equal(t, 5.0, res.ValidSignals["current"])
}

func TestValidate_UnknownSignals(t *testing.T) {
	schemas := weldingSchemas(t)

	// default: pass-through, uncoerced
	v := New(schemas)
	res, err := v.Validate(point(map[string]any{
		"temperature": 20.0,
		"vibration":   "3.2",
	}), "welding")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "3.2", res.ValidSignals["vibration"])

	// strict: rejected
	vs := New(schemas, WithStrictMode())
	res, err = vs.Validate(point(map[string]any{
		"temperature": 20.0,
		"vibration":   "3.2",
	}), "welding")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ResultUnknownSignal, res.SignalResults["vibration"].Kind)
}

func TestValidate_Rules(t *testing.T) {
	v := New(weldingSchemas(t))

	res, err := v.Validate(point(map[string]any{
		"temperature": 20.0,
		"mode":        "turbo",
		"serial":      "W-123",
	}), "welding")
	require.NoError(t, err)

	assert.Equal(t, ResultRuleViolation, res.SignalResults["mode"].Kind)
	assert.Equal(t, ResultRuleViolation, res.SignalResults["serial"].Kind)

	res, err = v.Validate(point(map[string]any{
		"temperature": 20.0,
		"serial":      "W-1234",
	}), "welding")
	require.NoError(t, err)
	assert.Equal(t, "W-1234", res.ValidSignals["serial"])
}

func TestValidate_CustomValidator(t *testing.T) {
	schemas, err := LoadDefinitions([]byte(`{
		"categories": [{
			"category_code": "pressure",
			"signals": [
				{"code": "psi", "data_type": "float",
				 "validation_rules": {"custom": "even_only"}}
			]
		}]
	}`))
	require.NoError(t, err)

	v := New(schemas)

	// unregistered custom validator rejects
	res, err := v.Validate(point(map[string]any{"psi": 4.0}), "pressure")
	require.NoError(t, err)
	assert.Equal(t, ResultRuleViolation, res.SignalResults["psi"].Kind)

	v.RegisterValidator("even_only", func(value any) error {
		f, _ := value.(float64)
		if int64(f)%2 != 0 {
			return fmt.Errorf("value %v is odd", f)
		}
		return nil
	})

	res, err = v.Validate(point(map[string]any{"psi": 4.0}), "pressure")
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = v.Validate(point(map[string]any{"psi": 5.0}), "pressure")
	require.NoError(t, err)
	assert.Equal(t, ResultRuleViolation, res.SignalResults["psi"].Kind)
}

func TestValidate_TimestampCoercion(t *testing.T) {
	v := New(weldingSchemas(t))

	res, err := v.Validate(point(map[string]any{
		"temperature": 20.0,
		"checked_at":  float64(1700000000),
	}), "welding")
	require.NoError(t, err)

	got, ok := res.ValidSignals["checked_at"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(1700000000000), got)
}

func TestValidate_UnknownCategory(t *testing.T) {
	v := New(weldingSchemas(t))
	_, err := v.Validate(point(nil), "stamping")
	assert.Error(t, err)
}

func TestValidateBatch(t *testing.T) {
	v := New(weldingSchemas(t))

	results, err := v.ValidateBatch([]*datapoint.DataPoint{
		point(map[string]any{"temperature": 20.0}),
		point(map[string]any{"temperature": 500.0}),
	}, "welding")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Valid)
	assert.False(t, results[1].Valid)
}

func TestLoadDefinitions_RejectsBadDocument(t *testing.T) {
	_, err := LoadDefinitions([]byte(`{"categories": [{"signals": []}]}`))
	assert.Error(t, err)

	_, err = LoadDefinitions([]byte(`{"categories": [{"category_code": "x",
		"signals": [{"code": "a", "data_type": "decimal"}]}]}`))
	assert.Error(t, err)
}
