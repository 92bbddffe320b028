package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParse_EpochUnits(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int64
	}{
		{"seconds int", int64(1700000000), 1700000000000},
		{"milliseconds int", int64(1700000000000), 1700000000000},
		{"seconds float", float64(1700000000), 1700000000000},
		{"milliseconds float", float64(1700000000000), 1700000000000},
		{"seconds int32-range", int(1500000000), 1500000000000},
		{"zero", int64(0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestParse_Strings(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"rfc3339", "2023-11-14T22:13:20Z", 1700000000000},
		{"naive iso", "2023-11-14T22:13:20", 1700000000000},
		{"space separated", "2023-11-14 22:13:20", 1700000000000},
		{"epoch seconds string", "1700000000", 1700000000000},
		{"epoch millis string", "1700000000000", 1700000000000},
		{"garbage", "not-a-time", 0},
		{"empty", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestParse_TimeValues(t *testing.T) {
	now := time.Now()
	assert.Equal(t, now.UnixMilli(), Parse(now))
	assert.Equal(t, now.UnixMilli(), Parse(&now))

	var nilTime *time.Time
	assert.Equal(t, int64(0), Parse(nilTime))
	assert.Equal(t, int64(0), Parse(nil))
}

func TestRoundTrip(t *testing.T) {
	ms := Now()
	assert.Equal(t, ms, FromTime(ToTime(ms)))
	assert.False(t, IsZero(ms))
	assert.True(t, IsZero(0))
	assert.Equal(t, "", Format(0))
	assert.Equal(t, "2023-11-14T22:13:20Z", Format(1700000000000))
}
