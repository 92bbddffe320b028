// Package timestamp provides canonical timestamp handling for device telemetry.
//
// All timestamps are carried as int64 milliseconds since the Unix epoch (UTC).
// A value of 0 means "not set".
//
// Inbound payloads carry timestamps in several shapes: RFC3339 strings,
// bare epoch numbers in seconds or milliseconds, and numeric strings. Parse
// accepts all of them. Epoch numbers are disambiguated by magnitude: values
// above 1e12 are taken as milliseconds, everything else as seconds. This is
// the unit heuristic the fleet's existing devices rely on; it misreads
// second-based timestamps after the year 33658, which is accepted as a known
// precision risk rather than changed under running devices.
package timestamp

import (
	"strconv"
	"time"
)

// msThreshold is the epoch magnitude above which a number is read as
// milliseconds rather than seconds.
const msThreshold = 1e12

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// FromTime converts a time.Time to Unix milliseconds.
func FromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ToTime converts Unix milliseconds to time.Time.
// Returns the zero time when ms is 0.
func ToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format renders Unix milliseconds as an RFC3339 UTC string for reports and
// logs. Returns "" when ms is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// iso8601Layouts are tried in order for string timestamps that are not plain
// epoch numbers. Devices in the field emit both zoned and naive forms.
var iso8601Layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Parse converts a timestamp of unknown shape to Unix milliseconds.
//
// Supported inputs: time.Time, int/int32/int64/float64 epoch values
// (seconds or milliseconds, see package doc), strings holding RFC3339,
// naive ISO-8601, or an epoch number. Returns 0 for nil, empty, or
// unparseable input.
func Parse(input any) int64 {
	if input == nil {
		return 0
	}

	switch v := input.(type) {
	case int64:
		return fromEpoch(float64(v))
	case int:
		return fromEpoch(float64(v))
	case int32:
		return fromEpoch(float64(v))
	case float64:
		return fromEpoch(v)
	case float32:
		return fromEpoch(float64(v))
	case time.Time:
		return FromTime(v)
	case *time.Time:
		if v == nil {
			return 0
		}
		return FromTime(*v)
	case string:
		return parseString(v)
	default:
		return 0
	}
}

func fromEpoch(v float64) int64 {
	if v == 0 {
		return 0
	}
	if v > msThreshold {
		return int64(v)
	}
	return int64(v * 1000)
}

func parseString(s string) int64 {
	if s == "" {
		return 0
	}

	for _, layout := range iso8601Layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return FromTime(t)
		}
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(float64(n))
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}

	return 0
}

// IsZero reports whether a timestamp is unset.
func IsZero(ms int64) bool {
	return ms == 0
}
