// Package monitor evaluates ingestion health across registered adapters.
//
// Health is derived, not reported: the monitor reads each adapter's
// lifecycle state and counters on a fixed interval, applies an ordered rule
// set, and publishes the result to gauges, callbacks, and an aggregated
// status endpoint payload.
package monitor

import (
	"regexp"
	"time"

	"github.com/siteflux/ingest/adapter"
)

// Health is the derived health level of one adapter or of the system.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
	Unknown   Health = "unknown"
)

// gaugeValue maps a health level onto the exported gauge.
func (h Health) gaugeValue() float64 {
	switch h {
	case Healthy:
		return 1
	case Degraded:
		return 0.5
	case Unhealthy:
		return 0
	default:
		return -1
	}
}

// Status is one adapter's evaluated health.
type Status struct {
	Adapter     string           `json:"adapter"`
	Protocol    string           `json:"protocol"`
	Health      Health           `json:"health"`
	Message     string           `json:"message"`
	Timestamp   time.Time        `json:"timestamp"`
	MessageRate float64          `json:"message_rate"`
	Stats       adapter.Snapshot `json:"stats"`
}

// IsHealthy reports whether the status is healthy.
func (s Status) IsHealthy() bool { return s.Health == Healthy }

// Error messages can carry endpoints and credentials from driver
// configuration; they are scrubbed before leaving the process.
var (
	urlRegex        = regexp.MustCompile(`\b(?:https?|wss?|nats|tcp|ssl|mqtt)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

func sanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	return msg
}
