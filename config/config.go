// Package config loads and validates the ingestion service configuration.
//
// Configuration is a single YAML document. Adapter entries are a tagged
// union: every entry carries a protocol discriminator plus protocol-specific
// settings that the matching adapter package decodes and validates itself.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siteflux/ingest/errors"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single structured configuration validation finding.
type Issue struct {
	Field    string   `json:"field" yaml:"field"`
	Message  string   `json:"message" yaml:"message"`
	Severity Severity `json:"severity" yaml:"severity"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s (%s)", i.Field, i.Message, i.Severity)
}

// Issues is a collection of validation findings.
type Issues []Issue

// HasErrors reports whether any issue is of error severity.
func (is Issues) HasErrors() bool {
	for _, i := range is {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Error renders the error-severity issues as a single message.
func (is Issues) Error() string {
	parts := make([]string, 0, len(is))
	for _, i := range is {
		if i.Severity == SeverityError {
			parts = append(parts, i.String())
		}
	}
	return strings.Join(parts, "; ")
}

// Errorf appends an error-severity issue.
func (is *Issues) Errorf(field, format string, args ...any) {
	*is = append(*is, Issue{Field: field, Message: fmt.Sprintf(format, args...), Severity: SeverityError})
}

// Warnf appends a warning-severity issue.
func (is *Issues) Warnf(field, format string, args ...any) {
	*is = append(*is, Issue{Field: field, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning})
}

// Config is the top-level service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	TimeSeries TimeSeriesConfig `yaml:"timeseries"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Validation ValidationConfig `yaml:"validation"`
	Retry      RetryConfig      `yaml:"retry"`
	Journal    JournalConfig    `yaml:"journal"`
	Verify     VerifyConfig     `yaml:"verify"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Adapters   []AdapterConfig  `yaml:"adapters"`
}

// ServerConfig controls the HTTP endpoint serving metrics and health.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TimeSeriesConfig locates the primary time-series store.
type TimeSeriesConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PostgresConfig locates the legacy relational store.
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// ValidationConfig controls signal validation.
type ValidationConfig struct {
	DefinitionsFile string `yaml:"definitions_file"`
	StrictMode      bool   `yaml:"strict_mode"`
}

// RetryConfig controls transient-failure retry behavior.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Strategy     string        `yaml:"strategy"`
}

// JournalConfig controls the in-memory error journal.
type JournalConfig struct {
	Capacity int `yaml:"capacity"`
}

// VerifyConfig controls the dual-write consistency verifier.
type VerifyConfig struct {
	SampleRate    float64       `yaml:"sample_rate"`
	MaxMismatches int           `yaml:"max_mismatches"`
	Workers       int           `yaml:"workers"`
	Window        time.Duration `yaml:"window"`
}

// MonitorConfig controls ingestion health monitoring.
type MonitorConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval"`
	RecentErrorAge time.Duration `yaml:"recent_error_age"`
	StartupGrace   time.Duration `yaml:"startup_grace"`
}

// AdapterConfig is one entry in the adapters list. Settings hold the
// protocol-specific fields; the adapter package for Protocol decodes them.
type AdapterConfig struct {
	Name     string         `yaml:"name"`
	Protocol string         `yaml:"protocol"`
	Category string         `yaml:"category"`
	Enabled  *bool          `yaml:"enabled"`
	Settings map[string]any `yaml:",inline"`
}

// IsEnabled reports whether the adapter should be started. Adapters are
// enabled unless explicitly disabled.
func (a AdapterConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// DecodeSettings unmarshals the protocol-specific settings into dst.
func (a AdapterConfig) DecodeSettings(dst any) error {
	raw, err := yaml.Marshal(a.Settings)
	if err != nil {
		return errors.WrapInvalid(err, "config", "DecodeSettings", "marshal settings")
	}
	if err := yaml.Unmarshal(raw, dst); err != nil {
		return errors.WrapInvalid(err, "config", "DecodeSettings", "decode settings")
	}
	return nil
}

// Default returns a configuration with sensible defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":9102",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Strategy:     "exponential",
		},
		Journal: JournalConfig{Capacity: 1000},
		Verify: VerifyConfig{
			SampleRate:    1.0,
			MaxMismatches: 100,
			Workers:       4,
			Window:        24 * time.Hour,
		},
		Monitor: MonitorConfig{
			CheckInterval:  30 * time.Second,
			RecentErrorAge: 5 * time.Minute,
			StartupGrace:   60 * time.Second,
		},
	}
}

// Load reads a YAML configuration file, applies defaults, and validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.WrapInvalid(err, "config", "Load", "read config file")
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.WrapInvalid(err, "config", "Parse", "decode yaml")
	}
	if issues := cfg.Validate(); issues.HasErrors() {
		return Config{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, issues.Error()),
			"config", "Parse", "validate config")
	}
	return cfg, nil
}

var knownProtocols = map[string]bool{
	"mqtt":      true,
	"http":      true,
	"nats":      true,
	"websocket": true,
}

// Validate checks structural invariants that do not require decoding
// protocol-specific settings.
func (c Config) Validate() Issues {
	var issues Issues

	if c.TimeSeries.URL == "" {
		issues.Errorf("timeseries.url", "time-series store URL is required")
	}
	if c.Retry.MaxAttempts < 1 {
		issues.Errorf("retry.max_attempts", "must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay <= 0 {
		issues.Errorf("retry.initial_delay", "must be positive")
	}
	switch c.Retry.Strategy {
	case "fixed", "linear", "exponential", "exponential_jitter":
	default:
		issues.Errorf("retry.strategy", "unknown strategy %q", c.Retry.Strategy)
	}
	if c.Journal.Capacity < 1 {
		issues.Errorf("journal.capacity", "must be at least 1, got %d", c.Journal.Capacity)
	}
	if c.Verify.SampleRate <= 0 || c.Verify.SampleRate > 1 {
		issues.Errorf("verify.sample_rate", "must be in (0, 1], got %g", c.Verify.SampleRate)
	}

	names := make(map[string]bool, len(c.Adapters))
	for i, a := range c.Adapters {
		field := fmt.Sprintf("adapters[%d]", i)
		if a.Name == "" {
			issues.Errorf(field+".name", "adapter name is required")
		} else if names[a.Name] {
			issues.Errorf(field+".name", "duplicate adapter name %q", a.Name)
		}
		names[a.Name] = true
		if !knownProtocols[a.Protocol] {
			issues.Errorf(field+".protocol", "unknown protocol %q", a.Protocol)
		}
		if a.Category == "" {
			issues.Errorf(field+".category", "signal category is required")
		}
	}
	if len(c.Adapters) == 0 {
		issues.Warnf("adapters", "no adapters configured, nothing will be ingested")
	}

	return issues
}
