package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  addr: ":9200"
timeseries:
  url: http://tdengine:6041
  database: telemetry
  username: root
  password: taosdata
postgres:
  dsn: postgres://ingest@localhost/legacy?sslmode=disable
validation:
  definitions_file: signals.json
  strict_mode: true
adapters:
  - name: plant-mqtt
    protocol: mqtt
    category: welding
    broker_url: tcp://broker:1883
    topics: ["sensors/+/data"]
  - name: gateway-poll
    protocol: http
    category: stamping
    enabled: false
    url: https://gateway.local/api/readings
    poll_interval: 30s
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9200", cfg.Server.Addr)
	assert.Equal(t, "telemetry", cfg.TimeSeries.Database)
	assert.True(t, cfg.Validation.StrictMode)

	// Defaults survive a partial document.
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "exponential", cfg.Retry.Strategy)
	assert.Equal(t, 1000, cfg.Journal.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Monitor.CheckInterval)

	require.Len(t, cfg.Adapters, 2)
	assert.True(t, cfg.Adapters[0].IsEnabled())
	assert.False(t, cfg.Adapters[1].IsEnabled())
}

func TestDecodeSettings(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	var mqtt struct {
		BrokerURL string   `yaml:"broker_url"`
		Topics    []string `yaml:"topics"`
	}
	require.NoError(t, cfg.Adapters[0].DecodeSettings(&mqtt))
	assert.Equal(t, "tcp://broker:1883", mqtt.BrokerURL)
	assert.Equal(t, []string{"sensors/+/data"}, mqtt.Topics)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = 0
	cfg.Retry.Strategy = "bogus"
	cfg.Adapters = []AdapterConfig{
		{Name: "a", Protocol: "mqtt"},
		{Name: "a", Protocol: "carrier-pigeon"},
	}

	issues := cfg.Validate()
	require.True(t, issues.HasErrors())

	fields := make(map[string]bool)
	for _, i := range issues {
		fields[i.Field] = true
	}
	assert.True(t, fields["timeseries.url"])
	assert.True(t, fields["retry.max_attempts"])
	assert.True(t, fields["retry.strategy"])
	assert.True(t, fields["adapters[1].name"])
	assert.True(t, fields["adapters[1].protocol"])
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("retry:\n  max_attempts: 0\n"))
	assert.Error(t, err)
}

func TestNoAdaptersIsWarningOnly(t *testing.T) {
	cfg := Default()
	cfg.TimeSeries.URL = "http://localhost:6041"
	issues := cfg.Validate()
	assert.False(t, issues.HasErrors())
	assert.NotEmpty(t, issues)
}
