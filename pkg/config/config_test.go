package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, logrus.InfoLevel, cfg.Level())
	assert.Equal(t, "ble", cfg.Transport)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.Equal(t, "text", cfg.OutputFormat)
	assert.Equal(t, "redbear", cfg.BLE.Profile)
	assert.Equal(t, 20, cfg.BLE.ChunkSize)
	assert.Equal(t, 10*time.Millisecond, cfg.BLE.ChunkDelay)
	assert.Equal(t, 4096, cfg.BLE.BufferSize)
	assert.Equal(t, 57600, cfg.Serial.Baud)
	assert.False(t, cfg.Handshake.QueryPinStates)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: "debug",
			expected: logrus.DebugLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: "warn",
			expected: logrus.WarnLevel,
		},
		{
			name:     "falls back to info on unknown level",
			logLevel: "chatty",
			expected: logrus.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blefirmata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
transport: serial
query_timeout: 2s
serial:
  port: /dev/ttyACM0
ble:
  profile: nus
handshake:
  query_pin_states: true
  sampling_interval: 50ms
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.Equal(t, "serial", cfg.Transport)
	assert.Equal(t, 2*time.Second, cfg.QueryTimeout)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, "/dev/ttyACM0", cfg.Target())
	assert.Equal(t, 57600, cfg.Serial.Baud, "unset fields keep their defaults")
	assert.Equal(t, "nus", cfg.BLE.Profile)
	assert.Equal(t, 20, cfg.BLE.ChunkSize)
	assert.True(t, cfg.Handshake.QueryPinStates)
	assert.Equal(t, 50*time.Millisecond, cfg.Handshake.SamplingInterval)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("log_level: [oops"), 0o600))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "failed to parse config")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("transport: usb\n"), 0o600))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "invalid config")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{
			name:   "json format is valid",
			mutate: func(c *Config) { c.OutputFormat = "json" },
			valid:  true,
		},
		{
			name:   "yaml format is valid",
			mutate: func(c *Config) { c.OutputFormat = "yaml" },
			valid:  true,
		},
		{
			name:   "unknown format",
			mutate: func(c *Config) { c.OutputFormat = "xml" },
			valid:  false,
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.LogLevel = "loud" },
			valid:  false,
		},
		{
			name: "serial needs a baud rate",
			mutate: func(c *Config) {
				c.Transport = "serial"
				c.Serial.Baud = 0
			},
			valid: false,
		},
		{
			name:   "zero chunk size",
			mutate: func(c *Config) { c.BLE.ChunkSize = 0 },
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
