package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blefirmata/internal/transport"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	Transport      string        `yaml:"transport" default:"ble"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	QueryTimeout   time.Duration `yaml:"query_timeout" default:"5s"`
	OutputFormat   string        `yaml:"output_format" default:"text"`

	BLE       BLEConfig       `yaml:"ble"`
	Serial    SerialConfig    `yaml:"serial"`
	Handshake HandshakeConfig `yaml:"handshake"`
}

type BLEConfig struct {
	Address    string        `yaml:"address"`
	Profile    string        `yaml:"profile" default:"redbear"`
	ChunkSize  int           `yaml:"chunk_size" default:"20"`
	ChunkDelay time.Duration `yaml:"chunk_delay" default:"10ms"`
	BufferSize int           `yaml:"buffer_size" default:"4096"`
}

type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud" default:"57600"`
}

// HandshakeConfig controls what is queried right after connecting.
type HandshakeConfig struct {
	QueryPinStates   bool          `yaml:"query_pin_states"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
}

var OutputFormats = []string{"text", "json", "yaml"}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerated fields and the transport target.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	kind, err := transport.ParseKind(c.Transport)
	if err != nil {
		return err
	}
	if !isOutputFormat(c.OutputFormat) {
		return fmt.Errorf("unknown output format %q (want one of %s)", c.OutputFormat, strings.Join(OutputFormats, ", "))
	}
	if kind == transport.KindSerial && c.Serial.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Serial.Baud)
	}
	if c.BLE.ChunkSize <= 0 {
		return fmt.Errorf("invalid BLE chunk size %d", c.BLE.ChunkSize)
	}
	return nil
}

// Target returns the address or port the configured transport connects to.
func (c *Config) Target() string {
	if kind, _ := transport.ParseKind(c.Transport); kind == transport.KindSerial {
		return c.Serial.Port
	}
	return c.BLE.Address
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func isOutputFormat(format string) bool {
	for _, f := range OutputFormats {
		if f == format {
			return true
		}
	}
	return false
}
