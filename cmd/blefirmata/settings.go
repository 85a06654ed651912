package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blefirmata/internal/transport/goble"
	"github.com/srg/blefirmata/pkg/config"
)

// cliLogLevel applies when neither --log-level nor a config file set one.
const cliLogLevel = "warn"

func addGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("transport", "", "Transport to the board (ble, serial)")
	flags.StringP("address", "a", "", "BLE device address")
	flags.StringP("port", "p", "", "Serial port (e.g. /dev/ttyACM0)")
	flags.Int("baud", 0, "Serial baud rate (default 57600)")
	flags.String("profile", "", fmt.Sprintf("BLE UART profile (%s)", strings.Join(goble.ProfileNames(), ", ")))
	flags.Duration("connect-timeout", 0, "Connection timeout (default 10s)")
	flags.Duration("query-timeout", 0, "Timeout for each board query (default 5s)")
}

// loadConfig reads --config and lays the global flags that were set over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if path == "" {
		cfg.LogLevel = cliLogLevel
	}

	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("transport") {
		cfg.Transport, _ = flags.GetString("transport")
	}
	if flags.Changed("address") {
		cfg.BLE.Address, _ = flags.GetString("address")
	}
	if flags.Changed("port") {
		cfg.Serial.Port, _ = flags.GetString("port")
		if !flags.Changed("transport") {
			cfg.Transport = "serial"
		}
	}
	if flags.Changed("baud") {
		cfg.Serial.Baud, _ = flags.GetInt("baud")
	}
	if flags.Changed("profile") {
		cfg.BLE.Profile, _ = flags.GetString("profile")
	}
	if profile := strings.ToLower(strings.TrimSpace(cfg.BLE.Profile)); profile != "" && !slices.Contains(goble.ProfileNames(), profile) {
		return nil, fmt.Errorf("invalid settings: %w: %q (want one of %s)",
			goble.ErrUnknownProfile, cfg.BLE.Profile, strings.Join(goble.ProfileNames(), ", "))
	}
	if flags.Changed("connect-timeout") {
		cfg.ConnectTimeout, _ = flags.GetDuration("connect-timeout")
	}
	if flags.Changed("query-timeout") {
		cfg.QueryTimeout, _ = flags.GetDuration("query-timeout")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return cfg, nil
}

// setup loads the configuration and a logger writing to the command's stderr.
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := configureLogger(cmd, cfg)

	// arguments validated, runtime errors should not print usage
	cmd.SilenceUsage = true
	return cfg, logger, nil
}
