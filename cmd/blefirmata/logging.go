package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blefirmata/pkg/config"
)

// configureLogger builds the logger for a command run. Log lines go to the command's
// stderr so they never mix with json/yaml output.
func configureLogger(cmd *cobra.Command, cfg *config.Config) *logrus.Logger {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		logger.WithFields(logrus.Fields{
			"transport": cfg.Transport,
			"target":    cfg.Target(),
			"command":   cmd.CommandPath(),
		}).Debug("Configuration loaded")
	}
	return logger
}
