package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger creates a logger from the --log-level flag, falling back to
// the config file's level when the flag is unset.
func configureLogger(cmd *cobra.Command, configLevel string) (*logrus.Logger, error) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	if levelStr == "" {
		levelStr = configLevel
	}
	if levelStr == "" {
		levelStr = "info"
	}

	var level logrus.Level
	switch levelStr {
	case "debug":
		level = logrus.DebugLevel
	case "info":
		level = logrus.InfoLevel
	case "warn":
		level = logrus.WarnLevel
	case "error":
		level = logrus.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
