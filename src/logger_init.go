package main

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const logFormatEnv = "PORTAL_KEEPER_LOG_FORMAT"

// InitializeGlobalLogger configures logrus for the whole daemon. Output goes
// to stderr, where the service manager collects it. Setting
// PORTAL_KEEPER_LOG_FORMAT=json switches to one JSON object per line.
func InitializeGlobalLogger(logLevel string) logrus.Level {
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(logLevel)))
	if err != nil {
		level = logrus.InfoLevel
		logrus.WithError(err).Warn("Failed to parse log level, defaulting to info")
	}

	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	if strings.EqualFold(os.Getenv(logFormatEnv), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	logrus.WithField("log_level", level.String()).Info("Global logger initialized")
	return level
}
