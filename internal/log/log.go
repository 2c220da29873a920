package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger = newLogger(os.Getenv("LOG_LEVEL"))

func newLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(ParseLevel(level))
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// ParseLevel maps LOG_LEVEL values (DEBUG, INFO, WARN, ERROR) to a logrus level.
// Unknown or empty values fall back to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return logrus.DebugLevel
	case "WARN", "WARNING":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}

// SetLevel changes the shared logger's level, e.g. from a config file
func SetLevel(level string) {
	logger.SetLevel(ParseLevel(level))
}

// SetJSON switches the shared logger to JSON output
func SetJSON(enabled bool) {
	if enabled {
		logger.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
