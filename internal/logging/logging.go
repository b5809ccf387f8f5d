package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger shared across packages.
type Logger = *logrus.Logger

// Fields represents structured logging fields.
type Fields = logrus.Fields

// New creates a JSON logger at the given level ("debug", "info", "warn", "error").
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(parseLevel(level))
	return logger
}

// NewWithService returns an entry tagged with the service name.
func NewWithService(service, level string) *logrus.Entry {
	return New(level).WithField("service", service)
}

// Discard returns a logger that drops everything; for tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
