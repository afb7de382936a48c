// Package logging holds the shared logrus logger used by every engine package.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Subsys is the field key naming the package that emitted a log line.
const Subsys = "subsys"

const (
	FormatText = "text"
	FormatJSON = "json"

	DefaultLevel = logrus.InfoLevel
)

// DefaultLogger is the base logger. It is separate from the logrus standard
// logger so that libraries writing to logrus directly do not end up in our output.
var DefaultLogger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(GetFormatter(FormatText))
	logger.SetLevel(DefaultLevel)
	return logger
}

// GetFormatter returns the logrus formatter for the given format name.
// Unknown names fall back to text.
func GetFormatter(format string) logrus.Formatter {
	switch strings.ToLower(format) {
	case FormatJSON:
		return &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
	default:
		return &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}
	}
}

// SetupLogging applies level and format to DefaultLogger.
func SetupLogging(level, format string) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		DefaultLogger.SetLevel(lvl)
	}
	DefaultLogger.SetFormatter(GetFormatter(format))
	return nil
}

// SetOutput redirects DefaultLogger, mostly for tests.
func SetOutput(w io.Writer) {
	DefaultLogger.SetOutput(w)
}
