package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	diagMsgKey = "msg"
	bindMsgKey = "bind_msg"
)

// Affinity changes get their own logger, quiet by default, so that a job can
// trace bindings without the rest of the diagnostics.
var (
	logger     = newLogger(logrus.InfoLevel, diagMsgKey)
	bindLogger = newLogger(logrus.WarnLevel, bindMsgKey)
)

func newLogger(level logrus.Level, msgKey string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	l.SetFormatter(newFormatter("text", msgKey))
	return l
}

func newFormatter(format, msgKey string) logrus.Formatter {
	fields := logrus.FieldMap{logrus.FieldKeyMsg: msgKey}
	if format == "json" {
		return &logrus.JSONFormatter{FieldMap: fields}
	}
	return &logrus.TextFormatter{FullTimestamp: true, FieldMap: fields}
}

// GetLogger returns the diagnostics logger.
func GetLogger() *logrus.Logger {
	return logger
}

// GetBindLogger returns the logger used for affinity changes.
func GetBindLogger() *logrus.Logger {
	return bindLogger
}

// Options apply to both loggers. Empty fields keep the current setting.
type Options struct {
	Level  string
	Format string // text or json
	Output io.Writer
}

// Configure validates opts before touching either logger.
func Configure(opts Options) error {
	var level logrus.Level
	if opts.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(opts.Level); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}
	format := strings.ToLower(opts.Format)
	if format != "" && format != "text" && format != "json" {
		return fmt.Errorf("unknown log format %q", opts.Format)
	}

	if opts.Level != "" {
		logger.SetLevel(level)
		bindLogger.SetLevel(level)
	}
	if format != "" {
		logger.SetFormatter(newFormatter(format, diagMsgKey))
		bindLogger.SetFormatter(newFormatter(format, bindMsgKey))
	}
	if opts.Output != nil {
		logger.SetOutput(opts.Output)
		bindLogger.SetOutput(opts.Output)
	}
	return nil
}

// Reset restores the startup configuration.
func Reset() {
	for _, l := range []struct {
		log    *logrus.Logger
		level  logrus.Level
		msgKey string
	}{
		{logger, logrus.InfoLevel, diagMsgKey},
		{bindLogger, logrus.WarnLevel, bindMsgKey},
	} {
		l.log.SetOutput(os.Stderr)
		l.log.SetLevel(l.level)
		l.log.SetFormatter(newFormatter("text", l.msgKey))
	}
}
