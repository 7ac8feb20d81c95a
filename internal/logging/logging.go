// Package logging defines the category-tagged logger interface shared by
// every component of the gateway.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the interface every component depends on. It never exposes the
// backing implementation, so a Connection or Entity can be tested with a
// no-op or recording Logger without pulling in logrus.
type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
}

// logrusLogger implements Logger on top of a logrus.Entry tagged with a
// "component" field instead of a bracketed string prefix.
type logrusLogger struct {
	entry *logrus.Entry
}

// New returns a Logger backed by logrus, tagged with category under the
// "component" field. An empty category yields an untagged logger.
func New(category string) Logger {
	base := logrus.StandardLogger()
	if category == "" {
		return &logrusLogger{entry: logrus.NewEntry(base)}
	}
	return &logrusLogger{entry: base.WithField("component", category)}
}

// NewWithLogger wraps an existing *logrus.Logger, tagged with category.
// Used by cmd/gateway so every component shares one configured logrus
// instance (level, formatter, output) instead of each constructing its own.
func NewWithLogger(base *logrus.Logger, category string) Logger {
	if category == "" {
		return &logrusLogger{entry: logrus.NewEntry(base)}
	}
	return &logrusLogger{entry: base.WithField("component", category)}
}

func (l *logrusLogger) Debug(format string, v ...any) { l.entry.Debugf(format, v...) }
func (l *logrusLogger) Info(format string, v ...any)  { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warn(format string, v ...any)  { l.entry.Warnf(format, v...) }
func (l *logrusLogger) Error(format string, v ...any) { l.entry.Errorf(format, v...) }

// Nop is a Logger that discards everything. Useful as a test default so
// components never need a nil check before logging.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
