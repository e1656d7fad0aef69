// Package logging wraps logrus behind a package-level logger and a Printf
// helper keyed by a small level enum, instead of scattering log.WithFields
// calls across every call site.
package logging

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Level is a small severity enum passed to Printf call sites in place of
// logrus's own level type.
type Level int

const (
	LvlDbg Level = iota
	LvlInfo
	LvlWarn
	LvlErr
)

var base = logrus.New()

// Logger is a structured logger scoped to a stage (store, probe, proxyadmin,
// reconciler) with optional persistent fields such as the current tick id.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger for the given stage name, tagged with a "stage" field
// so log lines can be filtered by subsystem (store, probe, proxyadmin,
// reconciler).
func New(stage string) *Logger {
	return &Logger{entry: base.WithField("stage", stage)}
}

// WithTick returns a copy of l tagged with a tick correlation id so every
// log line from one reconciliation pass can be grepped together.
func (l *Logger) WithTick(tickID string) *Logger {
	return &Logger{entry: l.entry.WithField("tick", tickID)}
}

// WithField returns a copy of l with an additional structured field, e.g.
// node, host, or error.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Printf(lvl Level, format string, args ...interface{}) {
	switch lvl {
	case LvlDbg:
		l.entry.Debugf(format, args...)
	case LvlInfo:
		l.entry.Infof(format, args...)
	case LvlWarn:
		l.entry.Warnf(format, args...)
	case LvlErr:
		l.entry.Errorf(format, args...)
	default:
		l.entry.Infof(format, args...)
	}
}

// NewTickID returns a fresh correlation id for one reconciliation tick.
func NewTickID() string {
	return uuid.NewString()
}

// SetLevel adjusts the base logger's verbosity (wired from config at
// startup; logrus itself defines the level vocabulary we accept).
func SetLevel(debug bool) {
	if debug {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// SetJSONFormatter switches to logrus's JSON formatter for production log
// shipping. The coordinator's main does not call it, so its logs use
// logrus's default text formatter.
func SetJSONFormatter() {
	base.SetFormatter(&logrus.JSONFormatter{})
}
