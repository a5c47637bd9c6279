package logrus

import (
	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/sirupsen/logrus"
)

// logrus implementation of logger.Logger interface.
type Logger struct {
	Entry *logrus.Entry
}

var _ logger.Logger = (*Logger)(nil)

// New wraps a logrus logger. A nil logger falls back to the standard one.
func New(l *logrus.Logger) *Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logger{Entry: logrus.NewEntry(l)}
}

func (l *Logger) Debug(msg string) {
	l.Entry.Debug(msg)
}

func (l *Logger) Warn(msg string) {
	l.Entry.Warn(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Entry.WithError(err).Error(msg)
}

func (l *Logger) Info(msg string) {
	l.Entry.Info(msg)
}

// With returns a child logger tagged with the component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", component)}
}
