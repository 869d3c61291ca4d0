package logging

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// WATERMILL
// =============================================================================

type WatermillLogger struct {
	entry *logrus.Entry
}

var _ watermill.LoggerAdapter = (*WatermillLogger)(nil)

func NewWatermillLogger(logger logrus.FieldLogger) *WatermillLogger {
	return &WatermillLogger{entry: logger.WithFields(logrus.Fields{"component": "watermill"})}
}

func (l *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).WithError(err).Error(msg)
}

func (l *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Info(msg)
}

func (l *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(msg)
}

func (l *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Trace(msg)
}

func (l *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// =============================================================================
// GOCRON
// =============================================================================

type GocronLogger struct {
	entry *logrus.Entry
}

var _ gocron.Logger = (*GocronLogger)(nil)

func NewGocronLogger(logger logrus.FieldLogger) *GocronLogger {
	return &GocronLogger{entry: logger.WithFields(logrus.Fields{"component": "scheduler"})}
}

// gocron passes alternating key/value pairs.
func (l *GocronLogger) with(args []any) *logrus.Entry {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		fields[fmt.Sprint(args[i])] = args[i+1]
	}
	return l.entry.WithFields(fields)
}

func (l *GocronLogger) Debug(msg string, args ...any) { l.with(args).Debug(msg) }
func (l *GocronLogger) Error(msg string, args ...any) { l.with(args).Error(msg) }
func (l *GocronLogger) Info(msg string, args ...any)  { l.with(args).Info(msg) }
func (l *GocronLogger) Warn(msg string, args ...any)  { l.with(args).Warn(msg) }
