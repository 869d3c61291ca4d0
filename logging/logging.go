/*
Package logging configures logrus and carries request-scoped loggers.

PURPOSE:
  One place to set level and format, plus helpers to stash a
  *logrus.Entry (with request_id / correlation_id fields) in a context so
  services deep in a call chain log with the right fields.

ADAPTERS:
  - WatermillLogger: logrus behind watermill.LoggerAdapter (event router)
  - GocronLogger:    logrus behind gocron.Logger (expiry sweep scheduler)

USAGE:
  if err := logging.Init("info", "json"); err != nil { ... }
  ctx = logging.ToContext(ctx, logrus.WithField("request_id", id))
  logging.FromContext(ctx).Info("order created")
*/
package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Init sets the global logrus level and formatter. format is "text" or "json".
func Init(level, format string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// =============================================================================
// CONTEXT
// =============================================================================

type ctxKey int

const (
	loggerKey ctxKey = iota
	correlationIDKey
)

func ToContext(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey, entry)
}

// FromContext returns the entry stored by ToContext, or a standard logger entry.
func FromContext(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey).(*logrus.Entry); ok {
		return entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}
