package observability

import (
	"log/slog"

	"github.com/getsentry/sentry-go"
)

// NewSentryHub initializes the process-wide Sentry client and returns a hub
// bound to it. If dsn is empty, Sentry is left disabled and the returned hub
// reports nothing (NewCoreLogger treats a nil hub the same way, but callers
// that want to share one hub across multiple CoreLoggers can use this).
func NewSentryHub(dsn, release, environment string) *sentry.Hub {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		Release:          release,
		Environment:      environment,
		BeforeSend:       RemoveLoggerFrames,
	})
	if err != nil {
		slog.Error("observability: failed to initialize sentry", "err", err)
		return nil
	}
	if dsn == "" {
		return nil
	}
	return sentry.CurrentHub().Clone()
}
