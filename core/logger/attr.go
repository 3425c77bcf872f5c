package logger

import (
	"log/slog"
	"time"
)

// Attribute helpers use the empty Attr pattern for nil safety, so calls like
// log.Info("msg", logger.Error(err)) need no explicit nil checks.

// Error creates an attribute for a single error under the key "error".
// Returns an empty Attr for nil errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Duration creates an attribute for a duration.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Domain creates an attribute for the domain a certificate operation targets.
func Domain(domain string) slog.Attr {
	return slog.String("domain", domain)
}

// Component creates an attribute for component names.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Attempt creates an attribute for retry attempt counters.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// NotAfter creates an attribute for certificate expiry timestamps.
func NotAfter(t time.Time) slog.Attr {
	return slog.Time("not_after", t)
}

// RequestID creates an attribute for HTTP request IDs.
// Returns an empty Attr for empty IDs.
func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}
