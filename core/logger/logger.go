package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logger construction settings with environment variable support.
type Config struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"` // text or json
}

// New creates a slog.Logger writing to stderr according to cfg.
// Unknown levels fall back to info, unknown formats to text.
func New(cfg Config, attrs ...slog.Attr) *slog.Logger {
	return NewWithWriter(os.Stderr, cfg, attrs...)
}

// NewWithWriter creates a slog.Logger writing to w according to cfg.
func NewWithWriter(w io.Writer, cfg Config, attrs ...slog.Attr) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	if len(attrs) > 0 {
		handler = handler.WithAttrs(attrs)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops all records. Components accept it as
// the default when no logger is configured.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
