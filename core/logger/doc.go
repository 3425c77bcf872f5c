// Package logger provides slog construction from environment-driven
// configuration plus nil-safe attribute helpers shared across components.
package logger
