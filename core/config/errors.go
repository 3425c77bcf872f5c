package config

import "errors"

var (
	// ErrNilConfig is returned when a nil configuration pointer is passed to Load.
	ErrNilConfig = errors.New("config: nil configuration pointer")

	// ErrParseFailed is returned when environment variables cannot be parsed
	// into the configuration struct.
	ErrParseFailed = errors.New("config: failed to parse environment")
)
