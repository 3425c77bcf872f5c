package proxy

import "errors"

var (
	// ErrUpstreamRequired is returned when no upstream address is configured.
	ErrUpstreamRequired = errors.New("proxy: upstream address is required")

	// ErrInvalidUpstream is returned when the upstream address is not a
	// valid host:port.
	ErrInvalidUpstream = errors.New("proxy: invalid upstream address")

	// ErrNoCertificate is returned to handshakes arriving before any
	// certificate has been loaded.
	ErrNoCertificate = errors.New("proxy: no certificate loaded")

	// ErrInvalidCertificate is returned when a reload is attempted with a
	// record whose key pair does not parse.
	ErrInvalidCertificate = errors.New("proxy: invalid certificate record")

	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("proxy: already running")
)
