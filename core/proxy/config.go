package proxy

import "time"

// Config holds proxy listener and upstream settings with environment
// variable support.
type Config struct {
	// Upstream is the single host:port the proxy forwards to.
	Upstream string `env:"UPSTREAM"`

	// HTTPAddr is the plain HTTP listen address.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":80"`

	// HTTPSAddr is the TLS listen address.
	HTTPSAddr string `env:"HTTPS_ADDR" envDefault:":443"`

	// RedirectHTTP redirects non-challenge plain-HTTP traffic to HTTPS once
	// a certificate is active. Off by default: plain HTTP is forwarded to
	// the upstream the same way HTTPS traffic is.
	RedirectHTTP bool `env:"REDIRECT_HTTP" envDefault:"false"`

	ReadTimeout     time.Duration `env:"PROXY_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"PROXY_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"PROXY_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"PROXY_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxHeaderBytes  int           `env:"PROXY_MAX_HEADER_BYTES" envDefault:"1048576"`
}

const (
	// DefaultReadTimeout is the default timeout for reading the request.
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default timeout for writing the response.
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default timeout for idle connections.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum size of request headers.
	DefaultMaxHeaderBytes = 1 << 20 // 1 MB
)

func (cfg *Config) applyDefaults() {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":80"
	}
	if cfg.HTTPSAddr == "" {
		cfg.HTTPSAddr = ":443"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
}
