package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/certgate/certgate/core/acme"
	"github.com/certgate/certgate/core/health"
	"github.com/certgate/certgate/core/logger"
)

// Proxy terminates TLS with the active certificate and forwards everything
// except the ACME challenge path to a single upstream. It starts in
// HTTP-only mode; the HTTPS listener comes up on the first successful
// ReloadCertificate and the certificate can be swapped at any time without
// dropping connections.
type Proxy struct {
	cfg       Config
	log       *slog.Logger
	challenge http.Handler
	upstream  *httputil.ReverseProxy
	readiness []func(context.Context) error

	tlsContext tlsContext
	httpsReady chan struct{}
	enableOnce sync.Once

	mu          sync.Mutex
	running     bool
	httpServer  *http.Server
	httpsServer *http.Server
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger for proxy operations and request logging.
func WithLogger(log *slog.Logger) Option {
	return func(p *Proxy) {
		p.log = log
	}
}

// WithReadinessChecks adds checks behind the /readyz endpoint.
func WithReadinessChecks(checks ...func(context.Context) error) Option {
	return func(p *Proxy) {
		p.readiness = append(p.readiness, checks...)
	}
}

// New creates a Proxy forwarding to cfg.Upstream, with the challenge
// handler mounted under the ACME well-known path on both listeners.
func New(cfg Config, challenge http.Handler, opts ...Option) (*Proxy, error) {
	if strings.TrimSpace(cfg.Upstream) == "" {
		return nil, ErrUpstreamRequired
	}
	if _, _, err := net.SplitHostPort(cfg.Upstream); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidUpstream, cfg.Upstream, err)
	}
	if challenge == nil {
		challenge = http.NotFoundHandler()
	}
	cfg.applyDefaults()

	p := &Proxy{
		cfg:        cfg,
		log:        logger.Discard(),
		challenge:  challenge,
		httpsReady: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.upstream = p.newUpstreamProxy()

	return p, nil
}

// newUpstreamProxy builds the reverse proxy to the configured upstream.
// Method, headers and body pass through unchanged; responses stream back
// without buffering. Upstream failures answer 502 and never touch TLS state.
func (p *Proxy) newUpstreamProxy() *httputil.ReverseProxy {
	target := &url.URL{Scheme: "http", Host: p.cfg.Upstream}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.FlushInterval = -1
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.log.Error("upstream unreachable",
			slog.String("upstream", p.cfg.Upstream),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.RequestID(middleware.GetReqID(r.Context())),
			logger.Error(err),
		)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	return rp
}

// router builds the handler shared by both listeners. The challenge path is
// reserved for the responder, health endpoints answer locally, everything
// else goes to the upstream.
func (p *Proxy) router(secure bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(p.logRequests)

	r.Handle(acme.ChallengePathPrefix+"*", p.challenge)
	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(p.log, p.readiness...))

	forward := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !secure && p.cfg.RedirectHTTP && p.CertificateLoaded() {
			target := "https://" + req.Host + req.URL.RequestURI()
			http.Redirect(w, req, target, http.StatusMovedPermanently)
			return
		}
		p.upstream.ServeHTTP(w, req)
	})
	r.Handle("/*", forward)

	return r
}

func (p *Proxy) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		p.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			logger.RequestID(middleware.GetReqID(r.Context())),
			logger.Duration(time.Since(start)),
		)
	})
}

// Run starts the HTTP listener immediately and the HTTPS listener once the
// first certificate is loaded, then blocks until ctx is canceled or a
// listener fails. Shutdown is graceful within the configured timeout.
func (p *Proxy) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true

	p.httpServer = &http.Server{
		Addr:           p.cfg.HTTPAddr,
		Handler:        p.router(false),
		ReadTimeout:    p.cfg.ReadTimeout,
		WriteTimeout:   p.cfg.WriteTimeout,
		IdleTimeout:    p.cfg.IdleTimeout,
		MaxHeaderBytes: p.cfg.MaxHeaderBytes,
	}
	p.httpsServer = &http.Server{
		Addr:           p.cfg.HTTPSAddr,
		Handler:        p.router(true),
		TLSConfig:      p.newTLSConfig(),
		ReadTimeout:    p.cfg.ReadTimeout,
		WriteTimeout:   p.cfg.WriteTimeout,
		IdleTimeout:    p.cfg.IdleTimeout,
		MaxHeaderBytes: p.cfg.MaxHeaderBytes,
	}
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.log.Info("starting HTTP listener", slog.String("addr", p.cfg.HTTPAddr))
		if err := p.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-p.httpsReady:
		}
		p.log.Info("starting HTTPS listener", slog.String("addr", p.cfg.HTTPSAddr))
		if err := p.httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("https listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return p.shutdown()
	})

	return g.Wait()
}

func (p *Proxy) shutdown() error {
	p.log.Info("shutting down listeners")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer cancel()

	httpErr := p.httpServer.Shutdown(shutdownCtx)
	httpsErr := p.httpsServer.Shutdown(shutdownCtx)

	if httpErr != nil {
		return fmt.Errorf("http shutdown: %w", httpErr)
	}
	if httpsErr != nil {
		return fmt.Errorf("https shutdown: %w", httpsErr)
	}

	p.log.Info("listeners shut down")
	return nil
}
