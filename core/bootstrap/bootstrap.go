package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/certgate/certgate/core/certstore"
	"github.com/certgate/certgate/core/logger"
)

// Proxy is the listener surface the controller drives. Satisfied by
// proxy.Proxy.
type Proxy interface {
	Run(ctx context.Context) error
	ReloadCertificate(rec *certstore.Record) error
}

// Issuer runs one certificate issuance. Satisfied by acme.Client.
type Issuer interface {
	IssueOrRenew(ctx context.Context, domain string) (*certstore.Record, error)
}

// Scheduler is the background renewal loop. Satisfied by renewal.Scheduler.
type Scheduler interface {
	Start(ctx context.Context) error
}

// Config holds bootstrap policy with environment variable support.
type Config struct {
	// Domain is the hostname served by the proxy. Immutable for the
	// process lifetime.
	Domain string `env:"DOMAIN"`

	// RequireInitialCertificate makes a failed first issuance fatal when no
	// stored certificate is usable. Matches restart-on-failure process
	// supervision; disable to stay up HTTP-only and let the scheduler retry.
	RequireInitialCertificate bool `env:"REQUIRE_INITIAL_CERTIFICATE" envDefault:"true"`
}

// ErrDomainRequired is returned when no domain is configured.
var ErrDomainRequired = errors.New("bootstrap: domain is required")

// ErrFirstIssuanceFailed wraps a fatal first-boot issuance failure.
var ErrFirstIssuanceFailed = errors.New("bootstrap: first certificate issuance failed")

// Controller resolves the startup circular dependency: issuance needs the
// domain reachable over HTTP, which needs the proxy running, which needs a
// certificate before it can serve HTTPS. It starts the proxy HTTP-only,
// obtains or loads a certificate, activates it, then hands renewal to the
// scheduler.
type Controller struct {
	cfg    Config
	store  *certstore.Store
	issuer Issuer
	proxy  Proxy
	sched  Scheduler
	log    *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for bootstrap progress.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// New creates a Controller. The scheduler may be nil, in which case renewal
// is left to an external process.
func New(cfg Config, store *certstore.Store, issuer Issuer, proxy Proxy, sched Scheduler, opts ...Option) (*Controller, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, ErrDomainRequired
	}
	if store == nil || issuer == nil || proxy == nil {
		return nil, errors.New("bootstrap: store, issuer and proxy are required")
	}

	c := &Controller{
		cfg:    cfg,
		store:  store,
		issuer: issuer,
		proxy:  proxy,
		sched:  sched,
		log:    logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Run starts the proxy and blocks until ctx is canceled or a listener
// fails. HTTPS comes up as soon as a certificate is available: immediately
// when a valid record is on disk, after first issuance otherwise.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.proxy.Run(ctx)
	})

	g.Go(func() error {
		if err := c.activateCertificate(ctx); err != nil {
			return err
		}
		if c.sched != nil {
			if err := c.sched.Start(ctx); err != nil {
				return fmt.Errorf("start renewal scheduler: %w", err)
			}
		}
		return c.watchStore(ctx)
	})

	return g.Wait()
}

// activateCertificate loads the stored record or obtains the first one.
func (c *Controller) activateCertificate(ctx context.Context) error {
	rec, err := c.store.Load(c.cfg.Domain)
	switch {
	case err == nil && c.store.TimeUntilExpiry(rec) > 0:
		c.log.Info("using stored certificate", logger.Domain(rec.Domain), logger.NotAfter(rec.NotAfter))
		return c.proxy.ReloadCertificate(rec)

	case err == nil:
		c.log.Warn("stored certificate expired, re-issuing",
			logger.Domain(rec.Domain), logger.NotAfter(rec.NotAfter))

	case errors.Is(err, certstore.ErrNotFound):
		c.log.Info("no stored certificate, starting first issuance", logger.Domain(c.cfg.Domain))

	case errors.Is(err, certstore.ErrCorruptRecord):
		c.log.Warn("stored certificate corrupt, re-issuing", logger.Domain(c.cfg.Domain), logger.Error(err))

	default:
		return fmt.Errorf("load stored certificate: %w", err)
	}

	// The proxy's HTTP listener is binding concurrently. The authority
	// only dials back after several round-trips of the order exchange, so
	// the challenge path is reachable by the time validation happens.
	rec, err = c.issuer.IssueOrRenew(ctx, c.cfg.Domain)
	if err != nil {
		if c.cfg.RequireInitialCertificate {
			return fmt.Errorf("%w: %w", ErrFirstIssuanceFailed, err)
		}
		c.log.Error("first issuance failed, serving HTTP only until renewal succeeds",
			logger.Domain(c.cfg.Domain), logger.Error(err))
		return nil
	}

	if err := c.store.Save(rec); err != nil {
		return fmt.Errorf("persist first certificate: %w", err)
	}
	return c.proxy.ReloadCertificate(rec)
}

// watchStore reloads the proxy when the record is replaced on disk
// out-of-band, e.g. by an operator installing a certificate manually.
func (c *Controller) watchStore(ctx context.Context) error {
	updates, err := c.store.Watch(ctx, c.cfg.Domain)
	if err != nil {
		// Watching is best-effort; renewal and startup paths do not
		// depend on it.
		c.log.Warn("certificate watch unavailable", logger.Domain(c.cfg.Domain), logger.Error(err))
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-updates:
			if !ok {
				return nil
			}
			// Saves from this process also land here; the extra reload
			// is an idempotent pointer swap.
			rec, err := c.store.Load(c.cfg.Domain)
			if err != nil {
				c.log.Warn("ignoring unreadable certificate update",
					logger.Domain(c.cfg.Domain), logger.Error(err))
				continue
			}
			if time.Until(rec.NotAfter) <= 0 {
				c.log.Warn("ignoring expired certificate update",
					logger.Domain(c.cfg.Domain), logger.NotAfter(rec.NotAfter))
				continue
			}
			if err := c.proxy.ReloadCertificate(rec); err != nil {
				c.log.Error("reload after certificate update failed",
					logger.Domain(c.cfg.Domain), logger.Error(err))
			}
		}
	}
}
