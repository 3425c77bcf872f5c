package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/certgate/certgate/core/acme"
	"github.com/certgate/certgate/core/bootstrap"
	"github.com/certgate/certgate/core/certstore"
	"github.com/certgate/certgate/core/config"
	"github.com/certgate/certgate/core/logger"
	"github.com/certgate/certgate/core/proxy"
	"github.com/certgate/certgate/core/renewal"
)

type appConfig struct {
	// CertDir is the root of all persisted certificate state.
	CertDir string `env:"CERT_DIR" envDefault:"/var/lib/certgate/certs"`

	Logger    logger.Config
	ACME      acme.Config
	Proxy     proxy.Config
	Renewal   renewal.Config
	Bootstrap bootstrap.Config
}

func main() {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logger, slog.String("app", "certgate"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("fatal", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	if strings.TrimSpace(cfg.Bootstrap.Domain) == "" {
		return bootstrap.ErrDomainRequired
	}

	store, err := certstore.New(cfg.CertDir,
		certstore.WithLogger(log.With(logger.Component("certstore"))),
	)
	if err != nil {
		return err
	}

	responder := acme.NewResponder(
		acme.WithResponderLogger(log.With(logger.Component("acme"))),
	)

	if cfg.ACME.AccountKeyPath == "" {
		cfg.ACME.AccountKeyPath = filepath.Join(cfg.CertDir, "acme-account.key")
	}
	client, err := acme.New(cfg.ACME, responder,
		acme.WithLogger(log.With(logger.Component("acme"))),
	)
	if err != nil {
		return err
	}

	// Ready once a certificate is active. When the operator opted into
	// HTTP-only degradation, process-up is good enough.
	var gateway *proxy.Proxy
	gateway, err = proxy.New(cfg.Proxy, responder,
		proxy.WithLogger(log.With(logger.Component("proxy"))),
		proxy.WithReadinessChecks(func(context.Context) error {
			if gateway.CertificateLoaded() || !cfg.Bootstrap.RequireInitialCertificate {
				return nil
			}
			return errors.New("certificate not yet active")
		}),
	)
	if err != nil {
		return err
	}

	scheduler, err := renewal.New(cfg.Renewal, store, client, gateway,
		[]string{cfg.Bootstrap.Domain},
		renewal.WithLogger(log.With(logger.Component("renewal"))),
	)
	if err != nil {
		return err
	}

	controller, err := bootstrap.New(cfg.Bootstrap, store, client, gateway, scheduler,
		bootstrap.WithLogger(log.With(logger.Component("bootstrap"))),
	)
	if err != nil {
		return err
	}

	log.Info("starting",
		logger.Domain(cfg.Bootstrap.Domain),
		slog.String("upstream", cfg.Proxy.Upstream),
		slog.String("cert_dir", cfg.CertDir),
	)

	return controller.Run(ctx)
}
