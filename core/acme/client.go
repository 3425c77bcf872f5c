package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/google/uuid"

	"github.com/certgate/certgate/core/certstore"
	"github.com/certgate/certgate/core/logger"
)

// DefaultChallengeTimeout bounds one issuance attempt end to end: order,
// challenge resolution, finalize and download.
const DefaultChallengeTimeout = 5 * time.Minute

// Config holds ACME client settings.
type Config struct {
	// Email is the contact address for the certificate authority account.
	Email string `env:"ACME_EMAIL"`

	// CADirectoryURL points at the ACME directory. Defaults to Let's
	// Encrypt production; switch to the staging URL for test environments.
	CADirectoryURL string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory"`

	// AccountKeyPath is where the ACME account key is persisted so the
	// account is reused across restarts.
	AccountKeyPath string `env:"ACME_ACCOUNT_KEY_PATH"`

	// ChallengeTimeout bounds one issuance attempt.
	ChallengeTimeout time.Duration `env:"ACME_CHALLENGE_TIMEOUT" envDefault:"5m"`
}

// Client obtains certificates from an ACME certificate authority using the
// HTTP-01 challenge published through a Responder. It never writes to the
// certificate store; persisting the returned record is the caller's job,
// which keeps a single writer over the store.
type Client struct {
	cfg    Config
	solver challenge.Provider
	log    *slog.Logger

	factory        clientFactory
	accountKeyGen  func() (crypto.PrivateKey, error)
	keyType        certcrypto.KeyType
	cachedAccount  crypto.PrivateKey
	cachedAccountU string
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for issuance attempts.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithKeyType overrides the key type requested for issued certificates.
// Defaults to ECDSA P-256.
func WithKeyType(kt certcrypto.KeyType) Option {
	return func(c *Client) {
		c.keyType = kt
	}
}

// withClientFactory swaps the lego client construction. Test seam.
func withClientFactory(f clientFactory) Option {
	return func(c *Client) {
		c.factory = f
	}
}

// New creates a Client that solves HTTP-01 challenges via solver.
func New(cfg Config, solver challenge.Provider, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Email) == "" {
		return nil, ErrEmailRequired
	}
	if solver == nil {
		return nil, ErrSolverRequired
	}
	if cfg.CADirectoryURL == "" {
		cfg.CADirectoryURL = lego.LEDirectoryProduction
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = DefaultChallengeTimeout
	}

	c := &Client{
		cfg:     cfg,
		solver:  solver,
		log:     logger.Discard(),
		factory: defaultClientFactory,
		keyType: certcrypto.EC256,
		accountKeyGen: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// IssueOrRenew runs one full issuance for domain and returns the resulting
// record. Failures come back classified: ErrChallengeTimeout,
// ErrAuthorityRejected, ErrNetworkFailure or ErrRateLimited.
func (c *Client) IssueOrRenew(ctx context.Context, domain string) (*certstore.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChallengeTimeout)
	defer cancel()

	log := c.log.With(slog.String("attempt_id", uuid.NewString()), logger.Domain(domain))
	log.Info("starting certificate issuance")

	accountKey, err := c.accountKey()
	if err != nil {
		return nil, fmt.Errorf("acme account key: %w", err)
	}

	user := &accountUser{email: c.cfg.Email, key: accountKey}
	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = c.cfg.CADirectoryURL
	legoCfg.Certificate.KeyType = c.keyType

	client, err := c.factory(legoCfg)
	if err != nil {
		return nil, Classify(fmt.Errorf("create acme client: %w", err))
	}

	if err := client.SetHTTP01Provider(c.solver); err != nil {
		return nil, Classify(fmt.Errorf("configure http-01 solver: %w", err))
	}

	// Register is idempotent against an existing account key: the
	// authority returns the existing account rather than a new one.
	reg, err := c.register(ctx, client)
	if err != nil {
		return nil, err
	}
	user.registration = reg

	res, err := c.obtain(ctx, client, domain)
	if err != nil {
		return nil, err
	}

	leaf, err := certcrypto.ParsePEMCertificate(res.Certificate)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}
	if len(res.PrivateKey) == 0 {
		return nil, fmt.Errorf("%w: empty private key in authority response", ErrAuthorityRejected)
	}

	rec := &certstore.Record{
		Domain:      domain,
		Certificate: res.Certificate,
		PrivateKey:  res.PrivateKey,
		IssuedAt:    leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		AccountURL:  c.cachedAccountU,
	}

	log.Info("certificate issued", logger.NotAfter(rec.NotAfter))
	return rec, nil
}

// register and obtain both run the blocking lego call in a goroutine so the
// attempt can be abandoned when the challenge deadline passes. An abandoned
// attempt changes no shared state; the solver's tokens are cleaned up by
// lego's own deferred CleanUp once the call unwinds.

func (c *Client) register(ctx context.Context, client acmeClient) (*registration.Resource, error) {
	type result struct {
		reg *registration.Resource
		err error
	}
	ch := make(chan result, 1)

	go func() {
		reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		ch <- result{reg: reg, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, Classify(ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, Classify(fmt.Errorf("register account: %w", r.err))
		}
		if r.reg != nil {
			c.cachedAccountU = r.reg.URI
		}
		return r.reg, nil
	}
}

func (c *Client) obtain(ctx context.Context, client acmeClient, domain string) (*certificate.Resource, error) {
	type result struct {
		res *certificate.Resource
		err error
	}
	ch := make(chan result, 1)

	go func() {
		res, err := client.Obtain(certificate.ObtainRequest{
			Domains: []string{domain},
			Bundle:  true,
		})
		ch <- result{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, Classify(ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, Classify(fmt.Errorf("obtain certificate for %s: %w", domain, r.err))
		}
		return r.res, nil
	}
}

// accountKey loads the persisted account key or generates and persists a
// fresh one. Reusing the key is what makes account registration idempotent.
func (c *Client) accountKey() (crypto.PrivateKey, error) {
	if c.cachedAccount != nil {
		return c.cachedAccount, nil
	}

	if c.cfg.AccountKeyPath != "" {
		pemBytes, err := os.ReadFile(c.cfg.AccountKeyPath)
		switch {
		case err == nil:
			key, err := certcrypto.ParsePEMPrivateKey(pemBytes)
			if err != nil {
				return nil, fmt.Errorf("parse account key %s: %w", c.cfg.AccountKeyPath, err)
			}
			c.cachedAccount = key
			return key, nil
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read account key %s: %w", c.cfg.AccountKeyPath, err)
		}
	}

	key, err := c.accountKeyGen()
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}

	if c.cfg.AccountKeyPath != "" {
		pemBytes := certcrypto.PEMEncode(key)
		tmp := c.cfg.AccountKeyPath + ".tmp"
		if err := os.WriteFile(tmp, pemBytes, 0o600); err != nil {
			return nil, fmt.Errorf("write account key: %w", err)
		}
		if err := os.Rename(tmp, c.cfg.AccountKeyPath); err != nil {
			_ = os.Remove(tmp)
			return nil, fmt.Errorf("persist account key: %w", err)
		}
	}

	c.cachedAccount = key
	return key, nil
}

type clientFactory func(*lego.Config) (acmeClient, error)

// acmeClient narrows lego's client surface to what issuance needs, which
// keeps the exchange testable without a live authority.
type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoAdapter{client: client}, nil
}

type legoAdapter struct {
	client *lego.Client
}

func (l *legoAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string                        { return u.email }
func (u *accountUser) GetRegistration() *registration.Resource { return u.registration }
func (u *accountUser) GetPrivateKey() crypto.PrivateKey        { return u.key }
