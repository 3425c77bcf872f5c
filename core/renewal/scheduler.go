package renewal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/certgate/certgate/core/acme"
	"github.com/certgate/certgate/core/certstore"
	"github.com/certgate/certgate/core/logger"
)

// State is the per-domain renewal state.
type State int

const (
	StateIdle State = iota
	StateDue
	StateRenewing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDue:
		return "due"
	case StateRenewing:
		return "renewing"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Issuer runs one certificate issuance. Satisfied by acme.Client.
type Issuer interface {
	IssueOrRenew(ctx context.Context, domain string) (*certstore.Record, error)
}

// Reloader activates a freshly issued record. Satisfied by proxy.Proxy.
type Reloader interface {
	ReloadCertificate(rec *certstore.Record) error
}

// Config holds renewal policy with environment variable support.
type Config struct {
	// CheckEvery is the periodic check cadence. Coarse on purpose: a
	// restarted process recomputes everything from stored expiry, so
	// nothing is lost to scheduling slack.
	CheckEvery time.Duration `env:"RENEWAL_CHECK_EVERY" envDefault:"1h"`

	// Window is the fixed time-before-expiry that makes a certificate due.
	// Zero means one third of the certificate's total validity.
	Window time.Duration `env:"RENEWAL_WINDOW" envDefault:"0"`

	// BackoffBase seeds the exponential retry delay after a failure.
	BackoffBase time.Duration `env:"RENEWAL_BACKOFF_BASE" envDefault:"1m"`

	// RateLimitedBackoffBase replaces BackoffBase when the authority rate
	// limits us; it must be larger than BackoffBase.
	RateLimitedBackoffBase time.Duration `env:"RENEWAL_RATELIMITED_BACKOFF_BASE" envDefault:"1h"`

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `env:"RENEWAL_BACKOFF_MAX" envDefault:"24h"`
}

func (cfg *Config) applyDefaults() {
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = time.Hour
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.RateLimitedBackoffBase <= cfg.BackoffBase {
		cfg.RateLimitedBackoffBase = 60 * cfg.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 24 * time.Hour
	}
}

// task is the mutable per-domain renewal bookkeeping. One task per domain;
// at most one outstanding issuance per domain at any time.
type task struct {
	state    State
	attempts int
	retryAt  time.Time
}

// Scheduler watches the store and re-issues certificates before they
// expire. Failures never propagate out of the scheduler; they become
// backoff scheduling.
type Scheduler struct {
	cfg      Config
	store    *certstore.Store
	issuer   Issuer
	reloader Reloader
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	tasks   map[string]*task
	started bool
	cron    *cron.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for scheduling decisions.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// WithClock overrides the time source. Primarily useful for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler for the given domains.
func New(cfg Config, store *certstore.Store, issuer Issuer, reloader Reloader, domains []string, opts ...Option) (*Scheduler, error) {
	if store == nil || issuer == nil || reloader == nil {
		return nil, ErrNilDependency
	}
	if len(domains) == 0 {
		return nil, ErrNoDomains
	}
	cfg.applyDefaults()

	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		issuer:   issuer,
		reloader: reloader,
		log:      logger.Discard(),
		now:      time.Now,
		tasks:    make(map[string]*task, len(domains)),
	}
	for _, domain := range domains {
		s.tasks[domain] = &task{state: StateIdle}
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start runs the periodic check until ctx is canceled. An immediate check
// runs first so a process restarted near expiry does not wait a full
// interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.cron = cron.New()
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.CheckEvery), func() {
		s.CheckNow(ctx)
	}); err != nil {
		return fmt.Errorf("schedule renewal check: %w", err)
	}

	s.CheckNow(ctx)
	s.cron.Start()

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()

	return nil
}

// CheckNow evaluates every domain once. Safe to call concurrently with the
// periodic check; a domain mid-renewal is left alone.
func (s *Scheduler) CheckNow(ctx context.Context) {
	for domain := range s.tasks {
		s.evaluate(ctx, domain)
	}
}

// StateOf reports the current renewal state for a domain.
func (s *Scheduler) StateOf(domain string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[domain]; ok {
		return t.state
	}
	return StateIdle
}

func (s *Scheduler) evaluate(ctx context.Context, domain string) {
	s.mu.Lock()
	t := s.tasks[domain]
	switch t.state {
	case StateRenewing:
		s.mu.Unlock()
		return
	case StateBackoff:
		if s.now().Before(t.retryAt) {
			s.mu.Unlock()
			return
		}
		t.state = StateDue
	}
	s.mu.Unlock()

	due, reason := s.isDue(domain)
	if !due {
		s.mu.Lock()
		if t.state != StateRenewing {
			t.state = StateIdle
			t.attempts = 0
		}
		s.mu.Unlock()
		return
	}

	// Claim the renewal. Losing a concurrent race here just means the
	// winner already holds the single Renewing slot for the domain.
	s.mu.Lock()
	if t.state == StateRenewing {
		s.mu.Unlock()
		return
	}
	t.state = StateRenewing
	s.mu.Unlock()

	s.log.Info("certificate renewal due", logger.Domain(domain), slog.String("reason", reason))
	go s.renew(ctx, domain)
}

// isDue decides whether the stored record needs re-issuance. Missing or
// corrupt records are due; otherwise the remaining lifetime is compared
// against the renewal window.
func (s *Scheduler) isDue(domain string) (bool, string) {
	rec, err := s.store.Load(domain)
	switch {
	case errors.Is(err, certstore.ErrNotFound):
		return true, "no certificate on disk"
	case errors.Is(err, certstore.ErrCorruptRecord):
		return true, "stored certificate corrupt"
	case err != nil:
		return true, fmt.Sprintf("unreadable record: %v", err)
	}

	remaining := s.store.TimeUntilExpiry(rec)
	if window := s.window(rec); remaining < window {
		return true, fmt.Sprintf("expires in %s (window %s)", remaining.Round(time.Second), window.Round(time.Second))
	}
	return false, ""
}

func (s *Scheduler) window(rec *certstore.Record) time.Duration {
	if s.cfg.Window > 0 {
		return s.cfg.Window
	}
	return rec.NotAfter.Sub(rec.IssuedAt) / 3
}

func (s *Scheduler) renew(ctx context.Context, domain string) {
	rec, err := s.issuer.IssueOrRenew(ctx, domain)
	if err == nil {
		if saveErr := s.store.Save(rec); saveErr != nil {
			err = fmt.Errorf("persist renewed certificate: %w", saveErr)
		} else if reloadErr := s.reloader.ReloadCertificate(rec); reloadErr != nil {
			err = fmt.Errorf("activate renewed certificate: %w", reloadErr)
		}
	}

	s.mu.Lock()
	t := s.tasks[domain]
	if err != nil {
		t.attempts++
		base := s.cfg.BackoffBase
		if errors.Is(err, acme.ErrRateLimited) {
			base = s.cfg.RateLimitedBackoffBase
		}
		delay := backoffDelay(base, s.cfg.BackoffMax, t.attempts)
		t.state = StateBackoff
		t.retryAt = s.now().Add(delay)
		s.mu.Unlock()

		s.log.Warn("certificate renewal failed",
			logger.Domain(domain),
			logger.Attempt(t.attempts),
			slog.Time("retry_at", t.retryAt),
			logger.Error(err),
		)
		return
	}

	t.state = StateIdle
	t.attempts = 0
	s.mu.Unlock()

	s.log.Info("certificate renewed", logger.Domain(domain), logger.NotAfter(rec.NotAfter))
}
