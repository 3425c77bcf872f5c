package renewal_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certgate/certgate/core/acme"
	"github.com/certgate/certgate/core/certstore"
	"github.com/certgate/certgate/core/renewal"
	"github.com/certgate/certgate/internal/testcert"
)

type stubIssuer struct {
	mu    sync.Mutex
	calls int
	issue func(domain string) (*certstore.Record, error)
}

func (s *stubIssuer) IssueOrRenew(_ context.Context, domain string) (*certstore.Record, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.issue(domain)
}

func (s *stubIssuer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubReloader struct {
	mu   sync.Mutex
	last *certstore.Record
}

func (s *stubReloader) ReloadCertificate(rec *certstore.Record) error {
	s.mu.Lock()
	s.last = rec
	s.mu.Unlock()
	return nil
}

func (s *stubReloader) lastRecord() *certstore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func goodIssuer(validity time.Duration) *stubIssuer {
	return &stubIssuer{issue: func(domain string) (*certstore.Record, error) {
		return testcert.Record(domain, time.Now(), time.Now().Add(validity))
	}}
}

func testConfig() renewal.Config {
	return renewal.Config{
		CheckEvery:             time.Hour,
		BackoffBase:            time.Minute,
		RateLimitedBackoffBase: time.Hour,
		BackoffMax:             24 * time.Hour,
	}
}

func TestNewValidation(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	issuer := goodIssuer(time.Hour)
	reloader := &stubReloader{}

	t.Run("nil dependency", func(t *testing.T) {
		_, err := renewal.New(testConfig(), nil, issuer, reloader, []string{"example.com"})
		assert.ErrorIs(t, err, renewal.ErrNilDependency)
	})

	t.Run("no domains", func(t *testing.T) {
		_, err := renewal.New(testConfig(), store, issuer, reloader, nil)
		assert.ErrorIs(t, err, renewal.ErrNoDomains)
	})
}

func TestCheckNowIssuesWhenStoreEmpty(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	issuer := goodIssuer(90 * 24 * time.Hour)
	reloader := &stubReloader{}

	sched, err := renewal.New(testConfig(), store, issuer, reloader, []string{"example.com"})
	require.NoError(t, err)

	sched.CheckNow(context.Background())

	assert.Eventually(t, func() bool {
		return sched.StateOf("example.com") == renewal.StateIdle && issuer.callCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The renewed record was persisted and activated.
	loaded, err := store.Load("example.com")
	require.NoError(t, err)
	require.NotNil(t, reloader.lastRecord())
	assert.True(t, loaded.NotAfter.Equal(reloader.lastRecord().NotAfter))
}

func TestFreshCertificateLeftAlone(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	issuer := goodIssuer(90 * 24 * time.Hour)
	reloader := &stubReloader{}

	// 90 days of validity with 90 days remaining: far outside the default
	// one-third window.
	rec, err := testcert.Record("example.com", time.Now(), time.Now().Add(90*24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Save(rec))

	sched, err := renewal.New(testConfig(), store, issuer, reloader, []string{"example.com"})
	require.NoError(t, err)

	sched.CheckNow(context.Background())
	sched.CheckNow(context.Background())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, issuer.callCount())
	assert.Equal(t, renewal.StateIdle, sched.StateOf("example.com"))
}

func TestRenewsInsideWindow(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	issuer := goodIssuer(90 * 24 * time.Hour)
	reloader := &stubReloader{}

	// Issued 85 days ago, 5 days left on a 90-day certificate: inside the
	// one-third window.
	rec, err := testcert.Record("example.com", time.Now().Add(-85*24*time.Hour), time.Now().Add(5*24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Save(rec))

	sched, err := renewal.New(testConfig(), store, issuer, reloader, []string{"example.com"})
	require.NoError(t, err)

	sched.CheckNow(context.Background())

	assert.Eventually(t, func() bool {
		return issuer.callCount() == 1 && sched.StateOf("example.com") == renewal.StateIdle
	}, 3*time.Second, 10*time.Millisecond)

	loaded, err := store.Load("example.com")
	require.NoError(t, err)
	assert.True(t, loaded.NotAfter.After(rec.NotAfter), "renewal should extend expiry")
}

func TestExplicitWindowOverridesDefault(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	issuer := goodIssuer(90 * 24 * time.Hour)
	reloader := &stubReloader{}

	// 40 days remaining on a 90-day certificate: outside the default window
	// but inside an explicit 45-day one.
	rec, err := testcert.Record("example.com", time.Now().Add(-50*24*time.Hour), time.Now().Add(40*24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Save(rec))

	cfg := testConfig()
	cfg.Window = 45 * 24 * time.Hour

	sched, err := renewal.New(cfg, store, issuer, reloader, []string{"example.com"})
	require.NoError(t, err)

	sched.CheckNow(context.Background())

	assert.Eventually(t, func() bool {
		return issuer.callCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBackoffAfterFailure(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	clock := newFakeClock()
	reloader := &stubReloader{}

	issuer := &stubIssuer{issue: func(string) (*certstore.Record, error) {
		return nil, fmt.Errorf("%w: dial tcp: connection refused", acme.ErrNetworkFailure)
	}}

	sched, err := renewal.New(testConfig(), store, issuer, reloader, []string{"example.com"},
		renewal.WithClock(clock.Now))
	require.NoError(t, err)

	sched.CheckNow(context.Background())
	assert.Eventually(t, func() bool {
		return sched.StateOf("example.com") == renewal.StateBackoff
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, issuer.callCount())

	// Still inside the backoff delay: no retry.
	sched.CheckNow(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, issuer.callCount())

	// Past the first delay (one backoff base): retry happens.
	clock.Advance(2 * time.Minute)
	sched.CheckNow(context.Background())
	assert.Eventually(t, func() bool {
		return issuer.callCount() == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRateLimitedBackoffIsLonger(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	clock := newFakeClock()
	reloader := &stubReloader{}

	issuer := &stubIssuer{issue: func(string) (*certstore.Record, error) {
		return nil, fmt.Errorf("%w: too many certificates", acme.ErrRateLimited)
	}}

	sched, err := renewal.New(testConfig(), store, issuer, reloader, []string{"example.com"},
		renewal.WithClock(clock.Now))
	require.NoError(t, err)

	sched.CheckNow(context.Background())
	assert.Eventually(t, func() bool {
		return sched.StateOf("example.com") == renewal.StateBackoff
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, issuer.callCount())

	// Well past the ordinary backoff base but short of the rate-limited one.
	clock.Advance(10 * time.Minute)
	sched.CheckNow(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, issuer.callCount())

	// Past the rate-limited base: retry happens.
	clock.Advance(time.Hour)
	sched.CheckNow(context.Background())
	assert.Eventually(t, func() bool {
		return issuer.callCount() == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSingleRenewalPerDomain(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	reloader := &stubReloader{}

	release := make(chan struct{})
	issuer := &stubIssuer{issue: func(domain string) (*certstore.Record, error) {
		<-release
		return testcert.Record(domain, time.Now(), time.Now().Add(time.Hour))
	}}

	sched, err := renewal.New(testConfig(), store, issuer, reloader, []string{"example.com"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.CheckNow(context.Background())
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return sched.StateOf("example.com") == renewal.StateRenewing
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, issuer.callCount(), "only one issuance may be in flight per domain")

	close(release)
	assert.Eventually(t, func() bool {
		return sched.StateOf("example.com") == renewal.StateIdle
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStartRunsImmediateCheck(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	issuer := goodIssuer(90 * 24 * time.Hour)
	reloader := &stubReloader{}

	sched, err := renewal.New(testConfig(), store, issuer, reloader, []string{"example.com"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sched.Start(ctx))
	assert.ErrorIs(t, sched.Start(ctx), renewal.ErrAlreadyStarted)

	assert.Eventually(t, func() bool {
		return issuer.callCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCorruptRecordTriggersRenewal(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	issuer := goodIssuer(90 * 24 * time.Hour)
	reloader := &stubReloader{}

	rec, err := testcert.Record("example.com", time.Now(), time.Now().Add(90*24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Save(rec))

	sched, err := renewal.New(testConfig(), store, issuer, reloader, []string{"example.com"})
	require.NoError(t, err)

	// Healthy record: nothing happens.
	sched.CheckNow(context.Background())
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, issuer.callCount())

	// Swap in a private key from a different certificate so the stored
	// record fails integrity checks on the next load.
	otherRec, err := testcert.Record("example.com", time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	keyPath := filepath.Join(store.Dir(), "example.com", "key.pem")
	require.NoError(t, os.WriteFile(keyPath, otherRec.PrivateKey, 0o600))
	_, loadErr := store.Load("example.com")
	require.ErrorIs(t, loadErr, certstore.ErrCorruptRecord)

	sched.CheckNow(context.Background())
	assert.Eventually(t, func() bool {
		return issuer.callCount() == 1 && sched.StateOf("example.com") == renewal.StateIdle
	}, 3*time.Second, 10*time.Millisecond)

	// The re-issued record must load cleanly again.
	_, err = store.Load("example.com")
	assert.NoError(t, err)
}
