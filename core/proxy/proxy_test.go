package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certgate/certgate/core/acme"
	"github.com/certgate/certgate/internal/testcert"
)

// newEchoUpstream starts a backend that reports what it received.
func newEchoUpstream(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("X-Echo-Method", r.Method)
		w.Header().Set("X-Echo-Header", r.Header.Get("X-Custom"))
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "http://")
}

func newTestProxy(t *testing.T, upstream string, challenge http.Handler, opts ...Option) *Proxy {
	t.Helper()
	p, err := New(Config{Upstream: upstream}, challenge, opts...)
	require.NoError(t, err)
	return p
}

func TestNewValidation(t *testing.T) {
	t.Run("missing upstream", func(t *testing.T) {
		_, err := New(Config{}, nil)
		assert.ErrorIs(t, err, ErrUpstreamRequired)
	})

	t.Run("upstream without port", func(t *testing.T) {
		_, err := New(Config{Upstream: "backend.internal"}, nil)
		assert.ErrorIs(t, err, ErrInvalidUpstream)
	})

	t.Run("valid upstream", func(t *testing.T) {
		p, err := New(Config{Upstream: "127.0.0.1:8080"}, nil)
		require.NoError(t, err)
		assert.NotNil(t, p)
	})
}

func TestForwardsToUpstream(t *testing.T) {
	_, upstream := newEchoUpstream(t)
	p := newTestProxy(t, upstream, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/things", strings.NewReader("payload"))
	req.Header.Set("X-Custom", "carried")
	rr := httptest.NewRecorder()
	p.router(false).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "yes", rr.Header().Get("X-Upstream"))
	assert.Equal(t, http.MethodPost, rr.Header().Get("X-Echo-Method"))
	assert.Equal(t, "carried", rr.Header().Get("X-Echo-Header"))
	assert.Equal(t, "payload", rr.Body.String())
}

func TestUpstreamUnreachableAnswers502(t *testing.T) {
	// Grab a port that is no longer listening.
	srv := httptest.NewServer(http.NotFoundHandler())
	dead := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	p := newTestProxy(t, dead, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	p.router(false).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "bad gateway")
}

func TestChallengePathBypassesUpstream(t *testing.T) {
	upstreamSrv, upstream := newEchoUpstream(t)
	_ = upstreamSrv

	responder := acme.NewResponder()
	require.NoError(t, responder.Present("example.com", "tok", "tok.keyauth"))

	p := newTestProxy(t, upstream, responder)

	req := httptest.NewRequest(http.MethodGet, acme.ChallengePathPrefix+"tok", nil)
	rr := httptest.NewRecorder()
	p.router(false).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "tok.keyauth", rr.Body.String())
	assert.Empty(t, rr.Header().Get("X-Upstream"), "challenge must not reach the upstream")

	// Unknown tokens answer 404 locally, still without touching the upstream.
	req = httptest.NewRequest(http.MethodGet, acme.ChallengePathPrefix+"other", nil)
	rr = httptest.NewRecorder()
	p.router(false).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, rr.Header().Get("X-Upstream"))
}

func TestHealthEndpoints(t *testing.T) {
	_, upstream := newEchoUpstream(t)

	t.Run("liveness", func(t *testing.T) {
		p := newTestProxy(t, upstream, nil)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rr := httptest.NewRecorder()
		p.router(false).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("readiness failure", func(t *testing.T) {
		p := newTestProxy(t, upstream, nil, WithReadinessChecks(func(context.Context) error {
			return errors.New("not yet")
		}))

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rr := httptest.NewRecorder()
		p.router(false).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestRedirectHTTP(t *testing.T) {
	_, upstream := newEchoUpstream(t)

	newRedirectingProxy := func(t *testing.T) *Proxy {
		p, err := New(Config{Upstream: upstream, RedirectHTTP: true}, nil)
		require.NoError(t, err)
		return p
	}

	t.Run("forwards while no certificate is active", func(t *testing.T) {
		p := newRedirectingProxy(t)

		req := httptest.NewRequest(http.MethodGet, "/page", nil)
		rr := httptest.NewRecorder()
		p.router(false).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "yes", rr.Header().Get("X-Upstream"))
	})

	t.Run("redirects once a certificate is active", func(t *testing.T) {
		p := newRedirectingProxy(t)

		rec, err := testcert.Record("example.com", time.Now(), time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, p.ReloadCertificate(rec))

		req := httptest.NewRequest(http.MethodGet, "/page?q=1", nil)
		req.Host = "example.com"
		rr := httptest.NewRecorder()
		p.router(false).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusMovedPermanently, rr.Code)
		assert.Equal(t, "https://example.com/page?q=1", rr.Header().Get("Location"))
	})

	t.Run("challenge path is never redirected", func(t *testing.T) {
		responder := acme.NewResponder()
		require.NoError(t, responder.Present("example.com", "tok", "tok.keyauth"))

		p, err := New(Config{Upstream: upstream, RedirectHTTP: true}, responder)
		require.NoError(t, err)

		rec, errRec := testcert.Record("example.com", time.Now(), time.Now().Add(time.Hour))
		require.NoError(t, errRec)
		require.NoError(t, p.ReloadCertificate(rec))

		req := httptest.NewRequest(http.MethodGet, acme.ChallengePathPrefix+"tok", nil)
		rr := httptest.NewRecorder()
		p.router(false).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "tok.keyauth", rr.Body.String())
	})

	t.Run("https traffic is not redirected", func(t *testing.T) {
		p := newRedirectingProxy(t)

		rec, err := testcert.Record("example.com", time.Now(), time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, p.ReloadCertificate(rec))

		req := httptest.NewRequest(http.MethodGet, "/page", nil)
		rr := httptest.NewRecorder()
		p.router(true).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "yes", rr.Header().Get("X-Upstream"))
	})
}

func TestRunStartsAndShutsDown(t *testing.T) {
	_, upstream := newEchoUpstream(t)

	p, err := New(Config{
		Upstream:        upstream,
		HTTPAddr:        "127.0.0.1:0",
		HTTPSAddr:       "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.running
	}, 2*time.Second, 10*time.Millisecond)

	// Second Run must refuse while the first one is live.
	assert.ErrorIs(t, p.Run(context.Background()), ErrAlreadyRunning)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
