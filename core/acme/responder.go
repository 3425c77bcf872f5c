package acme

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/certgate/certgate/core/logger"
)

// ChallengePathPrefix is the well-known HTTP-01 challenge path reserved for
// the responder on both listeners.
const ChallengePathPrefix = "/.well-known/acme-challenge/"

// Responder serves HTTP-01 challenge tokens over plain HTTP. It implements
// lego's challenge.Provider, so the Client publishes tokens to it during an
// issuance attempt, and http.Handler, so the proxy can route the challenge
// path to it. Tokens are ephemeral: CleanUp removes them when the attempt
// resolves, success or failure.
type Responder struct {
	mu     sync.RWMutex
	tokens map[string]string
	log    *slog.Logger
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithResponderLogger sets the logger for challenge traffic.
func WithResponderLogger(log *slog.Logger) ResponderOption {
	return func(r *Responder) {
		r.log = log
	}
}

// NewResponder creates an empty Responder.
func NewResponder(opts ...ResponderOption) *Responder {
	r := &Responder{
		tokens: make(map[string]string),
		log:    logger.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Present publishes the key authorization for a token. Implements
// challenge.Provider.
func (r *Responder) Present(domain, token, keyAuth string) error {
	r.mu.Lock()
	r.tokens[token] = keyAuth
	r.mu.Unlock()

	r.log.Debug("challenge token published", logger.Domain(domain), slog.String("token", token))
	return nil
}

// CleanUp removes a previously presented token. Implements challenge.Provider.
func (r *Responder) CleanUp(domain, token, keyAuth string) error {
	r.mu.Lock()
	delete(r.tokens, token)
	r.mu.Unlock()

	r.log.Debug("challenge token removed", logger.Domain(domain), slog.String("token", token))
	return nil
}

// ServeHTTP answers GET /.well-known/acme-challenge/{token} with the
// matching key authorization as text/plain, and 404 for unknown tokens.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	token := strings.TrimPrefix(req.URL.Path, ChallengePathPrefix)
	if token == "" || token == req.URL.Path || strings.Contains(token, "/") {
		http.NotFound(w, req)
		return
	}

	r.mu.RLock()
	keyAuth, ok := r.tokens[token]
	r.mu.RUnlock()

	if !ok {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(keyAuth))
}
