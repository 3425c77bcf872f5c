package acme

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	acmeapi "github.com/go-acme/lego/v4/acme"
)

var (
	// ErrChallengeTimeout is returned when an issuance attempt exceeds its
	// challenge-resolution deadline and is abandoned.
	ErrChallengeTimeout = errors.New("acme: challenge resolution timed out")

	// ErrAuthorityRejected is returned when the certificate authority
	// rejects the order or a challenge.
	ErrAuthorityRejected = errors.New("acme: authority rejected the request")

	// ErrNetworkFailure is returned for connection-level failures talking
	// to the certificate authority.
	ErrNetworkFailure = errors.New("acme: network failure")

	// ErrRateLimited is returned when the certificate authority applies a
	// rate limit. The renewal scheduler backs off harder on this one.
	ErrRateLimited = errors.New("acme: rate limited by authority")

	// ErrEmailRequired is returned when no account contact email is configured.
	ErrEmailRequired = errors.New("acme: account email is required")

	// ErrSolverRequired is returned when no HTTP-01 solver is provided.
	ErrSolverRequired = errors.New("acme: challenge solver is required")
)

// rateLimitPatterns and networkPatterns drive the string-level fallback of
// Classify. Lego flattens per-domain failures into opaque error strings, so
// typed matching alone is not enough.
var (
	rateLimitPatterns = []string{
		"ratelimited",
		"rate limit",
		"too many",
		"429",
	}
	networkPatterns = []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"no such host",
		"i/o timeout",
		"tls handshake",
		"temporary failure",
		"503",
	}
)

// Classify maps an error from the ACME exchange onto the package's error
// taxonomy, wrapping it so errors.Is keeps working. A nil error stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrChallengeTimeout, err)
	}

	var problem *acmeapi.ProblemDetails
	if errors.As(err, &problem) {
		if strings.Contains(problem.Type, "rateLimited") || problem.HTTPStatus == 429 {
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return fmt.Errorf("%w: %w", ErrAuthorityRejected, err)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
	}
	if strings.Contains(msg, "urn:ietf:params:acme:error") {
		return fmt.Errorf("%w: %w", ErrAuthorityRejected, err)
	}
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return fmt.Errorf("%w: %w", ErrNetworkFailure, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrNetworkFailure, err)
}
