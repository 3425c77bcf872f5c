package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/certgate/certgate/core/certstore"
	"github.com/certgate/certgate/core/logger"
)

// tlsContext holds the certificate bound to new handshakes. Reads happen on
// the handshake hot path through an atomic pointer; writes are serialized by
// a mutex so concurrent reloads resolve into a total order of versions.
type tlsContext struct {
	mu      sync.Mutex
	active  atomic.Pointer[tls.Certificate]
	version atomic.Uint64
}

func (c *tlsContext) swap(cert *tls.Certificate) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active.Store(cert)
	return c.version.Add(1)
}

func (c *tlsContext) current() *tls.Certificate {
	return c.active.Load()
}

// ReloadCertificate parses rec and atomically makes it the certificate for
// new handshakes. Connections already past the handshake keep the context
// they negotiated; there is no listener restart. The first successful reload
// enables the HTTPS listener.
func (p *Proxy) ReloadCertificate(rec *certstore.Record) error {
	if rec == nil {
		return ErrInvalidCertificate
	}

	cert, err := tls.X509KeyPair(rec.Certificate, rec.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
	}
	// Parsing the leaf up front avoids re-parsing during handshakes and
	// lets callers inspect expiry on the live context.
	if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
		cert.Leaf = leaf
	}

	version := p.tlsContext.swap(&cert)
	p.enableOnce.Do(func() { close(p.httpsReady) })

	p.log.Info("certificate reloaded",
		logger.Domain(rec.Domain),
		logger.NotAfter(rec.NotAfter),
		slog.Uint64("tls_context_version", version),
	)
	return nil
}

// CertificateLoaded reports whether any certificate has been activated.
func (p *Proxy) CertificateLoaded() bool {
	return p.tlsContext.current() != nil
}

// getCertificate serves the TLS handshake from the active context.
func (p *Proxy) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := p.tlsContext.current()
	if cert == nil {
		return nil, ErrNoCertificate
	}
	return cert, nil
}

// newTLSConfig follows Mozilla's Intermediate compatibility guidelines:
// TLS 1.2+ with ECDHE AEAD suites only.
func (p *Proxy) newTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: p.getCertificate,
		MinVersion:     tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}
