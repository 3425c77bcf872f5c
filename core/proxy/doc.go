// Package proxy is the TLS-terminating reverse proxy in front of a single
// upstream.
//
// Two listeners run concurrently: plain HTTP, which serves ACME challenges
// and otherwise forwards (or optionally redirects), and HTTPS, which comes
// up only after a certificate has been loaded. The active certificate lives
// behind an atomic pointer read by every handshake and replaced by
// ReloadCertificate without restarting listeners or dropping in-flight
// connections.
package proxy
