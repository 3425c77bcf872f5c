// Package certstore owns the durable state of issued certificates.
//
// One subdirectory per domain holds the PEM chain, the PEM private key and a
// TOML metadata sidecar. Every write goes through a temp-file-then-rename
// sequence so readers never observe a half-written record; a record that
// fails integrity checks on load is reported as corrupt and treated by
// callers as absent, which forces re-issuance rather than serving bad state.
//
// The store is the single source of truth across restarts. Nothing held
// only in memory needs to survive a crash: the scheduler recomputes its
// renewal decisions from stored expiry, and the proxy reloads its TLS
// context from the stored record.
package certstore
