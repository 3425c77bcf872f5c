// Package acme obtains domain-validated certificates over the ACME protocol
// using the HTTP-01 challenge.
//
// Responder holds the in-flight challenge tokens and serves them at the
// well-known challenge path; Client drives the exchange with the authority
// (account, order, challenge, finalize, download) through lego and returns a
// certstore.Record without persisting it. Errors come back classified into
// the four kinds the renewal scheduler distinguishes for backoff.
package acme
