// Package renewal re-issues certificates before expiry.
//
// Each domain moves through Idle -> Due -> Renewing -> (Idle | Backoff).
// The scheduler is a coarse periodic check rather than a precise per-domain
// timer: every decision is recomputed from the stored record, so a crash or
// restart loses nothing. Issuance failures turn into exponentially growing
// retry delays, with rate-limit responses backed off harder than transient
// network failures.
package renewal
