// Package health provides the liveness and readiness handlers mounted on
// the proxy's plain-HTTP listener for container healthchecks.
package health
