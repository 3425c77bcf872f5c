// Package bootstrap sequences first start: proxy up HTTP-only, certificate
// loaded or issued, HTTPS enabled, renewal handed to the scheduler.
package bootstrap
