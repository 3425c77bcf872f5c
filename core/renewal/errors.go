package renewal

import "errors"

var (
	// ErrNoDomains is returned when the scheduler is created without domains.
	ErrNoDomains = errors.New("renewal: at least one domain is required")

	// ErrNilDependency is returned when the store, issuer or reloader is missing.
	ErrNilDependency = errors.New("renewal: store, issuer and reloader are required")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("renewal: scheduler already started")
)
