package certstore

import "errors"

var (
	// ErrNotFound is returned when no record exists for a domain.
	ErrNotFound = errors.New("certificate record not found")

	// ErrCorruptRecord is returned when a record is present on disk but
	// fails integrity checks. Callers treat it as absent and re-issue.
	ErrCorruptRecord = errors.New("certificate record corrupt")

	// ErrInvalidRecord is returned when a record violates its invariants
	// before it reaches disk.
	ErrInvalidRecord = errors.New("invalid certificate record")

	// ErrInvalidDomain is returned when the domain cannot be used as a
	// storage key.
	ErrInvalidDomain = errors.New("invalid domain name")

	// ErrDirRequired is returned when the storage directory is not configured.
	ErrDirRequired = errors.New("certificate directory is required")

	// ErrDirUnwritable is returned when the storage directory cannot be
	// created or written. This is fatal at startup.
	ErrDirUnwritable = errors.New("certificate directory is not writable")
)
