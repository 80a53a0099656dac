package memory

import "errors"

// Memory registry errors.
var (
	// ErrInvalidSize is returned for allocations of zero or negative size.
	ErrInvalidSize = errors.New("allocation size must be positive")

	// ErrQuotaExceeded is returned when an allocation would push a category
	// or the global total over its configured quota.
	ErrQuotaExceeded = errors.New("memory quota exceeded")

	// ErrHandleNotFound is returned for unknown or already released
	// handles. Double release is an error, not a no-op, so logic bugs
	// surface instead of being silently absorbed.
	ErrHandleNotFound = errors.New("memory handle not found")

	// ErrInvalidCategory is returned for an unrecognized category name.
	ErrInvalidCategory = errors.New("invalid memory category")

	// ErrInvalidStrategy is returned for an unrecognized optimization
	// strategy name.
	ErrInvalidStrategy = errors.New("invalid optimization strategy")
)
