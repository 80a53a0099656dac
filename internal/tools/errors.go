package tools

import "errors"

// Tool registry errors.
var (
	// ErrToolNotFound is returned when a tool is not registered or is
	// disabled.
	ErrToolNotFound = errors.New("tool not found")

	// ErrCapabilityNotFound is returned when a tool does not provide the
	// requested capability.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrExecutionFailed wraps a failure inside a capability's own
	// execution, including recovered panics. It is never propagated as a
	// crash.
	ErrExecutionFailed = errors.New("tool execution failed")

	// ErrAlreadyRegistered is returned when registering a duplicate tool id.
	ErrAlreadyRegistered = errors.New("tool already registered")

	// ErrMissingRequiredParam is returned when a required parameter is
	// absent from an invocation.
	ErrMissingRequiredParam = errors.New("missing required parameter")

	// ErrToolIDEmpty is returned for a descriptor without an id.
	ErrToolIDEmpty = errors.New("tool id cannot be empty")
)
