package kernel

import (
	"errors"

	"hostd/internal/memory"
	"hostd/internal/tools"
)

// ErrorKind is the failure discriminant carried on the response envelope.
// Every failure the dispatcher can produce maps to exactly one kind; none
// of them terminate the process.
type ErrorKind string

const (
	KindSessionNotFound    ErrorKind = "SessionNotFound"
	KindPermissionDenied   ErrorKind = "PermissionDenied"
	KindQuotaExceeded      ErrorKind = "QuotaExceeded"
	KindInvalidArgument    ErrorKind = "InvalidArgument"
	KindHandleNotFound     ErrorKind = "HandleNotFound"
	KindToolNotFound       ErrorKind = "ToolNotFound"
	KindCapabilityNotFound ErrorKind = "CapabilityNotFound"
	KindToolExecutionError ErrorKind = "ToolExecutionError"
	KindShutdownIncomplete ErrorKind = "ShutdownIncomplete"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrShutdownIncomplete = errors.New("shutdown incomplete")
)

// Classify maps any error surfaced by a subsystem into its envelope kind.
// Subsystem sentinels keep their own identity inside the process; the kind
// is how they cross the dispatch boundary.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFound
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrShutdownIncomplete):
		return KindShutdownIncomplete
	case errors.Is(err, memory.ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, memory.ErrHandleNotFound):
		return KindHandleNotFound
	case errors.Is(err, memory.ErrInvalidSize),
		errors.Is(err, memory.ErrInvalidCategory),
		errors.Is(err, memory.ErrInvalidStrategy):
		return KindInvalidArgument
	case errors.Is(err, tools.ErrToolNotFound):
		return KindToolNotFound
	case errors.Is(err, tools.ErrCapabilityNotFound):
		return KindCapabilityNotFound
	case errors.Is(err, tools.ErrMissingRequiredParam):
		return KindInvalidArgument
	case errors.Is(err, tools.ErrExecutionFailed):
		return KindToolExecutionError
	default:
		return KindInvalidArgument
	}
}
