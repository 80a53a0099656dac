package kernel

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// RequestType is the closed set of operations the dispatcher routes. Every
// type has a fixed (resource_type, operation) pair in routeTable; requests
// outside the set fail with InvalidArgument.
type RequestType string

const (
	ReqMemoryAllocate     RequestType = "memory_allocate"
	ReqMemoryRelease      RequestType = "memory_release"
	ReqMemoryOptimize     RequestType = "memory_optimize"
	ReqMemoryStatus       RequestType = "memory_status"
	ReqToolsList          RequestType = "tools_list"
	ReqToolsExecute       RequestType = "tools_execute"
	ReqSecuritySetLevel   RequestType = "security_set_level"
	ReqSecurityAddRule    RequestType = "security_add_rule"
	ReqSecurityRemoveRule RequestType = "security_remove_rule"
	ReqSecurityAudit      RequestType = "security_audit"
	ReqSessionClose       RequestType = "session_close"
	ReqSystemInfo         RequestType = "system_info"
)

// Request is the inbound envelope. Parameters arrive as loosely typed JSON
// values; each route pulls out what it needs and rejects the rest.
type Request struct {
	ID        string         `json:"id"`
	Type      RequestType    `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorInfo is the failure branch of a response.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Response is the outbound envelope. Exactly one of Payload and Error is
// populated, discriminated by Success.
type Response struct {
	ID      string     `json:"id"`
	Success bool       `json:"success"`
	Payload any        `json:"payload,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

func succeed(req Request, payload any) Response {
	return Response{ID: req.ID, Success: true, Payload: payload}
}

func fail(req Request, err error) Response {
	return Response{
		ID:      req.ID,
		Success: false,
		Error:   &ErrorInfo{Kind: Classify(err), Message: err.Error()},
	}
}

// route describes how one request type maps onto the permission triple.
// The resource component is request dependent (a category, a handle id),
// so it is derived from the parameters.
type route struct {
	resourceType string
	operation    string
	resource     func(Request) string
}

func fixedResource(s string) func(Request) string {
	return func(Request) string { return s }
}

func paramResource(key string) func(Request) string {
	return func(req Request) string {
		s, _ := stringParam(req.Params, key)
		return s
	}
}

var routeTable = map[RequestType]route{
	ReqMemoryAllocate:     {"memory", "allocate", paramResource("category")},
	ReqMemoryRelease:      {"memory", "release", paramResource("handle_id")},
	ReqMemoryOptimize:     {"memory", "optimize", paramResource("strategy")},
	ReqMemoryStatus:       {"memory", "status", fixedResource("")},
	ReqToolsList:          {"tools", "list", fixedResource("")},
	ReqToolsExecute:       {"tools", "execute", paramResource("tool_id")},
	ReqSecuritySetLevel:   {"security", "set_level", paramResource("level")},
	ReqSecurityAddRule:    {"security", "add_rule", paramResource("resource")},
	ReqSecurityRemoveRule: {"security", "remove_rule", paramResource("resource")},
	ReqSecurityAudit:      {"security", "audit", fixedResource("")},
	ReqSessionClose:       {"session", "close", fixedResource("")},
	ReqSystemInfo:         {"system", "info", fixedResource("")},
}

// stringParam extracts a required string parameter.
func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: missing parameter %q", ErrInvalidArgument, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: parameter %q must be a string", ErrInvalidArgument, key)
	}
	return s, nil
}

// intParam extracts a required integer parameter. JSON decoding yields
// float64 for numbers, so both forms are accepted; a fractional value is
// rejected rather than truncated.
func intParam(params map[string]any, key string) (int64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing parameter %q", ErrInvalidArgument, key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: parameter %q must be an integer", ErrInvalidArgument, key)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: parameter %q must be an integer", ErrInvalidArgument, key)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: parameter %q must be an integer", ErrInvalidArgument, key)
	}
}

// optionalIntParam extracts an integer parameter, falling back to def when
// the key is absent.
func optionalIntParam(params map[string]any, key string, def int64) (int64, error) {
	if _, ok := params[key]; !ok {
		return def, nil
	}
	return intParam(params, key)
}

// mapParam extracts an optional object parameter.
func mapParam(params map[string]any, key string) (map[string]any, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: parameter %q must be an object", ErrInvalidArgument, key)
	}
	return m, nil
}
