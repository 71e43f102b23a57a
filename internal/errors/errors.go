// Package errors defines the core's error taxonomy: the seven failure
// kinds named in the error handling design, each mapped to an HTTP status
// code for the L7 proxy and a retryability decision for the router.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies one of the seven core failure kinds.
type Code string

const (
	// ConfigInvalid is surfaced by the loader's validator; a hot reload
	// carrying this error keeps the prior snapshot active.
	ConfigInvalid Code = "CONFIG_INVALID"
	// BindFailure means a listener failed to bind; fatal at startup,
	// logged-and-ignored (old listener keeps serving) during reload.
	BindFailure Code = "BIND_FAILURE"
	// NoHealthyBackends means the router found no eligible server.
	NoHealthyBackends Code = "NO_HEALTHY_BACKENDS"
	// BackendConnect means dialing the chosen server failed or timed out.
	BackendConnect Code = "BACKEND_CONNECT"
	// BackendIO means an upstream reset or read/write error occurred
	// mid-flow.
	BackendIO Code = "BACKEND_IO"
	// ClientIO means a client reset or malformed-request error occurred.
	ClientIO Code = "CLIENT_IO"
	// ProbeFailure is local to the active health checker.
	ProbeFailure Code = "PROBE_FAILURE"
)

// LBError is a structured error carrying the failing component, an
// optional cause, and enough context to decide an HTTP response and a
// retry policy without type-switching on strings.
type LBError struct {
	Code      Code
	Component string
	Message   string
	Cause     error
	Timestamp time.Time
	Metadata  map[string]interface{}
}

func (e *LBError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Component, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

func (e *LBError) Unwrap() error {
	return e.Cause
}

func (e *LBError) Is(target error) bool {
	var t *LBError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata attaches a key/value pair for structured logging.
func (e *LBError) WithMetadata(key string, value interface{}) *LBError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsRetryable reports whether the router's bounded-retry loop should try
// another candidate. Only a connect failure is retryable; every other
// kind either has already exhausted the pool (NoHealthyBackends) or is
// not a server-selection concern.
func (e *LBError) IsRetryable() bool {
	return e.Code == BackendConnect
}

// HTTPStatusCode maps a core error to the response the L7 proxy sends,
// per the error handling design.
func (e *LBError) HTTPStatusCode() int {
	switch e.Code {
	case NoHealthyBackends:
		return 503
	case BackendConnect, BackendIO:
		return 502
	case ClientIO:
		return 400
	case ConfigInvalid:
		return 400
	default:
		return 500
	}
}

// New creates an LBError with no underlying cause.
func New(code Code, component, message string) *LBError {
	return &LBError{Code: code, Component: component, Message: message, Timestamp: time.Now()}
}

// Wrap creates an LBError around an existing error, or returns nil if err
// is nil, matching the teacher's WrapError convenience.
func Wrap(err error, code Code, component, message string) *LBError {
	if err == nil {
		return nil
	}
	return &LBError{Code: code, Component: component, Message: message, Cause: err, Timestamp: time.Now()}
}

// NewNoHealthyBackends creates the standard router-exhausted error.
func NewNoHealthyBackends(backend string) *LBError {
	return New(NoHealthyBackends, "router", fmt.Sprintf("no healthy servers for backend %q", backend)).
		WithMetadata("backend", backend)
}

// NewBackendConnect wraps a dial failure against a specific server.
func NewBackendConnect(backend, addr string, cause error) *LBError {
	return Wrap(cause, BackendConnect, "router", fmt.Sprintf("connect to %s (%s) failed", addr, backend)).
		WithMetadata("backend", backend).WithMetadata("addr", addr)
}

// NewBackendIO wraps a mid-flow upstream I/O failure.
func NewBackendIO(backend, addr string, cause error) *LBError {
	return Wrap(cause, BackendIO, "proxy", fmt.Sprintf("backend I/O error on %s (%s)", addr, backend)).
		WithMetadata("backend", backend).WithMetadata("addr", addr)
}

// NewClientIO wraps a client-side parse or reset error.
func NewClientIO(cause error, message string) *LBError {
	return Wrap(cause, ClientIO, "proxy", message)
}

// NewConfigInvalid wraps a validator failure.
func NewConfigInvalid(message string) *LBError {
	return New(ConfigInvalid, "config", message)
}

// NewBindFailure wraps a listener bind failure.
func NewBindFailure(addr string, cause error) *LBError {
	return Wrap(cause, BindFailure, "server", fmt.Sprintf("bind %s failed", addr)).
		WithMetadata("addr", addr)
}

// NewProbeFailure wraps an active health-check probe failure.
func NewProbeFailure(backend, addr string, cause error) *LBError {
	return Wrap(cause, ProbeFailure, "healthcheck", fmt.Sprintf("probe of %s (%s) failed", addr, backend)).
		WithMetadata("backend", backend).WithMetadata("addr", addr)
}

// As reports whether err is (or wraps) an *LBError, writing it into target.
func As(err error, target **LBError) bool {
	return errors.As(err, target)
}

// CodeOf extracts the Code from an error, defaulting to an empty Code if
// err is not an *LBError.
func CodeOf(err error) Code {
	var lbErr *LBError
	if errors.As(err, &lbErr) {
		return lbErr.Code
	}
	return ""
}

// HTTPStatusOf returns the HTTP status for any error, defaulting to 500
// for errors that are not an *LBError.
func HTTPStatusOf(err error) int {
	var lbErr *LBError
	if errors.As(err, &lbErr) {
		return lbErr.HTTPStatusCode()
	}
	return 500
}

// IsRetryable reports whether err is a retryable LBError.
func IsRetryable(err error) bool {
	var lbErr *LBError
	if errors.As(err, &lbErr) {
		return lbErr.IsRetryable()
	}
	return false
}
