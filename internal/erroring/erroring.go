// Package erroring implements the typed error taxonomy of spec §7
// (configuration, provider, path security, authorization, validation,
// timeout, cancellation) and the agent-facing sanitizer that stands between
// a raw internal error and anything fed back to the model. Grounded on the
// teacher's internal/agent/errors.go sentinel+typed-struct idiom and
// original_source/nexus3/core/errors.py's exception hierarchy.
package erroring

import (
	"errors"
	"fmt"
)

// Sentinel base errors, one per spec §7 taxonomy entry. Concrete failures
// wrap one of these via errors.Is/errors.As rather than comparing strings.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrProvider      = errors.New("provider error")
	ErrPathSecurity  = errors.New("path security violation")
	ErrAuthorization = errors.New("authorization error")
	ErrValidation    = errors.New("validation error")
	ErrTimeout       = errors.New("timeout")
	ErrCancelled     = errors.New("cancelled by user")
)

// ConfigError reports a malformed config, unknown provider type, unknown
// model alias, or an SSRF rejection. Raised at construction time; the spec
// treats it as unrecoverable at runtime.
type ConfigError struct {
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return "configuration error: " + e.Message
}

func (e *ConfigError) Unwrap() error { return errorsJoin(ErrConfiguration, e.Cause) }

// ProviderErr reports a network failure after retries, an auth failure, a
// non-retryable HTTP status, or a malformed response body from an
// AsyncProvider. A top-level provider error propagates to run_turn's caller;
// one surfacing from a tool re-invocation becomes an error ToolResult instead.
type ProviderErr struct {
	Provider string
	Message  string
	Cause    error
}

func (e *ProviderErr) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Provider, e.Message)
	}
	return "provider error: " + e.Message
}

func (e *ProviderErr) Unwrap() error { return errorsJoin(ErrProvider, e.Cause) }

// PathSecurityError reports an attempt to escape the sandbox or follow a
// disallowed symlink. Carries the offending path and the reason, per §7.
type PathSecurityError struct {
	Path   string
	Reason string
}

func (e *PathSecurityError) Error() string {
	return fmt.Sprintf("path security violation for %q: %s", e.Path, e.Reason)
}

func (e *PathSecurityError) Unwrap() error { return ErrPathSecurity }

// AuthorizationError reports a refused AgentPool.destroy (or any other
// authorization-gated operation). The pool is left unchanged on this error.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return "authorization error: " + e.Message }

func (e *AuthorizationError) Unwrap() error { return ErrAuthorization }

// ValidationError reports tool arguments rejected by a skill's parameter
// schema. Surfaced as a per-tool ToolResult{error} and a failed ToolCompleted
// event, never propagated to the turn caller.
type ValidationError struct {
	ToolName string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.ToolName != "" {
		return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, e.Message)
	}
	return "validation error: " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TimeoutError reports a skill or HTTP timeout. Always surfaces as a
// per-tool error result, never as a turn-level failure.
type TimeoutError struct {
	ToolName string
	Seconds  float64
}

func (e *TimeoutError) Error() string {
	if e.ToolName != "" {
		return fmt.Sprintf("%s timed out after %gs", e.ToolName, e.Seconds)
	}
	return fmt.Sprintf("timed out after %gs", e.Seconds)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// errorsJoin is a small helper so Unwrap can report both the taxonomy
// sentinel and a wrapped cause without requiring Go 1.20's errors.Join at
// every call site that has no cause.
func errorsJoin(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return errors.Join(sentinel, cause)
}
