package engine

import "fmt"

// ConfigurationError means stage data is missing or inconsistent: an org
// with no stages, or a current stage reference that does not resolve.
// Not retryable without an administrative fix.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Message, e.Err)
	}
	return "configuration: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ValidationError means required prerequisites are unmet. The common case;
// Result carries the full check list so callers can explain what is missing.
type ValidationError struct {
	Message string
	Result  *Result
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return "validation: " + e.Message
	}
	return "validation: required prerequisites not met"
}

// AuthenticationError means no actor identity was supplied.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message != "" {
		return "authentication: " + e.Message
	}
	return "authentication required"
}

// BypassNotAllowedError means the actor requested bypassValidation without
// holding a bypass-eligible role.
type BypassNotAllowedError struct {
	ActorID string
}

func (e *BypassNotAllowedError) Error() string {
	return fmt.Sprintf("actor %s is not allowed to bypass validation", e.ActorID)
}

// PersistenceError wraps a store failure. Retryable at the caller's
// discretion; the engine does not retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
