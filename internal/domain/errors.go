package domain

import (
	"errors"
	"fmt"
)

// AuthError indicates that webhook authentication failed: a missing, malformed
// or mismatching signature, or a timestamp outside the replay tolerance. Auth
// failures are rejected synchronously and never retried by this system.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// NewAuthError creates an AuthError with the given reason.
func NewAuthError(format string, args ...any) *AuthError {
	return &AuthError{Reason: fmt.Sprintf(format, args...)}
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ValidationError indicates a structurally invalid webhook payload: malformed
// JSON or missing required fields. Validation failures are rejected and not
// retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// NewValidationError creates a ValidationError with the given reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RecoveryOutcome is the result code of a recovery-attribution attempt.
// Expected business outcomes (a stale case outside the attribution window, a
// duplicate success event) are outcomes, not errors.
type RecoveryOutcome string

const (
	// OutcomeRecovered means the case transitioned open -> recovered.
	OutcomeRecovered RecoveryOutcome = "recovered"
	// OutcomeOutsideWindow means the success arrived after the attribution
	// window; the case remains open.
	OutcomeOutsideWindow RecoveryOutcome = "outside_window"
	// OutcomeAlreadyResolved means a concurrent writer already resolved the
	// case; the attempt is a no-op, not an error.
	OutcomeAlreadyResolved RecoveryOutcome = "already_resolved"
	// OutcomeNoOpenCase means no open case exists for the membership.
	OutcomeNoOpenCase RecoveryOutcome = "no_open_case"
)
