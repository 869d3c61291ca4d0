/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these with context and callers match with errors.Is.

ERROR CATEGORIES:
  1. Store errors - missing documents, optimistic-concurrency conflicts
  2. Validation errors - malformed input, never partially applied
  3. Invariant errors - inventory shortage, exhausted promo codes
  4. Workflow errors - illegal transitions, unauthorized approvals
  5. External errors - charge reversal failures

PROPAGATION:
  Transactional invariant violations abort the transaction and surface to
  the caller. Advisory checks (availability, promo preview) never return
  these; they degrade to a reason string instead.

SEE ALSO:
  - runner.go: Retries ErrConflict, nothing else
  - api/handlers.go: Maps categories onto HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when optimistic concurrency detects that a
	// document changed between read and commit. Retryable.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a create collides with an
	// existing document for the same idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrValidation            = errors.New("validation failed")
	ErrInsufficientInventory = errors.New("insufficient inventory")

	ErrReservationExpired   = errors.New("reservation expired")
	ErrReservationNotActive = errors.New("reservation not active")

	ErrPromoCodeInvalid   = errors.New("promo code invalid")
	ErrPromoCodeExhausted = errors.New("promo code exhausted")

	ErrInvalidTransition = errors.New("invalid status transition")

	ErrRefundUnauthorized    = errors.New("refund approval unauthorized")
	ErrRefundAlreadyResolved = errors.New("refund already resolved")

	// ErrChargeReversalFailed marks the refund failed. Never auto-retried.
	ErrChargeReversalFailed = errors.New("external charge reversal failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError is a shorthand used by every module's input checks.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientInventoryError reports the first tier that could not be covered.
type InsufficientInventoryError struct {
	EventID   string
	TierID    string
	Requested int
	Remaining int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for tier %s: requested %d, remaining %d",
		e.TierID, e.Requested, e.Remaining)
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

// PromoCodeError carries the user-facing reason a code was refused.
type PromoCodeError struct {
	Code      string
	Reason    string
	Exhausted bool
}

func (e *PromoCodeError) Error() string {
	return fmt.Sprintf("promo code %s: %s", e.Code, e.Reason)
}

func (e *PromoCodeError) Unwrap() error {
	if e.Exhausted {
		return ErrPromoCodeExhausted
	}
	return ErrPromoCodeInvalid
}

// TransitionError is returned by every state machine in the engine.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ChargeReversalError wraps the gateway failure with the key to retry under.
type ChargeReversalError struct {
	RefundID       string
	IdempotencyKey string
	Err            error
}

func (e *ChargeReversalError) Error() string {
	return fmt.Sprintf("charge reversal for refund %s (key %s): %v", e.RefundID, e.IdempotencyKey, e.Err)
}

func (e *ChargeReversalError) Unwrap() []error { return []error{ErrChargeReversalFailed, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPromoCodeInvalid) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
