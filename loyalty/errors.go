/*
errors.go - Centralized error types for the loyalty engine

ERROR CATEGORIES:
  1. Lookup errors - Order, tier or user record missing
  2. Integrity errors - Tier still referenced, inactive tier assigned
  3. Concurrency errors - Stale write detected, retries exhausted

USAGE:
  if errors.Is(err, loyalty.ErrNotFound) {
      // 404
  }
  var rie *loyalty.ReferentialIntegrityError
  if errors.As(err, &rie) {
      fmt.Printf("%d users still on tier %s\n", rie.Users, rie.TierID)
  }
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when an order, tier or user record is missing.
	ErrNotFound = errors.New("not found")

	// ErrReferentialIntegrity is returned when deleting a tier users still reference.
	ErrReferentialIntegrity = errors.New("referential integrity violation")

	// ErrInvalidState is returned for inactive tier assignment and malformed tiers.
	ErrInvalidState = errors.New("invalid state")

	// ErrConcurrentModification is returned by stores when a write was based
	// on a stale version. Ledger mutations retry on it.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrConcurrencyConflict is returned when retries on a mutation are exhausted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrOrderNotAnnotated is returned alongside a committed award when the
	// order's points annotation could not be written. Retrying the award
	// repairs it.
	ErrOrderNotAnnotated = errors.New("points settled but order not annotated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "order", "tier", "user_rewards", "product"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ReferentialIntegrityError is returned by TierRegistry.Delete.
type ReferentialIntegrityError struct {
	TierID TierID
	Users  int
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("tier %s is still assigned to %d user(s)", e.TierID, e.Users)
}

func (e *ReferentialIntegrityError) Unwrap() error { return ErrReferentialIntegrity }

type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string { return "invalid state: " + e.Reason }

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ConcurrencyConflictError is returned after MaxRetries stale-write conflicts.
type ConcurrencyConflictError struct {
	Key      string
	Attempts int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s after %d attempt(s)", e.Key, e.Attempts)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrReferentialIntegrity)
}
