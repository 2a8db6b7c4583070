// Package errors defines the error taxonomy shared by the economy engines.
//
// Sentinels are matched with errors.Is; constructors wrap a sentinel with
// context so callers can both branch on the class and log the detail.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input. No side effects occurred.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds is an expected business rejection on a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientStock is an expected business rejection on a purchase.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrAlreadyClaimed marks a duplicate claim for the same user and task.
	ErrAlreadyClaimed = errors.New("task already claimed")

	// ErrAlreadyCompleted marks a second approval of an accepted claim.
	ErrAlreadyCompleted = errors.New("claim already completed")

	// ErrConcurrencyConflict marks a lost race on a guarded section or a
	// failed conditional store update. Callers may retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStoreUnavailable marks a transient remote store failure after
	// retries were exhausted, or an open circuit breaker.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrIntegrityViolation marks a ledger/projection mismatch. It is never
	// auto-corrected inline; the reconciliation routine owns repair.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrUnauthorized marks a failed authentication or authorization check.
	ErrUnauthorized = errors.New("unauthorized")
)

// Validation wraps ErrValidation with a formatted message.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with the entity kind and key.
func NotFound(kind, key string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, key)
}

// Unauthorized wraps ErrUnauthorized with a message.
func Unauthorized(msg string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
}

// IsBusinessRejection reports whether err is an expected rejection that
// should be surfaced to the caller with its message intact.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrAlreadyClaimed) ||
		errors.Is(err, ErrAlreadyCompleted) ||
		errors.Is(err, ErrValidation)
}

// Is re-exports errors.Is so callers importing this package do not also
// need the standard library package under an alias.
func Is(err, target error) bool { return errors.Is(err, target) }
