package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Validation errors
	ErrInvalidAmount = errors.New("amount must be a positive integer")
	ErrSameAccount   = errors.New("sender and recipient must differ")
	ErrMissingField  = errors.New("required field missing")
	ErrInvalidReason = errors.New("reason not allowed for this operation")
	ErrInvalidHandle = errors.New("handle must not be empty")
	ErrInvalidCursor = errors.New("invalid pagination cursor")
	ErrInvalidZone   = errors.New("unknown timezone")
	ErrKeyReused     = errors.New("idempotency key reused with different parameters")

	// Business rule errors
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyClaimed    = errors.New("reward already claimed in this window")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrAccountDisabled   = errors.New("account disabled")
	ErrHandleTaken       = errors.New("handle already taken")
	ErrDuplicatePayment  = errors.New("payment already credited")
	ErrTransferNotFound  = errors.New("transfer not found")

	// Infrastructure errors
	ErrTimeout = errors.New("timed out waiting for account lock")
)

// ValidationError reports malformed input rejected before any storage access.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Err.Error()
	}
	return fmt.Sprintf("validation: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError for field.
func Invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// StorageError wraps a failure of the underlying store. The operation it
// interrupted left no partial state, so callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError unless it is nil or already a domain
// error that must reach the caller unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsBusiness(err) || errors.Is(err, ErrTimeout) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsBusiness reports whether err is a validation or business-rule rejection.
func IsBusiness(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	for _, target := range []error{
		ErrInsufficientFunds, ErrAlreadyClaimed, ErrUnknownAccount,
		ErrAccountDisabled, ErrHandleTaken, ErrDuplicatePayment, ErrTransferNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var se *StorageError
	return errors.As(err, &se)
}
