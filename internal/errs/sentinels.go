// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a missing or invalid bearer credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., point name taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInsufficientFunds indicates a debit larger than the current balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount indicates a non-positive, overflowing or non-allowed amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDispensingPointInactive indicates the dispensing point is switched off.
	ErrDispensingPointInactive = errors.New("dispensing point inactive")

	// ErrInvalidArgument indicates malformed input rejected before touching storage.
	ErrInvalidArgument = errors.New("invalid argument")
)

// InsufficientFundsError carries the amounts behind an issuance pre-check failure.
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d", e.Required, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientFunds) hold.
func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }
