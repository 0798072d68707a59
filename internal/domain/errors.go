package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInsufficientFunds    = errors.New("insufficient balance")
	ErrVersionConflict      = errors.New("balance version changed concurrently")
	ErrConcurrencyExhausted = errors.New("too much concurrent activity on this balance, try again later")
	ErrStaleState           = errors.New("record is no longer in the expected state")
	ErrBusy                 = errors.New("resource busy, try again")
	ErrProvider             = errors.New("payment provider unavailable")
	ErrForbidden            = errors.New("not authorized for this operation")
)

// ErrDatesUnavailable is the business outcome of an overlapping reservation.
var ErrDatesUnavailable = fmt.Errorf("%w: dates unavailable", ErrConflict)

// ValidationError describes one rejected input field. It matches ErrValidation
// under errors.Is.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
