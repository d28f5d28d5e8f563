package shared

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the ledger and the workflows. Packages wrap these
// with context; callers match them with errors.Is.
var (
	// ErrValidation indicates malformed input. No mutation was attempted.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState indicates the operation is not legal in the current workflow state.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrNotFound indicates the referenced entity is missing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a unique key already exists.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrDuplicateLocation is returned when a stock location already exists for the department and item.
	ErrDuplicateLocation = errors.New("stock location already exists")
	// ErrDuplicateTransfer is returned when a transfer already exists for the request.
	ErrDuplicateTransfer = errors.New("transfer already exists for request")
	// ErrNegativeStock is returned when a movement would leave a location below zero or below its reservation.
	ErrNegativeStock = errors.New("negative stock not allowed")
	// ErrInsufficientStock is returned when a transfer cannot be covered by the source location.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrCrossDepartmentMismatch is returned when an opname batch references another department's location.
	ErrCrossDepartmentMismatch = errors.New("location belongs to a different department")
	// ErrUnauthorized is returned when the actor lacks the capability for the operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBudgetExceeded is returned when approval is hard-gated by the monthly budget.
	ErrBudgetExceeded = errors.New("monthly budget exceeded")
	// ErrInUse is returned when an entity still has dependents.
	ErrInUse = errors.New("entity still in use")
	// ErrConflict is returned when a concurrent transaction changed the same row; the caller may retry.
	ErrConflict = errors.New("concurrent update")
)

// Validationf wraps ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InvalidStatef wraps ErrInvalidState with a formatted detail.
func InvalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
