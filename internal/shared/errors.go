package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates a status change the state machine rejects.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInsufficientStock indicates a line cannot be covered by available stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConflict indicates a duplicate or already applied request.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence indicates the backing store could not be reached.
	ErrPersistence = errors.New("persistence failure")
)
