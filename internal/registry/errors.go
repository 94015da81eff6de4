package registry

import "errors"

var (
	// ErrValidation reports malformed input (empty name, missing channel).
	ErrValidation = errors.New("validation failed")

	// ErrLimitExceeded reports that the active strategy cap is reached.
	ErrLimitExceeded = errors.New("active strategy limit exceeded")

	// ErrConflict reports an operation invalid for the strategy's current state.
	ErrConflict = errors.New("conflicting strategy state")

	// ErrNotFound reports an unknown strategy id.
	ErrNotFound = errors.New("strategy not found")
)
