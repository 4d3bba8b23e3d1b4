package order

import "errors"

// Write-path errors. Handlers and CLI commands dispatch on these with
// errors.Is, so wrapped variants must preserve the sentinel.
var (
	// ErrInvalidReference means a required foreign id failed to resolve
	// at write time.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrIllegalTransition means the requested status change violates
	// the test state machine.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrOrderClosed means a mutation was attempted on a terminal order.
	ErrOrderClosed = errors.New("order is closed")

	// ErrNotFound means the order or test item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoTests means an order was submitted without any tests.
	ErrNoTests = errors.New("order must contain at least one test")

	// ErrInvalidInput covers malformed priorities, statuses and fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVersionConflict is returned by the repository when an update's
	// expected version no longer matches the stored row. The service
	// retries on it; it never crosses the API boundary.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConflictRetryExhausted means concurrent contention on the same
	// order persisted through every retry. Callers should back off and
	// try again.
	ErrConflictRetryExhausted = errors.New("concurrent update conflict, retries exhausted")
)
