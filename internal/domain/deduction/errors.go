package deduction

import "errors"

var (
	// ErrNotProcessing is returned when a status transition is attempted
	// on a row that is not currently claimed as processing.
	ErrNotProcessing = errors.New("deduction is not in processing state")

	// ErrNotFound is returned when a deduction row does not exist.
	ErrNotFound = errors.New("deduction not found")

	// ErrInvalidPayload is returned when an enqueue request is malformed.
	ErrInvalidPayload = errors.New("invalid deduction payload")

	ErrInternal = errors.New("internal error")
)
