package services

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when the requester may not see or act on the
// record.
var ErrForbidden = errors.New("access denied")

// ValidationError reports caller-fixable bad input.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }
