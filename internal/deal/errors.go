package deal

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package and by the deal services
// wraps exactly one of these so callers can map it with errors.Is.
var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrAlreadyExists      = errors.New("already exists")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrDeadlineExceeded   = errors.New("deadline exceeded")
	ErrPartialFailure     = errors.New("partial failure")
)

var kinds = []error{
	ErrUnauthenticated,
	ErrPermissionDenied,
	ErrNotFound,
	ErrInvalidArgument,
	ErrAlreadyExists,
	ErrFailedPrecondition,
	ErrDeadlineExceeded,
	ErrPartialFailure,
}

// Errorf wraps kind with a formatted message.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// KindOf returns the error kind err wraps, or nil for unclassified errors.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
