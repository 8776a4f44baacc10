package e57

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by this package wraps exactly one of these,
// so callers can tell a bad file from API misuse from an internal bug with errors.Is.
var (
	ErrNotOpen             = errors.New("e57: file not open")
	ErrReadOnly            = errors.New("e57: file not open for writing")
	ErrUnsupportedFormat   = errors.New("e57: unsupported format")
	ErrCorruptData         = errors.New("e57: corrupt data")
	ErrStructuralViolation = errors.New("e57: structural violation")
	ErrSessionConflict     = errors.New("e57: session conflict")
	ErrBadDowncast         = errors.New("e57: bad downcast")
	ErrInvariantViolation  = errors.New("e57: invariant violation")
	ErrInternal            = errors.New("e57: internal error")
	ErrBadArgument         = errors.New("e57: bad argument")
	ErrLimitExceeded       = errors.New("e57: limit exceeded")
)

// Structural violations.
var (
	ErrAlreadyAttached  = fmt.Errorf("%w: node already has a parent", ErrStructuralViolation)
	ErrForeignContainer = fmt.Errorf("%w: node belongs to a different file", ErrStructuralViolation)
	ErrDuplicateName    = fmt.Errorf("%w: duplicate element name", ErrStructuralViolation)
	ErrCycle            = fmt.Errorf("%w: attachment would create a cycle", ErrStructuralViolation)
	ErrBadElementName   = fmt.Errorf("%w: bad element name", ErrStructuralViolation)
	ErrHomogeneous      = fmt.Errorf("%w: vector requires children of one kind", ErrStructuralViolation)
	ErrBadPrototype     = fmt.Errorf("%w: bad prototype", ErrStructuralViolation)
)

// ErrValueOutOfBounds reports a value outside the declared minimum/maximum.
var ErrValueOutOfBounds = fmt.Errorf("%w: value out of bounds", ErrBadArgument)

// CorruptDataError reports a checksum mismatch or a truncated page.
// Page is the physical page index, counted from the start of the file.
type CorruptDataError struct {
	Page uint64
	Msg  string
}

func corruptPagef(page uint64, format string, args ...any) error {
	return &CorruptDataError{Page: page, Msg: fmt.Sprintf(format, args...)}
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("%v: physical page %d: %s", ErrCorruptData, e.Page, e.Msg)
}

func (e *CorruptDataError) Unwrap() error {
	return ErrCorruptData
}
