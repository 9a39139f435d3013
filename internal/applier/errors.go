package applier

import (
	"errors"
	"fmt"

	"github.com/roach88/boardsync/internal/ops"
)

// OpError describes why a single operation was not applied.
type OpError struct {
	// Code identifies the error category.
	Code OpErrorCode

	// Type is the kind of the offending operation.
	Type ops.Kind

	// ColumnID is set for column-scoped failures.
	ColumnID string

	// Message is a human-readable description.
	Message string
}

// OpErrorCode categorizes apply errors.
type OpErrorCode string

const (
	// ErrCodeUnknownType marks an op whose type is not recognized or whose
	// payload could not be decoded. Such ops are skipped, not failed.
	ErrCodeUnknownType OpErrorCode = "UNKNOWN_TYPE"

	// ErrCodeColumnNotFound indicates the targeted column does not exist.
	ErrCodeColumnNotFound OpErrorCode = "COLUMN_NOT_FOUND"

	// ErrCodeInvalidOp indicates a structurally invalid op.
	ErrCodeInvalidOp OpErrorCode = "INVALID_OP"

	// ErrCodePanic indicates the op panicked while being applied.
	ErrCodePanic OpErrorCode = "PANIC"

	// ErrCodeNoDocument indicates no board was open.
	ErrCodeNoDocument OpErrorCode = "NO_DOCUMENT"
)

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.ColumnID != "" {
		return fmt.Sprintf("%s: %s %s (column=%s)", e.Code, e.Type, e.Message, e.ColumnID)
	}
	return fmt.Sprintf("%s: %s %s", e.Code, e.Type, e.Message)
}

// IsSkipped reports whether err marks an op that was deliberately skipped.
func IsSkipped(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code == ErrCodeUnknownType
	}
	return false
}

// IsColumnNotFound reports whether err is a missing-column error.
func IsColumnNotFound(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code == ErrCodeColumnNotFound
	}
	return false
}

// IsPanic reports whether err came from a recovered panic.
func IsPanic(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code == ErrCodePanic
	}
	return false
}
