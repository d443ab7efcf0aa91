package annotation

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by this package unwraps to exactly one of these.
var (
	ErrInvalidRange       = errors.New("invalid range")
	ErrUnknownLabel       = errors.New("unknown label")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateLabel     = errors.New("duplicate label")
	ErrLabelInUse         = errors.New("label in use")
	ErrSameGroup          = errors.New("same group")
	ErrUnsupportedOverlap = errors.New("unsupported overlap")
	ErrMergeConflict      = errors.New("merge conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNoLabels           = errors.New("no labels")
	ErrDuplicateSpan      = errors.New("duplicate span")
	ErrMergeMismatch      = errors.New("merge mismatch")
)

// Error carries the operation and subject of a failed call.
type Error struct {
	Kind   error
	Op     string
	ID     string
	Detail string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Op + ": " + e.Kind.Error()
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, op, id, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, ID: id, Detail: detail}
}

// KindOf returns the sentinel kind of err, or nil when err is not an annotation error.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrInvalidRange, ErrUnknownLabel, ErrNotFound, ErrDuplicateLabel, ErrLabelInUse,
		ErrSameGroup, ErrUnsupportedOverlap, ErrMergeConflict, ErrInvalidInput, ErrNoLabels,
		ErrDuplicateSpan, ErrMergeMismatch,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
