// Package errs defines the error taxonomy shared by the board monitor and the
// transport backends.
//
// Transport errors are translated into one of these kinds exactly once, at the
// call site that invokes the transport. Values that already carry a kind are
// never re-translated, which is how subscriber errors flow back through a
// refresh without double-mapping.
package errs

import (
	"errors"
	"fmt"
	"io/fs"
)

// Code classifies an error.
type Code int

const (
	Memory Code = iota + 1
	IO
	Access
	NotFound
	Mode
	Range
	Firmware
	Unsupported
	System
)

func (c Code) String() string {
	switch c {
	case Memory:
		return "memory"
	case IO:
		return "io"
	case Access:
		return "access"
	case NotFound:
		return "not found"
	case Mode:
		return "mode"
	case Range:
		return "range"
	case Firmware:
		return "firmware"
	case Unsupported:
		return "unsupported"
	case System:
		return "system"
	}
	return "unknown"
}

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a coded error from a format string.
func New(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error. A nil cause returns nil.
// If the cause already carries a code it is returned unchanged.
func Wrap(code Code, cause error) error {
	if cause == nil {
		return nil
	}
	var coded *Error
	if errors.As(cause, &coded) {
		return cause
	}
	return &Error{Code: code, Cause: cause}
}

// CodeOf extracts the code from err, or 0 when err carries none.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return 0
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// FromOS maps an operating-system level error onto the taxonomy. Used by
// transport backends when opening or enumerating devices.
func FromOS(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return Wrap(Access, err)
	case errors.Is(err, fs.ErrNotExist):
		return Wrap(NotFound, err)
	default:
		return Wrap(IO, err)
	}
}
