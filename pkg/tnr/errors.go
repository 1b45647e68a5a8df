package tnr

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by an Instance matches exactly one of
// these through errors.Is.
var (
	// ErrInvalidArgument: nil buffers, a foreign parameter blob, bad sizes.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAllocation: the segment allocator failed or the name was taken.
	ErrAllocation = errors.New("allocation failure")
	// ErrHandleResolution: an address is not a registered segment, or an
	// external buffer could not be imported.
	ErrHandleResolution = errors.New("handle resolution failure")
	// ErrTransport: the remote side rejected the command or the channel
	// failed.
	ErrTransport = errors.New("transport failure")
	// ErrInvalidState: the operation is not valid in the instance's
	// current lifecycle state.
	ErrInvalidState = errors.New("invalid state")
)

// Error is the structured error returned by Instance operations.
type Error struct {
	Op   string // "init", "run frame", "alloc cam buf", ...
	Kind error  // one of the Err* kinds above
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tnr %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("tnr %s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func errorf(op string, kind error, format string, args ...interface{}) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Kind returns the error kind carried by err, or nil if err did not come
// from this package.
func Kind(err error) error {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return nil
}
