// Package errs defines the error kinds shared by the binning pipeline and the
// training orchestrator.
//
// Callers classify a failure with errors.Is against one of the sentinels:
//
//	if errors.Is(err, errs.ErrConsistency) { ... }
//
// Configuration and consistency errors are never repaired automatically.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports a bad or missing declarative option, an
	// unsupported architecture or an unsupported parallelization mode.
	ErrConfiguration = errors.New("configuration error")

	// ErrLookup reports a reference to something that does not exist, such as
	// an uncalibrated module id or a checkpoint that was never written.
	ErrLookup = errors.New("lookup error")

	// ErrConsistency reports state that disagrees with itself: a history merge
	// conflict, a summary header that does not match the model, or input
	// branches with different event counts.
	ErrConsistency = errors.New("consistency error")

	// ErrIO reports an output path that cannot be written.
	ErrIO = errors.New("io error")
)

// Configf returns an ErrConfiguration with a formatted message.
func Configf(format string, args ...any) error {
	return wrap(ErrConfiguration, format, args...)
}

// Lookupf returns an ErrLookup with a formatted message.
func Lookupf(format string, args ...any) error {
	return wrap(ErrLookup, format, args...)
}

// Consistencyf returns an ErrConsistency with a formatted message.
func Consistencyf(format string, args ...any) error {
	return wrap(ErrConsistency, format, args...)
}

// IOf returns an ErrIO with a formatted message. A trailing error argument
// is kept in the chain so the underlying *fs.PathError stays inspectable.
func IOf(format string, args ...any) error {
	return wrap(ErrIO, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if n := len(args); n > 0 {
		if cause, ok := args[n-1].(error); ok {
			return &kindError{kind: kind, msg: msg, cause: cause}
		}
	}
	return &kindError{kind: kind, msg: msg}
}

type kindError struct {
	kind  error
	msg   string
	cause error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.msg
}

func (e *kindError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}
