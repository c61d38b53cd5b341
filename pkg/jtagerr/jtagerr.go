// Package jtagerr defines the error kinds shared by the cable and flash
// layers. Every error returned by this module wraps exactly one of the
// sentinels below so callers can branch with errors.Is.
package jtagerr

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

var (
	ErrOutOfMemory     = stderrors.New("out of memory")
	ErrIO              = stderrors.New("I/O error")
	ErrInvalid         = stderrors.New("invalid argument")
	ErrSyntax          = stderrors.New("syntax error")
	ErrNotFound        = stderrors.New("not found")
	ErrHardwareFailure = stderrors.New("hardware failure")
	ErrUnsupported     = stderrors.New("unsupported")
	ErrState           = stderrors.New("invalid state")
)

// kind tags an error with one of the sentinels while keeping the original
// message and stack trace.
type kind struct {
	sentinel error
	cause    error
}

func (k *kind) Error() string { return k.cause.Error() }

func (k *kind) Unwrap() []error { return []error{k.sentinel, k.cause} }

// Cause satisfies github.com/pkg/errors.Cause.
func (k *kind) Cause() error { return k.cause }

func tag(sentinel error, cause error) error {
	if cause == nil {
		return nil
	}
	if stderrors.Is(cause, sentinel) {
		return cause
	}
	return &kind{sentinel: sentinel, cause: cause}
}

func newf(sentinel error, format string, args ...interface{}) error {
	return &kind{sentinel: sentinel, cause: errors.Errorf(format, args...)}
}

// IO wraps err as an I/O failure. A nil err yields nil.
func IO(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return tag(ErrIO, errors.Wrapf(err, format, args...))
}

// IOf reports an I/O failure without an underlying error.
func IOf(format string, args ...interface{}) error {
	return newf(ErrIO, format, args...)
}

func OutOfMemory(format string, args ...interface{}) error {
	return newf(ErrOutOfMemory, format, args...)
}

func Invalid(format string, args ...interface{}) error {
	return newf(ErrInvalid, format, args...)
}

func Syntax(format string, args ...interface{}) error {
	return newf(ErrSyntax, format, args...)
}

// SyntaxWrap tags a parser error as a syntax error.
func SyntaxWrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return tag(ErrSyntax, errors.Wrapf(err, format, args...))
}

func NotFound(format string, args ...interface{}) error {
	return newf(ErrNotFound, format, args...)
}

func Hardware(format string, args ...interface{}) error {
	return newf(ErrHardwareFailure, format, args...)
}

func Unsupported(format string, args ...interface{}) error {
	return newf(ErrUnsupported, format, args...)
}

func State(format string, args ...interface{}) error {
	return newf(ErrState, format, args...)
}

// Wrap adds context to err and keeps its kind.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
