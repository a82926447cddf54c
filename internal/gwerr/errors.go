// Package gwerr defines the error kinds shared by the gateway packages.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a gateway error.
type Kind string

const (
	// KindConfiguration is fatal for the affected object: bad secret, missing
	// rule arguments, unresolvable pixel mask.
	KindConfiguration Kind = "CONFIGURATION"

	// KindTransform is recoverable per attribute.
	KindTransform Kind = "TRANSFORM"

	// KindTransport is recoverable per destination.
	KindTransport Kind = "TRANSPORT"

	// KindProtocol aborts the current association.
	KindProtocol Kind = "PROTOCOL"
)

// Error is a categorized gateway error.
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "profile.build".
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to err. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration creates a configuration error.
func Configuration(op, format string, args ...any) *Error {
	return New(KindConfiguration, op, format, args...)
}

// Transform creates a transform error.
func Transform(op, format string, args ...any) *Error {
	return New(KindTransform, op, format, args...)
}

// Transport creates a transport error.
func Transport(op, format string, args ...any) *Error {
	return New(KindTransport, op, format, args...)
}

// Protocol creates a protocol error.
func Protocol(op, format string, args ...any) *Error {
	return New(KindProtocol, op, format, args...)
}

// KindOf returns the kind of err, or "" when err is not a gateway error.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return KindOf(err) == KindConfiguration
}

// IsTransform reports whether err is a transform error.
func IsTransform(err error) bool {
	return KindOf(err) == KindTransform
}

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool {
	return KindOf(err) == KindTransport
}

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool {
	return KindOf(err) == KindProtocol
}
