// Package boltderr defines the error kind taxonomy shared across boltd's
// subsystems (spec.md §7).
package boltderr

import (
	"errors"
	"fmt"
)

// Kind is one of the wire-visible error kinds from spec.md §7.
type Kind string

const (
	// KindFailed is the generic, uncategorized failure. It should never
	// be reported when a more specific kind applies.
	KindFailed Kind = "failed"
	// KindUdev signals a kernel-event subsystem error.
	KindUdev Kind = "udev"
	// KindNoKey signals authorization attempted without required key
	// material.
	KindNoKey Kind = "no_key"
	// KindBadKey signals a key rejected by the kernel or malformed on
	// disk.
	KindBadKey Kind = "bad_key"
	// KindConfig signals a malformed config file or invalid enum/flag.
	KindConfig Kind = "cfg"
	// KindBadState signals an operation invalid in the current state
	// machine position.
	KindBadState Kind = "bad_state"
	// KindAuthChain signals a parent device in an authorization chain
	// failed.
	KindAuthChain Kind = "authchain"
	// KindNotFound signals a lookup by uid/path/id found nothing.
	KindNotFound Kind = "not_found"
	// KindExists signals an attempt to create something that already
	// exists.
	KindExists Kind = "exists"
	// KindCancelled signals an operation cancelled by the caller.
	KindCancelled Kind = "cancelled"
	// KindAccessDenied signals a policy refusal.
	KindAccessDenied Kind = "access_denied"
	// KindInvalidArgs signals a malformed request rejected before
	// authorization runs, e.g. Set on a property with no setter.
	KindInvalidArgs Kind = "invalid_args"
)

// Error wraps an underlying error with a Kind, and optionally the uid or
// attribute name that the failure relates to.
type Error struct {
	kind Kind
	op   string
	uid  string
	err  error
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error, op string) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, op: op, err: err}
}

// WithUid attaches a uid to the error for logging/reporting context.
func (e *Error) WithUid(uid string) *Error {
	if e == nil {
		return nil
	}
	e2 := *e
	e2.uid = uid
	return &e2
}

// Kind returns the error's kind.
func (e *Error) Kind() Kind {
	if e == nil {
		return KindFailed
	}
	return e.kind
}

func (e *Error) Error() string {
	msg := e.err.Error()
	if e.op != "" {
		msg = e.op + ": " + msg
	}
	if e.uid != "" {
		msg = msg + " (uid=" + e.uid + ")"
	}
	return msg
}

// Unwrap exposes the underlying error to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.err
}

// KindOf extracts the Kind from err, defaulting to KindFailed for errors
// that were not produced by this package.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind()
	}
	return KindFailed
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// BusName returns the wire-visible dbus error name for an error, prefixed
// by the service's error namespace (spec.md §7 "User-visible failure").
func BusName(namespace string, err error) string {
	return namespace + "." + string(KindOf(err))
}
