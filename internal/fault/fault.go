// Package fault defines the error taxonomy shared by every LabLink component.
// A Fault carries the stable kind that drives HTTP status mapping plus the
// user-visible message and optional structured details.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes a fault for status mapping and client retry decisions.
type Kind string

const (
	KindBadRequest            Kind = "bad_request"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindPermissionDenied      Kind = "permission_denied"
	KindBusy                  Kind = "busy"
	KindTimeout               Kind = "timeout"
	KindInstrumentUnavailable Kind = "instrument_unavailable"
	KindParseError            Kind = "parse_error"
	KindCancelled             Kind = "cancelled"
	KindInternal              Kind = "internal"
)

// Retryable reports whether a caller may reasonably retry after this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindBusy, KindTimeout, KindInstrumentUnavailable, KindInternal:
		return true
	}
	return false
}

// Fault is the error value exchanged across component boundaries.
type Fault struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

// WithDetail returns f with the key/value added to its details map.
func (f *Fault) WithDetail(key string, value interface{}) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]interface{})
	}
	f.Details[key] = value
	return f
}

// New creates a fault of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault of the given kind preserving the underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func BadRequest(format string, args ...interface{}) *Fault {
	return New(KindBadRequest, format, args...)
}

func NotFound(format string, args ...interface{}) *Fault {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Fault {
	return New(KindConflict, format, args...)
}

func PermissionDenied(format string, args ...interface{}) *Fault {
	return New(KindPermissionDenied, format, args...)
}

func Busy(format string, args ...interface{}) *Fault {
	return New(KindBusy, format, args...)
}

func Timeout(format string, args ...interface{}) *Fault {
	return New(KindTimeout, format, args...)
}

func Unavailable(format string, args ...interface{}) *Fault {
	return New(KindInstrumentUnavailable, format, args...)
}

func ParseError(format string, args ...interface{}) *Fault {
	return New(KindParseError, format, args...)
}

func Cancelled(format string, args ...interface{}) *Fault {
	return New(KindCancelled, format, args...)
}

func Internal(format string, args ...interface{}) *Fault {
	return New(KindInternal, format, args...)
}

// As attempts to convert an error to a *Fault. Returns nil if not possible.
func As(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// Is reports whether err is a fault of the given kind.
func Is(err error, kind Kind) bool {
	f := As(err)
	return f != nil && f.Kind == kind
}

// From converts any error into a fault. Context errors map to their
// taxonomy kinds; anything unclassified becomes internal.
func From(err error) *Fault {
	if err == nil {
		return nil
	}
	if f := As(err); f != nil {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err, "deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindCancelled, err, "operation cancelled")
	}
	return Wrap(KindInternal, err, "%v", err)
}

// KindOf returns the taxonomy kind of any error, classifying unknown
// errors as internal. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}
