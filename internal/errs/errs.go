// Package errs defines the tagged error type shared by the NNTP client,
// the import pipeline and the queue. Callers classify errors by Kind
// instead of matching on message text.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	// KindUnknown is the zero value; treated as Transient by callers.
	KindUnknown Kind = iota
	// KindNotFound means the article does not exist on the server (430/423).
	KindNotFound
	// KindUnauthorized means the server rejected our credentials mid-session (480/481/482).
	KindUnauthorized
	// KindTransient covers timeouts, resets and other conditions worth retrying.
	KindTransient
	// KindProtocol covers malformed yEnc data or unexpected wire responses.
	KindProtocol
	// KindFatal means the server configuration itself is bad (auth rejected);
	// the server is disabled until reconfigured.
	KindFatal
	// KindCancelled is context cancellation; never reported as a failure.
	KindCancelled
	// KindValidation is a definitive input failure (bad NZB, bad request).
	KindValidation
	// KindConflict is a definitive state failure (duplicate job).
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error. Message is single-line and safe to surface
// in history rows.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// E builds a tagged error.
func E(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrap tags an existing error, preserving an existing tag's kind when the
// caller passes KindUnknown.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	if kind == KindUnknown {
		kind = KindOf(cause)
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from an error chain. Untagged errors are
// classified by shape: context errors are Cancelled, net/timeout errors are
// Transient, everything else Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the job pipeline should reschedule instead of
// failing. Unknown errors are retried; definitive kinds are not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknown:
		return true
	default:
		return false
	}
}

// Sanitize renders err as a single line suitable for a history row.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	out := make([]rune, 0, len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' {
			r = ' '
		}
		out = append(out, r)
	}
	if len(out) > 500 {
		out = out[:500]
	}
	return string(out)
}
