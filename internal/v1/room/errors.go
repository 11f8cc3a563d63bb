package room

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failed room operation. The reply carries the message;
// the kind picks the logging severity and lets callers branch on the
// failure class without string matching.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindPreconditionFailed
	KindCannotConsume
	KindMediaError
	KindTimeout
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindPreconditionFailed:
		return "PreconditionFailed"
	case KindCannotConsume:
		return "CannotConsume"
	case KindMediaError:
		return "MediaError"
	case KindTimeout:
		return "Timeout"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is the tagged result of a fallible room operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind carried by err, or 0 for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func notFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func precondition(op, format string, args ...any) *Error {
	return &Error{Kind: KindPreconditionFailed, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func cannotConsume(op, format string, args ...any) *Error {
	return &Error{Kind: KindCannotConsume, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// mediaError wraps a failed media worker call. Context expiry is reported
// as a Timeout so the dispatcher can tell a dead deadline from a worker
// refusal.
func mediaError(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Op: op, Msg: "media operation timed out", Err: err}
	}
	return &Error{Kind: KindMediaError, Op: op, Msg: "media operation failed", Err: err}
}
