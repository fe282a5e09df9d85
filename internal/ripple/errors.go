package ripple

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failure for the retry and queuing layers.
type ErrorKind string

const (
	// KindRetriable marks transient failures: network unreachable,
	// request timeout, server 5xx/429, "unavailable"-class backend codes.
	KindRetriable ErrorKind = "retriable"

	// KindTerminal marks failures that must propagate immediately:
	// auth failure, validation error, not-found, permission denied.
	KindTerminal ErrorKind = "terminal"

	// KindOffline marks the distinct "no connectivity and no usable
	// cache" condition so callers can render an offline affordance.
	KindOffline ErrorKind = "offline"
)

// Backend codes treated as retriable regardless of transport.
const (
	CodeTimeout          = "timeout"
	CodeUnavailable      = "unavailable"
	CodeDeadlineExceeded = "deadline-exceeded"
	CodeAborted          = "aborted"
)

// Error is a classified failure. Lower layers never swallow errors:
// they either resolve with a valid fallback value or return one of these
// for the next layer up to decide queuing and reporting.
type Error struct {
	Kind ErrorKind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable wraps err as a transient failure.
func Retriable(code string, err error) *Error {
	return &Error{Kind: KindRetriable, Code: code, Err: err}
}

// Terminal wraps err as a non-retriable failure.
func Terminal(code string, err error) *Error {
	return &Error{Kind: KindTerminal, Code: code, Err: err}
}

// Offline reports that no connectivity is available and no cached value
// could stand in.
func Offline(err error) *Error {
	return &Error{Kind: KindOffline, Code: "offline", Err: err}
}

// ErrCacheMiss is returned by cache-only reads when no entry exists.
var ErrCacheMiss = errors.New("cache miss")

// DropError is delivered to the queue's drop callback when an operation
// exceeds the maximum attempt count. This is a deliberate data-loss
// boundary and must be surfaced to the end user.
type DropError struct {
	Op  QueuedOperation
	Err error
}

func (e *DropError) Error() string {
	return fmt.Sprintf("dropped %s %s %s after %d attempts: %v",
		e.Op.Kind, e.Op.Entity, e.Op.ID, e.Op.Attempts, e.Err)
}

func (e *DropError) Unwrap() error { return e.Err }

// IsRetriable reports whether err should be retried. Classified errors
// answer directly; unclassified errors fall back to transport heuristics
// (net timeouts and DNS/dial failures are transient, everything else is
// terminal).
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindRetriable || ce.Kind == KindOffline
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// IsOffline reports whether err is the offline error kind.
func IsOffline(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindOffline
}

// IsTerminal reports whether err is classified as non-retriable.
func IsTerminal(err error) bool {
	return err != nil && !IsRetriable(err)
}
