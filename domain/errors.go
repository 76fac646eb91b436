package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing the turn and connection boundaries.
type ErrorKind int

const (
	// KindTransient is a network or timeout failure from a collaborator.
	// It degrades a single unit of work (one sentence, one turn).
	KindTransient ErrorKind = iota + 1
	// KindProtocol is a malformed inbound frame. The connection stays open.
	KindProtocol
	// KindFatal is an unrecoverable fault. The connection is closed.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrTurnCancelled marks a turn that stopped because it was cancelled
// (barge-in, client interrupt, context update or disconnect).
var ErrTurnCancelled = errors.New("turn cancelled")

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientProviderError.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Protocol wraps err as a ProtocolError.
func Protocol(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// Fatal wraps err as a FatalSessionError.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in the chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTransient reports whether err is a TransientProviderError. Deadline
// expiry of a collaborator call counts as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindTransient {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsProtocol reports whether err is a ProtocolError.
func IsProtocol(err error) bool {
	return KindOf(err) == KindProtocol
}

// IsFatal reports whether err is a FatalSessionError.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

// IsCancellation reports whether err is expected cancellation control flow
// rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrTurnCancelled) || errors.Is(err, context.Canceled)
}
