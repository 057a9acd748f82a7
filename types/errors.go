package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies errors for retry and propagation decisions.
type ErrorKind string

const (
	// KindCommunication is transient and retryable (network, RPC).
	KindCommunication ErrorKind = "communication"
	// KindAuthentication is fatal to the operation.
	KindAuthentication ErrorKind = "authentication"
	// KindUsage is caller misuse, surfaced immediately.
	KindUsage ErrorKind = "usage"
	// KindUnsupported is a feature or version mismatch.
	KindUnsupported ErrorKind = "unsupported"
	// KindCorruption is a checksum failure on log read.
	KindCorruption ErrorKind = "corruption"
	// KindIO is a local disk failure on the log write path. Fatal.
	KindIO ErrorKind = "io"
)

// Sentinel errors. Match with errors.Is.
var (
	// ErrRunClosed is returned by appends after the run was sealed.
	ErrRunClosed = errors.New("run closed")
	// ErrUnknownSlot is returned when resolving an unregistered or used slot.
	ErrUnknownSlot = errors.New("unknown mailbox slot")
	// ErrTimeout is returned when an await exceeds its timeout.
	ErrTimeout = errors.New("timed out waiting for result")
	// ErrUnavailable is returned by collaborators that are not reachable.
	ErrUnavailable = errors.New("collaborator unavailable")
)

// Error is a classified error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError classifies err under kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// UsageError reports caller misuse.
func UsageError(op string, err error) *Error {
	return &Error{Kind: KindUsage, Op: op, Err: err}
}

// CommunicationError reports a transient collaborator failure.
func CommunicationError(op string, err error) *Error {
	return &Error{Kind: KindCommunication, Op: op, Err: err}
}

// CorruptionError reports a checksum failure at offset.
func CorruptionError(offset int64, err error) *Error {
	return &Error{Kind: KindCorruption, Op: fmt.Sprintf("read offset %d", offset), Err: err}
}

// KindOf returns the classification of err.
// Unclassified errors and context deadlines are communication errors;
// ErrRunClosed and ErrUnknownSlot are usage errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrRunClosed), errors.Is(err, ErrUnknownSlot):
		return KindUsage
	default:
		return KindCommunication
	}
}

// IsRetryable reports whether a failed operation may be attempted again.
// Cancellation of the caller's context is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindCommunication
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

func errUnknownResponse(t ResponseType) error {
	return fmt.Errorf("unknown response type %q", t)
}
