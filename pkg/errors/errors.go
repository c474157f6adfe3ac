package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can pick a recovery policy
// without string matching.
type Kind string

const (
	// KindTransient covers transport drops, heartbeat timeouts and ICE
	// disconnects. Recovered automatically with backoff.
	KindTransient Kind = "TRANSIENT"
	// KindNegotiation covers SDP parse failures, state-order violations
	// and unexpected answers. Recovered by rollback or session rebuild.
	KindNegotiation Kind = "NEGOTIATION"
	// KindDevice covers microphone or display acquisition failures.
	// Surfaced to the caller, never retried silently.
	KindDevice Kind = "DEVICE"
	// KindProtocol covers malformed envelopes from server or peer.
	// Dropped and logged.
	KindProtocol Kind = "PROTOCOL"
	// KindMisuse covers API calls in an invalid order, such as operating
	// on a mesh before joining a room.
	KindMisuse Kind = "MISUSE"
	// KindInternal is everything else.
	KindInternal Kind = "INTERNAL"
)

// AppError carries a failure kind, a message and an optional cause.
type AppError struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(err error, kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: err}
}

// Common constructors.

func NewTransient(message string) *AppError   { return New(KindTransient, message) }
func NewNegotiation(message string) *AppError { return New(KindNegotiation, message) }
func NewDevice(message string) *AppError      { return New(KindDevice, message) }
func NewProtocol(message string) *AppError    { return New(KindProtocol, message) }
func NewMisuse(message string) *AppError      { return New(KindMisuse, message) }

// KindOf extracts the Kind from an error chain, or KindInternal when the
// chain carries no AppError.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries an AppError of the kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
