// ABOUTME: Error taxonomy for the chat core: transport, auth, validation, not-found
// ABOUTME: Error values carry operation and server detail and match their kind via errors.Is

package chat

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the chat core matches exactly one of these.
var (
	// ErrTransport covers connect timeouts, drops and server-side failures. Retryable.
	ErrTransport = errors.New("transport error")
	// ErrAuth means the credential is missing, invalid or expired. Requires re-login.
	ErrAuth = errors.New("authentication error")
	// ErrValidation means the request was malformed. Never retried automatically.
	ErrValidation = errors.New("validation error")
	// ErrNotFound means the conversation, message or counterpart no longer exists.
	ErrNotFound = errors.New("not found")
)

// ErrUnavailable is returned after local state for a vanished conversation was cleared.
var ErrUnavailable = fmt.Errorf("%w: conversation no longer available", ErrNotFound)

// Error is a classified failure from an API call or the stream.
type Error struct {
	Kind    error  // one of the kind sentinels above
	Op      string // operation, e.g. "send message"
	Status  int    // HTTP status when the error came from the API
	Message string // server-provided detail, surfaced verbatim
	Err     error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transport wraps err as a transport error for op.
func Transport(op string, err error) error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

// Auth returns an auth error for op with the given detail.
func Auth(op, message string) error {
	return &Error{Kind: ErrAuth, Op: op, Message: message}
}

// Validation returns a validation error for op with the given detail.
func Validation(op, message string) error {
	return &Error{Kind: ErrValidation, Op: op, Message: message}
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) && !errors.Is(err, ErrAuth)
}
