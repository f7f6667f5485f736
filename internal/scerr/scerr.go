// Package scerr defines the structured error taxonomy shared by every
// Scriptum component: a stable string code, a human-readable message,
// and whether the caller should retry.
package scerr

import (
	"errors"
	"fmt"
)

// Code is one of the stable string codes from spec §7.
type Code string

// Protocol errors. Non-retryable; the connection is closed after the
// error frame is sent.
const (
	CodeHelloRequired          Code = "SYNC_HELLO_REQUIRED"
	CodeInvalidMessage         Code = "SYNC_INVALID_MESSAGE"
	CodeUnsupportedMessage     Code = "SYNC_UNSUPPORTED_MESSAGE"
	CodeInvalidBaseServerSeq   Code = "SYNC_INVALID_BASE_SERVER_SEQ"
	CodeInvalidLastServerSeq   Code = "SYNC_INVALID_LAST_SERVER_SEQ"
	CodeDocNotSubscribed       Code = "SYNC_DOC_NOT_SUBSCRIBED"
)

// Session errors. Non-retryable; the client must create a new session.
const (
	CodeTokenInvalid  Code = "SYNC_TOKEN_INVALID"
	CodeTokenExpired  Code = "SYNC_TOKEN_EXPIRED"
	CodeSessionInvalid Code = "SYNC_SESSION_INVALID"
)

// Sequence errors. Retryable: the client should refresh via
// subscribe-with-last-seq and resubmit.
const (
	CodeBaseServerSeqMismatch Code = "SYNC_BASE_SERVER_SEQ_MISMATCH"
)

// Authorization errors. Non-retryable within this credential.
const (
	CodeForbidden Code = "AUTH_FORBIDDEN"
)

// Backpressure. The daemon surfaces this to the local editor; no relay
// traffic is generated.
const (
	CodeOutboxBackpressure Code = "OUTBOX_BACKPRESSURE"
)

// Transient errors. The relay connection manager and outbox schedule
// retries with backoff.
const (
	CodeConnectionFailed Code = "CONNECTION_FAILED"
)

// Internal. Logged with a trace id on the relay; details are never
// exposed to the caller.
const (
	CodeInternal Code = "INTERNAL_ERROR"
)

// retryable records, per code, whether the error is retryable by
// default. Individual Errors may still override this at construction.
var retryable = map[Code]bool{
	CodeHelloRequired:         false,
	CodeInvalidMessage:        false,
	CodeUnsupportedMessage:    false,
	CodeInvalidBaseServerSeq:  false,
	CodeInvalidLastServerSeq:  false,
	CodeDocNotSubscribed:      false,
	CodeTokenInvalid:          false,
	CodeTokenExpired:          false,
	CodeSessionInvalid:        false,
	CodeBaseServerSeqMismatch: true,
	CodeForbidden:             false,
	CodeOutboxBackpressure:    false,
	CodeConnectionFailed:      true,
	CodeInternal:              false,
}

// Error is the structured {code, message, retryable} value propagated
// across every component boundary (RPC dispatch, WebSocket handler,
// outbox worker).
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	DocID     string // optional, empty when not doc-scoped
	cause     error
}

// New constructs an Error for code with the default retryability for
// that code and the given message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable[code]}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches code/message to an underlying cause, preserving it for
// errors.Unwrap/errors.Is/errors.As.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithDocID returns a copy of e scoped to docID.
func (e *Error) WithDocID(docID string) *Error {
	cp := *e
	cp.DocID = docID
	return &cp
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the Code from err if it is (or wraps) a *scerr.Error,
// returning CodeInternal otherwise.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err is a *scerr.Error marked retryable.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
