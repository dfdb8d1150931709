// Package mxerr defines the error taxonomy surfaced by the Connection and
// its jobs: discovery/login/sync failures, per-job HTTP failures, and the
// E2EE-specific error set.
package mxerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy's buckets so callers
// can branch on it with errors.As without string-matching messages.
type Kind string

const (
	// KindResolve: the homeserver could not be located from the user
	// identifier (empty/invalid base URL, malformed well-known JSON).
	KindResolve Kind = "resolve_error"

	// KindLogin: a login flow was rejected or unsupported.
	KindLogin Kind = "login_error"

	// KindNetwork: a transient I/O failure, possibly mid-retry.
	KindNetwork Kind = "network_error"

	// KindSync: a non-transient sync-loop failure after retries exhausted.
	KindSync Kind = "sync_error"

	// KindUnauthorised: the access token was rejected by the server.
	KindUnauthorised Kind = "unauthorised"

	// KindIncorrectRequest: the job's parameters were rejected (4xx).
	KindIncorrectRequest Kind = "incorrect_request"

	// KindNotFound: the requested resource does not exist (404 / M_NOT_FOUND).
	KindNotFound Kind = "not_found"

	// KindContentAccess: a content-repo (media) request failed.
	KindContentAccess Kind = "content_access_error"

	// KindJSONParse: the response body was not valid JSON.
	KindJSONParse Kind = "json_parse_error"

	// KindIncorrectResponse: the response JSON did not match the expected
	// schema for the job.
	KindIncorrectResponse Kind = "incorrect_response_error"
)

// Error is the taxonomised error surfaced through job futures and
// Connection error channels.
type Error struct {
	Kind      Kind
	Message   string
	MatrixErr string // raw "errcode" from the server, if any
	RetryIdx  int    // retry attempt count when this was raised mid-retry
	RetryIn   int64  // milliseconds until next retry attempt, if retrying
	Err       error
}

func (e *Error) Error() string {
	if e.MatrixErr != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.MatrixErr)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomised error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a taxonomised error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// WithMatrixErr attaches the server's raw errcode/sample text.
func (e *Error) WithMatrixErr(code string) *Error {
	e.MatrixErr = code
	return e
}

// WithRetry annotates a network error with its retry bookkeeping.
func (e *Error) WithRetry(attempt int, nextDelayMs int64) *Error {
	e.RetryIdx = attempt
	e.RetryIn = nextDelayMs
	return e
}

// Is lets errors.Is match on Kind: mxerr.New(KindNotFound, "") matches any
// *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsUnauthorised reports whether err represents a rejected/revoked token.
func IsUnauthorised(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindUnauthorised
}

// IsNotFound reports whether err represents a 404 / M_NOT_FOUND response.
// Forget/Leave pipelines treat this as success.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

// E2EE-specific sentinel errors. These are returned directly (not wrapped
// in *Error) since they are handled structurally by the encryption
// subcomponent rather than surfaced through a job future.
var (
	// ErrNoMatchingSession: no inbound megolm session exists for a
	// (room_id, session_id, sender_key) triple; the event is buffered.
	ErrNoMatchingSession = errors.New("mxerr: no matching megolm session")

	// ErrUnknownDevice: a claimed one-time key or decrypt target names a
	// device not present in the device-keys table.
	ErrUnknownDevice = errors.New("mxerr: unknown device")

	// ErrSignatureMismatch: a device-keys or cross-signing-keys signature
	// failed verification.
	ErrSignatureMismatch = errors.New("mxerr: signature mismatch")

	// ErrBadEncryptedMessage: an Olm/Megolm ciphertext failed to decrypt
	// (corrupt payload, ratchet desync, wrong session).
	ErrBadEncryptedMessage = errors.New("mxerr: bad encrypted message")
)
