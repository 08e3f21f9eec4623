// Package errs holds the shared error taxonomy (spec.md §7). It is kept
// separate from internal/core, which wires session/ingest/history into the
// root Service, so those packages can report errors through the same
// taxonomy core uses without an import cycle back to core (the same reason
// internal/wire is split out from session and broadcaster).
package errs

import "fmt"

// Kind classifies an error for logging and for the propagation policy:
// nothing inside the core propagates errors across session boundaries.
type Kind string

const (
	// KindProtocol covers malformed JSON, unknown type, missing fields,
	// invalid interval or symbol. The session replies with an error
	// message and stays open.
	KindProtocol Kind = "protocol"
	// KindTransientBackend covers history-fetch or upstream pub/sub
	// failures. The triggering request gets an error reply; the
	// aggregator/broadcaster keep serving stale data.
	KindTransientBackend Kind = "transient_backend"
	// KindIntegrity covers out-of-order or malformed ingest candles.
	// Dropped and logged, never propagated.
	KindIntegrity Kind = "integrity"
	// KindFatal covers irrecoverable startup failures: the service
	// exits non-zero.
	KindFatal Kind = "fatal"
)

// Error wraps an underlying cause with a Kind from the taxonomy above.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Protocolf builds a KindProtocol error from a formatted message.
func Protocolf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindProtocol, Err: fmt.Errorf(format, args...)}
}

// TransientBackend wraps err as a KindTransientBackend error.
func TransientBackend(err error) *Error {
	return &Error{Kind: KindTransientBackend, Err: err}
}

// Integrity wraps err as a KindIntegrity error.
func Integrity(err error) *Error {
	return &Error{Kind: KindIntegrity, Err: err}
}

// Fatal wraps err as a KindFatal error.
func Fatal(err error) *Error {
	return &Error{Kind: KindFatal, Err: err}
}
