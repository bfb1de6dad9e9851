// Package errs defines the closed error taxonomy surfaced by the gateway.
//
// Every failure leaving the session layer is tagged with exactly one Kind so
// the retry classifier and the HTTP layer can switch over a finite set
// instead of probing an open-ended error hierarchy.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies one entry of the error taxonomy.
type Kind string

const (
	// KindTransport means the backend could not be reached at all
	// (connection refused, spawn failure).
	KindTransport Kind = "transport"

	// KindHandshakeTimeout means the initialize/initialized exchange did not
	// complete within the configured handshake timeout.
	KindHandshakeTimeout Kind = "handshake_timeout"

	// KindCircuitOpen means the per-server circuit breaker is open and the
	// call failed fast without touching the transport.
	KindCircuitOpen Kind = "circuit_open"

	// KindAuth means the backend rejected the credential.
	KindAuth Kind = "auth"

	// KindSession means the backend no longer recognizes the session.
	KindSession Kind = "session"

	// KindNetwork means the call reached the wire but failed transiently
	// (timeout, connection reset).
	KindNetwork Kind = "network"

	// KindRetryBlocked means a retry was refused because partial output had
	// already been delivered to the caller.
	KindRetryBlocked Kind = "retry_blocked"

	// KindUnclassified is the pass-through tag for everything else. Errors
	// of this kind are never retried.
	KindUnclassified Kind = "unclassified"
)

// Error is the tagged error type used across the gateway.
type Error struct {
	Kind     Kind
	ServerID string

	// RetryAfter carries the remaining cooldown for KindCircuitOpen.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.ServerID != "" {
		msg = fmt.Sprintf("%s (server %s)", msg, e.ServerID)
	}
	if e.Kind == KindCircuitOpen {
		msg = fmt.Sprintf("%s: circuit open, retry after %s", msg, e.RetryAfter)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transport wraps err as a transport failure.
func Transport(serverID string, err error) *Error {
	return &Error{Kind: KindTransport, ServerID: serverID, Err: err}
}

// HandshakeTimeout reports that session initialization exceeded its bound.
func HandshakeTimeout(serverID string, err error) *Error {
	return &Error{Kind: KindHandshakeTimeout, ServerID: serverID, Err: err}
}

// CircuitOpen reports a fast-failed call with the remaining cooldown.
func CircuitOpen(serverID string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindCircuitOpen, ServerID: serverID, RetryAfter: retryAfter}
}

// AuthFailure wraps err as a rejected-credential failure.
func AuthFailure(serverID string, err error) *Error {
	return &Error{Kind: KindAuth, ServerID: serverID, Err: err}
}

// SessionExpired wraps err as an unknown/expired-session failure.
func SessionExpired(serverID string, err error) *Error {
	return &Error{Kind: KindSession, ServerID: serverID, Err: err}
}

// Network wraps err as a transient network failure.
func Network(serverID string, err error) *Error {
	return &Error{Kind: KindNetwork, ServerID: serverID, Err: err}
}

// RetryBlocked reports a refused retry after partial output was sent.
func RetryBlocked(serverID, correlationID string) *Error {
	return &Error{
		Kind:     KindRetryBlocked,
		ServerID: serverID,
		Err:      fmt.Errorf("partial output already sent (correlation %s)", correlationID),
	}
}

// KindOf returns the taxonomy tag for err. Errors already tagged keep their
// tag; untagged errors are classified by shape, defaulting to
// KindUnclassified. Ambiguity is preferred over an incorrect retry category.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnclassified
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case isAuthError(msg):
		return KindAuth
	case isSessionError(msg):
		return KindSession
	case isNetworkError(msg):
		return KindNetwork
	default:
		return KindUnclassified
	}
}

// Error classification helpers. Backend errors arrive as flattened JSON-RPC
// or HTTP strings, so matching is on message shape.

func isAuthError(msg string) bool {
	return strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "invalid token") ||
		strings.Contains(msg, "token expired")
}

func isSessionError(msg string) bool {
	return strings.Contains(msg, "unknown session") ||
		strings.Contains(msg, "invalid session") ||
		strings.Contains(msg, "session expired") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "session terminated")
}

func isNetworkError(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "no such host")
}

// IsKind reports whether err carries the given taxonomy tag.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
