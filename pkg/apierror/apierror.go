// Package apierror defines the single normalized failure type surfaced by the client.
//
// Every failure boundary (transport, timeout, HTTP status, open circuit, offline)
// constructs an *Error with a Kind at the point of failure. Callers branch on the
// Kind, the HTTP status, or errors.Is against the sentinels below.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the closed set of failure classes.
type Kind int

const (
	// KindTransport covers connection refused, DNS failures and aborted exchanges.
	KindTransport Kind = iota
	// KindTimeout means the per-attempt deadline elapsed before a response arrived.
	KindTimeout
	// KindHTTP means the exchange completed with a 4xx or 5xx status.
	KindHTTP
	// KindCircuitOpen means the endpoint group's breaker rejected the attempt.
	KindCircuitOpen
	// KindNoConnection means the network monitor reported offline.
	KindNoConnection
	// KindCanceled means the caller's own context was cancelled.
	KindCanceled
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindHTTP:
		return "http"
	case KindCircuitOpen:
		return "circuit_open"
	case KindNoConnection:
		return "no_connection"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrTransport    = &Error{Kind: KindTransport, Message: "transport failure"}
	ErrTimeout      = &Error{Kind: KindTimeout, Message: "request timed out"}
	ErrHTTP         = &Error{Kind: KindHTTP, Message: "http error"}
	ErrCircuitOpen  = &Error{Kind: KindCircuitOpen, Message: "circuit open"}
	ErrNoConnection = &Error{Kind: KindNoConnection, Message: "no network connection"}
	ErrCanceled     = &Error{Kind: KindCanceled, Message: "request canceled"}
)

// Error is the normalized failure returned by every client call.
type Error struct {
	Kind    Kind
	Status  int // 0 when no HTTP exchange completed
	Message string

	Method    string
	URL       string
	Group     string
	Attempt   int // attempts made, 1-based
	RequestID string

	Remediation string
	Cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.RequestID != "" {
		fmt.Fprintf(&b, "[%s] ", e.RequestID)
	}
	b.WriteString(e.Kind.String())
	if e.Status > 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Method != "" || e.URL != "" {
		fmt.Fprintf(&b, " (%s %s)", e.Method, e.URL)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempt)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error of the same kind. A target carrying a
// status additionally requires the status to match.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Status == 0 || t.Status == e.Status
}

// Temporary reports whether the failure could go away on its own.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindTransport, KindTimeout, KindCircuitOpen, KindNoConnection:
		return true
	case KindHTTP:
		return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
	default:
		return false
	}
}

// Transport builds a transport-level failure.
func Transport(cause error) *Error {
	return finish(&Error{Kind: KindTransport, Message: "request could not be delivered", Cause: cause})
}

// Timeout builds a timeout failure.
func Timeout(cause error) *Error {
	return finish(&Error{Kind: KindTimeout, Message: "request timed out", Cause: cause})
}

// HTTP builds a failure for a completed exchange with an error status.
func HTTP(status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	if message == "" {
		message = "unexpected status"
	}
	return finish(&Error{Kind: KindHTTP, Status: status, Message: message})
}

// CircuitOpen builds the rejection returned while a group's breaker is open.
func CircuitOpen(group string) *Error {
	return finish(&Error{Kind: KindCircuitOpen, Group: group, Message: "circuit breaker is open for " + group})
}

// NoConnection builds the failure returned while offline with nothing cached.
func NoConnection() *Error {
	return finish(&Error{Kind: KindNoConnection, Message: "network is offline"})
}

// Canceled builds the failure returned when the caller gives up.
func Canceled(cause error) *Error {
	return finish(&Error{Kind: KindCanceled, Message: "request canceled by caller", Cause: cause})
}

func finish(e *Error) *Error {
	e.Remediation = RemediationFor(e.Kind, e.Status)
	return e
}

// RemediationFor returns the user-facing hint for a kind and status.
func RemediationFor(kind Kind, status int) string {
	switch kind {
	case KindTransport:
		return "Check your network connection and try again."
	case KindTimeout:
		return "The server is taking too long to respond. Try again in a moment."
	case KindCircuitOpen:
		return "The service is temporarily unavailable. Please retry later."
	case KindNoConnection:
		return "You appear to be offline. Reconnect and try again."
	case KindCanceled:
		return "The request was cancelled."
	}

	switch {
	case status == http.StatusUnauthorized:
		return "Your session has expired. Sign in again."
	case status == http.StatusForbidden:
		return "You do not have permission to perform this action."
	case status == http.StatusNotFound:
		return "The requested resource was not found."
	case status == http.StatusRequestTimeout:
		return "The server timed out waiting for the request. Try again."
	case status == http.StatusConflict:
		return "The resource was modified by someone else. Refresh and retry."
	case status == http.StatusTooManyRequests:
		return "Too many requests. Wait a moment before retrying."
	case status >= 500:
		return "The server encountered an error. Please retry later."
	case status >= 400:
		return "The request was rejected. Check the submitted data."
	default:
		return "An unexpected error occurred."
	}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	if e, ok := As(err); ok {
		return e.Status
	}
	return 0
}

// KindOf returns the kind carried by err. Errors that are not *Error are
// reported as transport failures.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindTransport
}

// Classify returns a label for metrics dashboards.
func Classify(err error) string {
	if err == nil {
		return "none"
	}
	e, ok := As(err)
	if !ok {
		return "other"
	}
	if e.Kind == KindHTTP {
		switch {
		case e.Status >= 500:
			return "http_5xx"
		case e.Status == http.StatusTooManyRequests:
			return "http_429"
		default:
			return "http_4xx"
		}
	}
	return e.Kind.String()
}
