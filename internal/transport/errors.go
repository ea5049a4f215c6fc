package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Class partitions transport outcomes for the strategy's retry decisions.
type Class int

const (
	// ClassRetryable covers network errors, timeouts, 5xx responses and
	// clean disconnects before a reply.
	ClassRetryable Class = iota

	// ClassNonRetryable covers 4xx responses other than 401 and anything
	// else that repeating cannot fix.
	ClassNonRetryable

	// ClassAuth marks a 401 that the OAuth engine should handle.
	ClassAuth

	// ClassPolicy covers local policy refusals such as plaintext HTTP
	// without opt-in.
	ClassPolicy

	// ClassProtocol covers malformed frames from the remote.
	ClassProtocol
)

// String returns the string representation of the class.
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassNonRetryable:
		return "non-retryable"
	case ClassAuth:
		return "auth"
	case ClassPolicy:
		return "policy"
	case ClassProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure.
type Error struct {
	// Class drives the strategy's retry behavior.
	Class Class

	// Status is the HTTP status code when one was received, 0 otherwise.
	Status int

	// RetryAfter is the server-requested delay from a Retry-After header,
	// 0 when the server did not supply one.
	RetryAfter time.Duration

	// Endpoint names the failing remote for user-visible messages.
	Endpoint string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: %s: status %d (%s)", e.Endpoint, e.Status, e.Class)
	}
	return fmt.Sprintf("transport: %s: %v (%s)", e.Endpoint, e.Err, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the strategy may repeat the request.
func (e *Error) Retryable() bool { return e.Class == ClassRetryable }

// AuthRequiredError signals that the remote answered 401. It carries the
// raw WWW-Authenticate header for the OAuth engine to interpret.
type AuthRequiredError struct {
	Endpoint        string
	WWWAuthenticate string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("transport: %s: authentication required", e.Endpoint)
}

// ErrNotConnected is returned by Send when the transport has no live
// connection. The strategy reacts by reconnecting.
var ErrNotConnected = errors.New("transport: not connected")

// ErrPlaintextHTTP refuses http:// remote URLs without explicit opt-in.
var ErrPlaintextHTTP = errors.New("transport: plaintext http:// endpoint refused (enable with --allow-http)")

// Classify wraps err as a transport Error with a class inferred from its
// type: context deadlines and network errors are retryable, everything
// unrecognized is retryable as well since repeating is safe for transport
// faults. HTTP status classification happens at the call sites that see
// the response.
func Classify(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	var ae *AuthRequiredError
	if errors.As(err, &ae) {
		return err
	}

	class := ClassRetryable
	switch {
	case errors.Is(err, ErrPlaintextHTTP):
		class = ClassPolicy
	case errors.Is(err, context.Canceled):
		class = ClassNonRetryable
	case errors.Is(err, context.DeadlineExceeded):
		class = ClassRetryable
	default:
		var ne net.Error
		if errors.As(err, &ne) {
			class = ClassRetryable
		}
	}
	return &Error{Class: class, Endpoint: endpoint, Err: err}
}

// classifyStatus maps an HTTP response status to a transport Error.
// 401 is not handled here; callers surface it as AuthRequiredError.
func classifyStatus(endpoint string, status int, retryAfter time.Duration) error {
	switch {
	case status == 429 || status == 503:
		return &Error{Class: ClassRetryable, Status: status, RetryAfter: retryAfter, Endpoint: endpoint}
	case status >= 500:
		return &Error{Class: ClassRetryable, Status: status, Endpoint: endpoint}
	case status >= 400:
		return &Error{Class: ClassNonRetryable, Status: status, Endpoint: endpoint}
	default:
		return nil
	}
}
