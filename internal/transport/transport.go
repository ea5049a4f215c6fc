// Package transport carries JSON-RPC messages to a remote MCP server over
// one of four wire protocols (streamable HTTP, SSE, stdio subprocess, TCP)
// and implements the fallback/retry strategy that selects among them.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"mcpremote/internal/jsonrpc"
)

// Kind identifies a transport variant.
type Kind string

const (
	KindHTTP  Kind = "http"
	KindSSE   Kind = "sse"
	KindStdio Kind = "stdio"
	KindTCP   Kind = "tcp"
)

// ParseKind parses a transport name as used on the CLI.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindHTTP:
		return KindHTTP, nil
	case KindSSE:
		return KindSSE, nil
	case KindStdio:
		return KindStdio, nil
	case KindTCP:
		return KindTCP, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want http, sse, stdio or tcp)", s)
	}
}

// Transport is the capability set shared by all remote transports.
//
// Send carries one message to the remote. A non-nil reply is the direct
// response to a request. A nil reply with a nil error means the message was
// accepted and any response will arrive on Incoming; notifications always
// take this path.
type Transport interface {
	// Connect establishes the connection. Calling Connect on a live
	// transport is a no-op.
	Connect(ctx context.Context) error

	// Send delivers one message and returns a direct reply if the wire
	// produced one synchronously.
	Send(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error)

	// Incoming yields server-initiated notifications and responses that
	// arrive outside a Send call. The channel is closed on Close.
	Incoming() <-chan *jsonrpc.Message

	// Close tears the connection down. Idempotent.
	Close() error

	// Alive reports whether the transport believes its connection is up.
	Alive() bool

	// Kind identifies the variant.
	Kind() Kind

	// SessionID returns the server-issued session identifier, "" when the
	// transport has none.
	SessionID() string
}

// BearerFunc supplies the Authorization bearer token for a request.
// Returning "" means the request goes out unauthenticated.
type BearerFunc func(ctx context.Context) (string, error)

// Options is the shared construction config for transports.
type Options struct {
	// Endpoint is the remote URL (http/sse/tcp) or the subprocess command
	// line (stdio).
	Endpoint string

	// Headers are extra headers attached to every HTTP/SSE request.
	Headers map[string]string

	// Bearer supplies the Authorization token, nil for anonymous.
	Bearer BearerFunc

	// AllowPlaintextHTTP permits http:// remote URLs.
	AllowPlaintextHTTP bool

	// MaxFrameSize caps frames on stream transports; 0 means the default.
	MaxFrameSize int
}

// checkScheme enforces the plaintext-HTTP policy on a remote URL.
func checkScheme(endpoint string, allowPlaintext bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return &Error{Class: ClassNonRetryable, Endpoint: endpoint, Err: err}
	}
	if u.Scheme == "http" && !allowPlaintext && !isLoopbackHost(u.Hostname()) {
		return &Error{Class: ClassPolicy, Endpoint: endpoint, Err: ErrPlaintextHTTP}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// New builds a transport of the given kind.
func New(kind Kind, opts Options) (Transport, error) {
	switch kind {
	case KindHTTP:
		return NewHTTP(opts)
	case KindSSE:
		return NewSSE(opts)
	case KindStdio:
		return NewStdio(opts)
	case KindTCP:
		return NewTCP(opts)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}
