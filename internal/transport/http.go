package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"mcpremote/internal/jsonrpc"
)

// sessionHeader is the MCP session header, echoed verbatim once observed.
const sessionHeader = "Mcp-Session-Id"

// HTTP is the streamable-HTTP transport. Requests are POSTed as JSON; a
// direct JSON reply is returned from Send, while 202-accepted replies and
// server-initiated notifications arrive through a long-lived companion GET
// stream on the same URL.
type HTTP struct {
	opts   Options
	client *http.Client

	mu        sync.Mutex
	sessionID string
	alive     bool
	getUp     bool

	incoming  chan *jsonrpc.Message
	closed    chan struct{}
	closeOnce sync.Once
	getCancel context.CancelFunc
}

// NewHTTP builds the streamable-HTTP transport.
func NewHTTP(opts Options) (*HTTP, error) {
	if err := checkScheme(opts.Endpoint, opts.AllowPlaintextHTTP); err != nil {
		return nil, err
	}
	return &HTTP{
		opts:     opts,
		client:   &http.Client{},
		incoming: make(chan *jsonrpc.Message, 32),
		closed:   make(chan struct{}),
	}, nil
}

func (t *HTTP) Kind() Kind { return KindHTTP }

// Endpoint returns the remote URL.
func (t *HTTP) Endpoint() string { return t.opts.Endpoint }

// Connect validates the endpoint; HTTP has no standing connection to open.
func (t *HTTP) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive = true
	return nil
}

func (t *HTTP) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

func (t *HTTP) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *HTTP) Incoming() <-chan *jsonrpc.Message { return t.incoming }

// Close stops the companion stream and marks the transport down.
func (t *HTTP) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.alive = false
		if t.getCancel != nil {
			t.getCancel()
		}
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

// Send POSTs one message. Direct JSON replies are returned; a 202 with an
// empty body means the reply will arrive via the companion GET stream.
func (t *HTTP) Send(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	if !t.Alive() {
		return nil, ErrNotConnected
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &Error{Class: ClassProtocol, Endpoint: t.opts.Endpoint, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Class: ClassNonRetryable, Endpoint: t.opts.Endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if err := t.applyHeaders(ctx, req); err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, Classify(t.opts.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &AuthRequiredError{
			Endpoint:        t.opts.Endpoint,
			WWWAuthenticate: resp.Header.Get("WWW-Authenticate"),
		}
	}
	if err := classifyStatus(t.opts.Endpoint, resp.StatusCode, parseRetryAfter(resp)); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, err
	}

	t.captureSession(resp)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		if msg.Kind() == jsonrpc.KindRequest {
			t.ensureStream()
		}
		return nil, nil

	case isEventStream(resp):
		return t.readStreamedReply(resp, msg.CorrelationKey())

	default:
		data, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxFrame())))
		if err != nil {
			return nil, Classify(t.opts.Endpoint, err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		var reply jsonrpc.Message
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil, &Error{Class: ClassProtocol, Endpoint: t.opts.Endpoint, Err: err}
		}
		return &reply, nil
	}
}

// readStreamedReply consumes an SSE-framed POST response body until the
// response for key appears. Everything else on the stream is forwarded to
// Incoming.
func (t *HTTP) readStreamedReply(resp *http.Response, key string) (*jsonrpc.Message, error) {
	scanner := newSSEScanner(resp.Body, t.maxFrame())
	for {
		ev, err := scanner.next()
		if err == io.EOF {
			return nil, &Error{Class: ClassRetryable, Endpoint: t.opts.Endpoint,
				Err: fmt.Errorf("stream closed before reply")}
		}
		if err != nil {
			return nil, Classify(t.opts.Endpoint, err)
		}
		if ev.name != "message" || ev.data == "" {
			continue
		}

		var m jsonrpc.Message
		if err := json.Unmarshal([]byte(ev.data), &m); err != nil {
			slog.Warn("Dropping malformed frame from response stream",
				"endpoint", t.opts.Endpoint, "error", err)
			continue
		}
		if m.Kind() == jsonrpc.KindResponse && key != "" && m.CorrelationKey() == key {
			return &m, nil
		}
		t.deliver(&m)
	}
}

// ensureStream starts the companion GET stream exactly once per connection.
func (t *HTTP) ensureStream() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.getUp || !t.alive {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.getCancel = cancel
	t.getUp = true
	go t.runStream(ctx)
}

// runStream keeps the companion GET open, forwarding streamed messages to
// Incoming. Transient failures reconnect after a short pause; a 4xx or a
// 401 means the server will not serve this stream and the loop exits.
func (t *HTTP) runStream(ctx context.Context) {
	defer func() {
		t.mu.Lock()
		t.getUp = false
		t.mu.Unlock()
	}()

	lastEventID := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		err := t.streamOnce(ctx, &lastEventID)
		if err != nil {
			var authErr *AuthRequiredError
			if errors.As(err, &authErr) {
				// Reconnecting cannot fix a rejected credential; the next
				// POST will surface the 401 to the auth flow.
				slog.Warn("Companion stream unauthorized, stopping",
					"endpoint", t.opts.Endpoint)
				return
			}
			var te *Error
			if errors.As(err, &te) && te.Class == ClassNonRetryable {
				slog.Debug("Companion stream not supported by server", "endpoint", t.opts.Endpoint)
				return
			}
			slog.Debug("Companion stream interrupted, reconnecting",
				"endpoint", t.opts.Endpoint, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-time.After(time.Second):
		}
	}
}

func (t *HTTP) streamOnce(ctx context.Context, lastEventID *string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.opts.Endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if *lastEventID != "" {
		req.Header.Set("Last-Event-ID", *lastEventID)
	}
	if err := t.applyHeaders(ctx, req); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Classify(t.opts.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthRequiredError{Endpoint: t.opts.Endpoint, WWWAuthenticate: resp.Header.Get("WWW-Authenticate")}
	}
	if err := classifyStatus(t.opts.Endpoint, resp.StatusCode, parseRetryAfter(resp)); err != nil {
		return err
	}
	t.captureSession(resp)

	scanner := newSSEScanner(resp.Body, t.maxFrame())
	for {
		ev, err := scanner.next()
		if err == io.EOF {
			*lastEventID = scanner.lastEventID()
			return nil
		}
		if err != nil {
			*lastEventID = scanner.lastEventID()
			return Classify(t.opts.Endpoint, err)
		}
		if ev.id != "" {
			*lastEventID = ev.id
		}
		if ev.name != "message" || ev.data == "" {
			continue
		}
		var m jsonrpc.Message
		if err := json.Unmarshal([]byte(ev.data), &m); err != nil {
			slog.Warn("Dropping malformed frame from companion stream",
				"endpoint", t.opts.Endpoint, "error", err)
			continue
		}
		t.deliver(&m)
	}
}

func (t *HTTP) deliver(m *jsonrpc.Message) {
	select {
	case t.incoming <- m:
	case <-t.closed:
	}
}

// applyHeaders sets custom headers, the session id and the bearer token.
func (t *HTTP) applyHeaders(ctx context.Context, req *http.Request) error {
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}
	if sid := t.SessionID(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
	if t.opts.Bearer != nil {
		token, err := t.opts.Bearer(ctx)
		if err != nil {
			return &AuthRequiredError{Endpoint: t.opts.Endpoint}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return nil
}

// captureSession records the session id from the first response carrying
// one. The stored value is echoed verbatim afterwards.
func (t *HTTP) captureSession(resp *http.Response) {
	sid := resp.Header.Get(sessionHeader)
	if sid == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID == "" {
		t.sessionID = sid
		slog.Debug("Captured remote session id", "endpoint", t.opts.Endpoint)
	}
}

func (t *HTTP) maxFrame() int {
	if t.opts.MaxFrameSize > 0 {
		return t.opts.MaxFrameSize
	}
	return jsonrpc.DefaultMaxFrameSize
}

func isEventStream(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return len(ct) >= 17 && ct[:17] == "text/event-stream"
}

// parseRetryAfter reads a Retry-After header as either delta-seconds or an
// HTTP date.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
