package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"mcpremote/internal/jsonrpc"
)

// SSE is the Server-Sent-Events transport: a long-lived GET carries inbound
// messages while outbound requests are POSTed to a companion endpoint. The
// server may name that endpoint with an "endpoint" event; otherwise the
// stream URL itself is used.
type SSE struct {
	opts   Options
	client *http.Client

	mu       sync.Mutex
	postURL  string
	alive    bool
	lastID   string
	streamWG sync.WaitGroup

	incoming  chan *jsonrpc.Message
	endpointC chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewSSE builds the SSE transport.
func NewSSE(opts Options) (*SSE, error) {
	if err := checkScheme(opts.Endpoint, opts.AllowPlaintextHTTP); err != nil {
		return nil, err
	}
	return &SSE{
		opts:      opts,
		client:    &http.Client{},
		incoming:  make(chan *jsonrpc.Message, 32),
		endpointC: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}, nil
}

func (t *SSE) Kind() Kind { return KindSSE }

// Endpoint returns the stream URL.
func (t *SSE) Endpoint() string { return t.opts.Endpoint }

func (t *SSE) Incoming() <-chan *jsonrpc.Message { return t.incoming }

// SessionID returns ""; SSE sessions are implicit in the stream.
func (t *SSE) SessionID() string { return "" }

func (t *SSE) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// Connect opens the event stream and waits briefly for the server to name
// its POST endpoint.
func (t *SSE) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.alive {
		t.mu.Unlock()
		return nil
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.alive = true
	t.mu.Unlock()

	// Open the first stream synchronously so connect failures surface here.
	resp, err := t.openStream(ctx, "")
	if err != nil {
		t.markDown()
		return err
	}

	t.streamWG.Add(1)
	go t.consume(streamCtx, resp)

	// Give the server a moment to announce the POST endpoint; absence is
	// fine, we fall back to the stream URL.
	select {
	case <-t.endpointC:
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		t.Close()
		return Classify(t.opts.Endpoint, ctx.Err())
	}
	return nil
}

// Close tears down the stream.
func (t *SSE) Close() error {
	t.closeOnce.Do(func() {
		t.markDown()
		close(t.closed)
	})
	return nil
}

func (t *SSE) markDown() {
	t.mu.Lock()
	t.alive = false
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()
}

// Send POSTs a message to the companion endpoint. Replies arrive as
// "message" events on the stream, so Send returns a nil reply on success
// unless the server answered the POST with a JSON body directly.
func (t *SSE) Send(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	if !t.Alive() {
		return nil, ErrNotConnected
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &Error{Class: ClassProtocol, Endpoint: t.opts.Endpoint, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.currentPostURL(), bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Class: ClassNonRetryable, Endpoint: t.opts.Endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
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

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxFrame())))
	if err != nil {
		return nil, Classify(t.opts.Endpoint, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var reply jsonrpc.Message
	if err := json.Unmarshal(data, &reply); err != nil {
		// Some servers answer the POST with a plain acknowledgment body.
		return nil, nil
	}
	if reply.Kind() == jsonrpc.KindInvalid {
		return nil, nil
	}
	return &reply, nil
}

// openStream performs the GET, resuming with Last-Event-ID when available.
func (t *SSE) openStream(ctx context.Context, lastEventID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.opts.Endpoint, nil)
	if err != nil {
		return nil, &Error{Class: ClassNonRetryable, Endpoint: t.opts.Endpoint, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	if err := t.applyHeaders(ctx, req); err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, Classify(t.opts.Endpoint, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &AuthRequiredError{
			Endpoint:        t.opts.Endpoint,
			WWWAuthenticate: resp.Header.Get("WWW-Authenticate"),
		}
	}
	if err := classifyStatus(t.opts.Endpoint, resp.StatusCode, parseRetryAfter(resp)); err != nil {
		resp.Body.Close()
		return nil, err
	}
	if !isEventStream(resp) {
		resp.Body.Close()
		return nil, &Error{Class: ClassNonRetryable, Endpoint: t.opts.Endpoint,
			Err: fmt.Errorf("expected text/event-stream, got %q", resp.Header.Get("Content-Type"))}
	}
	return resp, nil
}

// consume reads the stream, reconnecting with Last-Event-ID until closed.
func (t *SSE) consume(ctx context.Context, resp *http.Response) {
	defer t.streamWG.Done()

	for {
		t.scanStream(resp)
		resp.Body.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			case <-time.After(time.Second):
			}

			var err error
			resp, err = t.openStream(ctx, t.lastEventID())
			if err == nil {
				break
			}
			slog.Debug("SSE reconnect failed", "endpoint", t.opts.Endpoint, "error", err)
		}
		slog.Debug("SSE stream resumed", "endpoint", t.opts.Endpoint)
	}
}

func (t *SSE) scanStream(resp *http.Response) {
	scanner := newSSEScanner(resp.Body, t.maxFrame())
	for {
		ev, err := scanner.next()
		if err != nil {
			t.setLastEventID(scanner.lastEventID())
			return
		}
		if ev.id != "" {
			t.setLastEventID(ev.id)
		}

		switch ev.name {
		case "endpoint":
			t.setPostURL(ev.data)
		case "message":
			if ev.data == "" {
				continue
			}
			var m jsonrpc.Message
			if err := json.Unmarshal([]byte(ev.data), &m); err != nil {
				slog.Warn("Dropping malformed frame from event stream",
					"endpoint", t.opts.Endpoint, "error", err)
				continue
			}
			t.deliver(&m)
		default:
			slog.Debug("Ignoring unknown event type", "event", ev.name)
		}
	}
}

func (t *SSE) deliver(m *jsonrpc.Message) {
	select {
	case t.incoming <- m:
	case <-t.closed:
	}
}

// setPostURL records the server-announced POST endpoint, resolved against
// the stream URL when relative.
func (t *SSE) setPostURL(raw string) {
	base, err := url.Parse(t.opts.Endpoint)
	if err != nil {
		return
	}
	ref, err := url.Parse(raw)
	if err != nil {
		slog.Warn("Invalid endpoint event from server", "endpoint", t.opts.Endpoint)
		return
	}
	resolved := base.ResolveReference(ref).String()

	t.mu.Lock()
	t.postURL = resolved
	t.mu.Unlock()

	select {
	case t.endpointC <- struct{}{}:
	default:
	}
	slog.Debug("Server announced POST endpoint", "post_url", resolved)
}

func (t *SSE) currentPostURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.postURL != "" {
		return t.postURL
	}
	return t.opts.Endpoint
}

func (t *SSE) lastEventID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastID
}

func (t *SSE) setLastEventID(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.lastID = id
	t.mu.Unlock()
}

func (t *SSE) applyHeaders(ctx context.Context, req *http.Request) error {
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
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

func (t *SSE) maxFrame() int {
	if t.opts.MaxFrameSize > 0 {
		return t.opts.MaxFrameSize
	}
	return jsonrpc.DefaultMaxFrameSize
}
