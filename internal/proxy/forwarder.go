// Package proxy relays JSON-RPC traffic between a local stdio client and
// one or more remote MCP sessions: the forwarder owns per-session request
// correlation, the dispatcher load-balances sessions across an endpoint
// pool, and the local endpoint ties stdin/stdout to a forwarder.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"mcpremote/internal/jsonrpc"
	"mcpremote/internal/transport"
)

// Forwarder defaults.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultShutdownGrace  = 5 * time.Second
)

// Remote is the forwarder's view of the far side: the transport strategy
// for a single session, or the dispatcher for a pool.
type Remote interface {
	Do(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error)
	Incoming() <-chan *jsonrpc.Message
	Close() error
}

// ForwarderConfig tunes one forwarder.
type ForwarderConfig struct {
	// RequestTimeout is the deadline for each pending request.
	RequestTimeout time.Duration

	// ShutdownGrace is how long Shutdown waits for in-flight requests.
	ShutdownGrace time.Duration

	// ToolFilter lists glob patterns of tool names hidden from the local
	// client: matching tools/call requests are refused locally and
	// matching entries are removed from tools/list results.
	ToolFilter []string
}

func (c *ForwarderConfig) withDefaults() ForwarderConfig {
	out := *c
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = DefaultShutdownGrace
	}
	return out
}

// pendingEntry is one in-flight local request.
type pendingEntry struct {
	method string
	timer  *time.Timer
}

// Forwarder relays messages between the local stream and one remote
// session, correlating responses by id. All local-bound messages leave
// through Out, the single producer path to stdout.
type Forwarder struct {
	cfg    ForwarderConfig
	remote Remote

	mu      sync.Mutex
	pending map[string]*pendingEntry
	closing bool

	out    chan *jsonrpc.Message
	closed chan struct{}

	// seq counts dispatched requests, diagnostics only.
	seq atomic.Uint64

	// inflight tracks dispatch goroutines for shutdown.
	inflight sync.WaitGroup
}

// NewForwarder creates a forwarder over the given remote. Call Run to
// start the inbound pump.
func NewForwarder(cfg ForwarderConfig, remote Remote) *Forwarder {
	return &Forwarder{
		cfg:     cfg.withDefaults(),
		remote:  remote,
		pending: make(map[string]*pendingEntry),
		out:     make(chan *jsonrpc.Message, 64),
		closed:  make(chan struct{}),
	}
}

// Out yields all messages bound for the local client: responses,
// forwarded remote notifications, and locally synthesized errors.
func (f *Forwarder) Out() <-chan *jsonrpc.Message { return f.out }

// Done is closed once Shutdown completes.
func (f *Forwarder) Done() <-chan struct{} { return f.closed }

// Deliver queues a locally synthesized message for the client, used by
// the endpoint for codec-level errors.
func (f *Forwarder) Deliver(msg *jsonrpc.Message) { f.deliver(msg) }

// Run pumps the remote's inbound stream until the context ends or the
// forwarder shuts down. Responses resolve their pending entry;
// everything else is forwarded in arrival order.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case msg, ok := <-f.remote.Incoming():
			if !ok {
				return
			}
			f.handleRemote(msg)
		case <-ctx.Done():
			return
		case <-f.closed:
			return
		}
	}
}

func (f *Forwarder) handleRemote(msg *jsonrpc.Message) {
	switch msg.Kind() {
	case jsonrpc.KindResponse:
		if !f.resolve(msg) {
			// Response for an id we never dispatched (or one that
			// already timed out). The client got its reply; drop.
			slog.Debug("Dropping uncorrelated response from remote", "id", msg.CorrelationKey())
		}
	default:
		f.deliver(msg)
	}
}

// HandleLocal processes one message read from the local stream.
func (f *Forwarder) HandleLocal(ctx context.Context, msg *jsonrpc.Message) {
	switch msg.Kind() {
	case jsonrpc.KindRequest:
		f.handleLocalRequest(ctx, msg)
	default:
		// Notifications and client-side responses go out
		// fire-and-forget; failures are logged, never retried.
		f.inflight.Add(1)
		go func() {
			defer f.inflight.Done()
			if _, err := f.remote.Do(ctx, msg); err != nil {
				slog.Warn("Dropping undeliverable local message",
					"method", msg.Method, "error", err)
			}
		}()
	}
}

func (f *Forwarder) handleLocalRequest(ctx context.Context, msg *jsonrpc.Message) {
	if msg.Method == "tools/call" && f.toolBlocked(toolName(msg.Params)) {
		f.deliver(jsonrpc.NewError(msg.ID, jsonrpc.CodeMethodNotFound, "method not available"))
		return
	}

	key := msg.CorrelationKey()

	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		f.deliver(jsonrpc.NewError(msg.ID, jsonrpc.CodeCancelled, "cancelled"))
		return
	}
	if _, dup := f.pending[key]; dup {
		f.mu.Unlock()
		f.deliver(jsonrpc.NewError(msg.ID, jsonrpc.CodeInvalidRequest, "Invalid Request"))
		return
	}
	entry := &pendingEntry{method: msg.Method}
	entry.timer = time.AfterFunc(f.cfg.RequestTimeout, func() {
		f.expire(key, msg.ID)
	})
	f.pending[key] = entry
	f.mu.Unlock()

	f.seq.Add(1)

	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		reply, err := f.remote.Do(ctx, msg)
		switch {
		case err != nil:
			f.fail(key, msg.ID, err)
		case reply != nil:
			f.resolve(reply)
		}
		// A nil reply with nil error means the response arrives later
		// through Incoming; the pending entry stays.
	}()
}

// resolve completes the pending entry matching the reply and delivers
// it locally. Returns false when no entry matched.
func (f *Forwarder) resolve(reply *jsonrpc.Message) bool {
	key := reply.CorrelationKey()

	f.mu.Lock()
	entry, ok := f.pending[key]
	if ok {
		entry.timer.Stop()
		delete(f.pending, key)
	}
	f.mu.Unlock()

	if !ok {
		return false
	}

	if entry.method == "tools/list" && len(f.cfg.ToolFilter) > 0 {
		reply = f.filterToolsList(reply)
	}
	f.deliver(reply)
	return true
}

// expire fires on request deadline.
func (f *Forwarder) expire(key string, id json.RawMessage) {
	f.mu.Lock()
	_, ok := f.pending[key]
	delete(f.pending, key)
	f.mu.Unlock()

	if ok {
		f.deliver(jsonrpc.NewError(id, jsonrpc.CodeRequestTimeout, "request timed out"))
	}
}

// fail maps a dispatch error onto a local error reply.
func (f *Forwarder) fail(key string, id json.RawMessage, err error) {
	f.mu.Lock()
	_, ok := f.pending[key]
	delete(f.pending, key)
	f.mu.Unlock()
	if !ok {
		// Already timed out or cancelled; one reply per request.
		return
	}

	var authErr *transport.AuthRequiredError
	switch {
	case errors.As(err, &authErr):
		f.deliver(jsonrpc.NewError(id, jsonrpc.CodeAuthRequired, "authentication required"))
	case errors.Is(err, context.Canceled):
		f.deliver(jsonrpc.NewError(id, jsonrpc.CodeCancelled, "cancelled"))
	default:
		slog.Warn("Request failed against remote", "id", string(id), "error", err)
		f.deliver(jsonrpc.NewError(id, jsonrpc.CodeRequestTimeout, err.Error()))
	}
}

// deliver hands a message to the local writer, dropping it only when the
// forwarder is already closed.
func (f *Forwarder) deliver(msg *jsonrpc.Message) {
	select {
	case f.out <- msg:
	case <-f.closed:
	}
}

// toolBlocked matches a tool name against the filter globs.
func (f *Forwarder) toolBlocked(name string) bool {
	if name == "" {
		return false
	}
	for _, pattern := range f.cfg.ToolFilter {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// toolName extracts params.name from a tools/call request.
func toolName(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.Name
}

// filterToolsList removes filtered tools from a tools/list result,
// keeping every unknown field of the result and of each tool entry.
func (f *Forwarder) filterToolsList(reply *jsonrpc.Message) *jsonrpc.Message {
	if len(reply.Result) == 0 {
		return reply
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return reply
	}
	var tools []json.RawMessage
	if err := json.Unmarshal(result["tools"], &tools); err != nil {
		return reply
	}

	kept := make([]json.RawMessage, 0, len(tools))
	for _, raw := range tools {
		var tool struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &tool); err == nil && f.toolBlocked(tool.Name) {
			continue
		}
		kept = append(kept, raw)
	}
	if len(kept) == len(tools) {
		return reply
	}

	filtered, err := json.Marshal(kept)
	if err != nil {
		return reply
	}
	result["tools"] = filtered
	newResult, err := json.Marshal(result)
	if err != nil {
		return reply
	}
	return reply.WithResult(newResult)
}

// Shutdown stops intake, waits up to the grace period for in-flight
// requests, cancels the stragglers with local errors, and closes the
// remote. Every pending request still gets exactly one reply.
func (f *Forwarder) Shutdown() {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return
	}
	f.closing = true
	f.mu.Unlock()

	deadline := time.Now().Add(f.cfg.ShutdownGrace)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.pending)
		f.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Cancel whatever is left.
	f.mu.Lock()
	leftover := make(map[string]*pendingEntry, len(f.pending))
	for k, v := range f.pending {
		leftover[k] = v
		delete(f.pending, k)
	}
	f.mu.Unlock()

	for key, entry := range leftover {
		entry.timer.Stop()
		f.deliver(jsonrpc.NewError(json.RawMessage(key), jsonrpc.CodeCancelled, "cancelled"))
	}

	f.remote.Close()
	close(f.closed)
}
