package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpremote/internal/jsonrpc"
	"mcpremote/internal/transport"
)

// fakeRemote scripts the far side of a forwarder.
type fakeRemote struct {
	mu       sync.Mutex
	handler  func(msg *jsonrpc.Message) (*jsonrpc.Message, error)
	seen     []*jsonrpc.Message
	incoming chan *jsonrpc.Message
	closed   bool
}

func newFakeRemote(handler func(msg *jsonrpc.Message) (*jsonrpc.Message, error)) *fakeRemote {
	return &fakeRemote{handler: handler, incoming: make(chan *jsonrpc.Message, 16)}
}

func (r *fakeRemote) Do(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	r.mu.Lock()
	r.seen = append(r.seen, msg)
	handler := r.handler
	r.mu.Unlock()
	if handler == nil {
		return nil, nil
	}
	return handler(msg)
}

func (r *fakeRemote) Incoming() <-chan *jsonrpc.Message { return r.incoming }

func (r *fakeRemote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRemote) seenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func echoRemote() *fakeRemote {
	return newFakeRemote(func(msg *jsonrpc.Message) (*jsonrpc.Message, error) {
		return jsonrpc.NewResult(msg.ID, json.RawMessage(`{}`)), nil
	})
}

func startForwarder(t *testing.T, cfg ForwarderConfig, remote Remote) *Forwarder {
	t.Helper()
	f := NewForwarder(cfg, remote)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.Run(ctx)
	return f
}

func awaitOut(t *testing.T, f *Forwarder) *jsonrpc.Message {
	t.Helper()
	select {
	case msg := <-f.Out():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered locally")
		return nil
	}
}

func TestForwarderHappyPath(t *testing.T) {
	remote := echoRemote()
	f := startForwarder(t, ForwarderConfig{}, remote)

	f.HandleLocal(context.Background(), jsonrpc.NewRequest(json.RawMessage("1"), "ping", nil))

	reply := awaitOut(t, f)
	assert.Equal(t, jsonrpc.KindResponse, reply.Kind())
	assert.Equal(t, "1", reply.CorrelationKey())
}

func TestForwarderDuplicateID(t *testing.T) {
	release := make(chan struct{})
	remote := newFakeRemote(func(msg *jsonrpc.Message) (*jsonrpc.Message, error) {
		<-release
		return jsonrpc.NewResult(msg.ID, nil), nil
	})
	f := startForwarder(t, ForwarderConfig{}, remote)

	ctx := context.Background()
	f.HandleLocal(ctx, jsonrpc.NewRequest(json.RawMessage("1"), "ping", nil))
	f.HandleLocal(ctx, jsonrpc.NewRequest(json.RawMessage("1"), "ping", nil))

	// The duplicate answers immediately while the first is in flight.
	reply := awaitOut(t, f)
	require.NotNil(t, reply.Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, reply.Error.Code)
	assert.Equal(t, "Invalid Request", reply.Error.Message)
	assert.Equal(t, "1", reply.CorrelationKey())

	close(release)
	first := awaitOut(t, f)
	assert.Nil(t, first.Error)

	// Only the first request reached the remote.
	assert.Equal(t, 1, remote.seenCount())
}

func TestForwarderRequestTimeout(t *testing.T) {
	// Remote accepts but never responds.
	remote := newFakeRemote(nil)
	f := startForwarder(t, ForwarderConfig{RequestTimeout: 100 * time.Millisecond}, remote)

	f.HandleLocal(context.Background(), jsonrpc.NewRequest(json.RawMessage("9"), "tools/call", nil))

	reply := awaitOut(t, f)
	require.NotNil(t, reply.Error)
	assert.Equal(t, jsonrpc.CodeRequestTimeout, reply.Error.Code)
	assert.Equal(t, "request timed out", reply.Error.Message)
	assert.Equal(t, "9", reply.CorrelationKey())
}

func TestForwarderAsyncResponseViaIncoming(t *testing.T) {
	remote := newFakeRemote(nil)
	f := startForwarder(t, ForwarderConfig{}, remote)

	f.HandleLocal(context.Background(), jsonrpc.NewRequest(json.RawMessage("5"), "tools/call", nil))

	// The response arrives later on the inbound stream.
	remote.incoming <- jsonrpc.NewResult(json.RawMessage("5"), json.RawMessage(`{"ok":true}`))

	reply := awaitOut(t, f)
	assert.Equal(t, "5", reply.CorrelationKey())
	assert.JSONEq(t, `{"ok":true}`, string(reply.Result))
}

func TestForwarderAuthFailure(t *testing.T) {
	remote := newFakeRemote(func(msg *jsonrpc.Message) (*jsonrpc.Message, error) {
		return nil, &transport.AuthRequiredError{Endpoint: "https://r.example.com"}
	})
	f := startForwarder(t, ForwarderConfig{}, remote)

	f.HandleLocal(context.Background(), jsonrpc.NewRequest(json.RawMessage("3"), "ping", nil))

	reply := awaitOut(t, f)
	require.NotNil(t, reply.Error)
	assert.Equal(t, jsonrpc.CodeAuthRequired, reply.Error.Code)
	assert.Equal(t, "authentication required", reply.Error.Message)
}

func TestForwarderToolFilterBlocksCall(t *testing.T) {
	remote := echoRemote()
	f := startForwarder(t, ForwarderConfig{ToolFilter: []string{"admin_*"}}, remote)

	f.HandleLocal(context.Background(), jsonrpc.NewRequest(json.RawMessage("1"), "tools/call",
		json.RawMessage(`{"name":"admin_reset","arguments":{}}`)))

	reply := awaitOut(t, f)
	require.NotNil(t, reply.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, reply.Error.Code)
	assert.Equal(t, 0, remote.seenCount(), "filtered call never reaches the remote")

	// A non-matching tool passes through.
	f.HandleLocal(context.Background(), jsonrpc.NewRequest(json.RawMessage("2"), "tools/call",
		json.RawMessage(`{"name":"search","arguments":{}}`)))
	reply = awaitOut(t, f)
	assert.Nil(t, reply.Error)
}

func TestForwarderToolFilterListSymmetry(t *testing.T) {
	remote := newFakeRemote(func(msg *jsonrpc.Message) (*jsonrpc.Message, error) {
		return jsonrpc.NewResult(msg.ID, json.RawMessage(
			`{"tools":[{"name":"admin_reset","description":"x"},{"name":"search","description":"y"}],"nextCursor":"abc"}`)), nil
	})
	f := startForwarder(t, ForwarderConfig{ToolFilter: []string{"admin_*"}}, remote)

	f.HandleLocal(context.Background(), jsonrpc.NewRequest(json.RawMessage("1"), "tools/list", nil))

	reply := awaitOut(t, f)
	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
		NextCursor string `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "search", result.Tools[0].Name)
	assert.Equal(t, "abc", result.NextCursor, "unrelated result fields survive filtering")
}

func TestForwarderRemoteNotificationsInOrder(t *testing.T) {
	remote := newFakeRemote(nil)
	f := startForwarder(t, ForwarderConfig{}, remote)

	for i := 0; i < 5; i++ {
		params, _ := json.Marshal(map[string]int{"n": i})
		remote.incoming <- jsonrpc.NewNotification("notifications/progress", params)
	}

	for i := 0; i < 5; i++ {
		msg := awaitOut(t, f)
		assert.Equal(t, jsonrpc.KindNotification, msg.Kind())
		var p struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(msg.Params, &p))
		assert.Equal(t, i, p.N)
	}
}

func TestForwarderLocalNotificationFireAndForget(t *testing.T) {
	remote := newFakeRemote(func(msg *jsonrpc.Message) (*jsonrpc.Message, error) {
		return nil, errors.New("wire down")
	})
	f := startForwarder(t, ForwarderConfig{}, remote)

	f.HandleLocal(context.Background(), jsonrpc.NewNotification("notifications/initialized", nil))

	// No local reply is synthesized for a dropped notification.
	select {
	case msg := <-f.Out():
		t.Fatalf("unexpected local message: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestForwarderShutdownCancelsStragglers(t *testing.T) {
	remote := newFakeRemote(nil)
	f := startForwarder(t, ForwarderConfig{ShutdownGrace: 100 * time.Millisecond}, remote)

	f.HandleLocal(context.Background(), jsonrpc.NewRequest(json.RawMessage("11"), "tools/call", nil))

	done := make(chan struct{})
	go func() {
		f.Shutdown()
		close(done)
	}()

	reply := awaitOut(t, f)
	require.NotNil(t, reply.Error)
	assert.Equal(t, jsonrpc.CodeCancelled, reply.Error.Code)
	assert.Equal(t, "11", reply.CorrelationKey())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	assert.True(t, remote.closed)
}
