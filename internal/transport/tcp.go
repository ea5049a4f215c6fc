package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"

	"mcpremote/internal/jsonrpc"
)

// TCP exchanges newline frames over a single TCP connection. Reconnection
// after a drop is the strategy's job, not the transport's.
type TCP struct {
	opts Options
	addr string

	mu    sync.Mutex
	conn  net.Conn
	w     *jsonrpc.Writer
	alive bool

	incoming  chan *jsonrpc.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewTCP builds the TCP transport. The endpoint is host:port, with an
// optional tcp:// prefix.
func NewTCP(opts Options) (*TCP, error) {
	addr := strings.TrimPrefix(opts.Endpoint, "tcp://")
	if addr == "" {
		return nil, errors.New("tcp transport requires host:port")
	}
	return &TCP{
		opts:     opts,
		addr:     addr,
		incoming: make(chan *jsonrpc.Message, 32),
		closed:   make(chan struct{}),
	}, nil
}

func (t *TCP) Kind() Kind { return KindTCP }

// Endpoint returns the peer address.
func (t *TCP) Endpoint() string { return t.addr }

func (t *TCP) Incoming() <-chan *jsonrpc.Message { return t.incoming }

func (t *TCP) SessionID() string { return "" }

func (t *TCP) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// Connect dials the peer under the caller's deadline.
func (t *TCP) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.alive {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return Classify(t.addr, err)
	}

	t.conn = conn
	t.w = jsonrpc.NewWriter(conn)
	t.alive = true

	go t.pump(conn)
	slog.Debug("TCP transport connected", "addr", t.addr)
	return nil
}

func (t *TCP) pump(conn net.Conn) {
	r := jsonrpc.NewReaderSize(conn, t.opts.MaxFrameSize)
	for {
		msg, err := r.Read()
		if err != nil {
			var fe *jsonrpc.FrameError
			if errors.As(err, &fe) {
				slog.Warn("Dropping malformed frame from tcp peer", "addr", t.addr, "error", err)
				continue
			}
			t.mu.Lock()
			t.alive = false
			t.mu.Unlock()
			return
		}
		select {
		case t.incoming <- msg:
		case <-t.closed:
			return
		}
	}
}

// Send writes one frame. Replies arrive via Incoming.
func (t *TCP) Send(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	t.mu.Lock()
	w := t.w
	alive := t.alive
	t.mu.Unlock()

	if !alive || w == nil {
		return nil, ErrNotConnected
	}
	if err := w.Write(msg); err != nil {
		t.mu.Lock()
		t.alive = false
		t.mu.Unlock()
		return nil, Classify(t.addr, err)
	}
	return nil, nil
}

// Close drops the connection.
func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.alive = false
		t.mu.Unlock()
	})
	return nil
}
