package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"mcpremote/internal/jsonrpc"
)

// stdioShutdownGrace is how long a child process gets between SIGTERM and
// SIGKILL.
const stdioShutdownGrace = 5 * time.Second

// Stdio runs the remote server as a child process and exchanges newline
// frames on its stdin/stdout. The transport owns the process lifecycle.
type Stdio struct {
	opts Options
	args []string

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	w     *jsonrpc.Writer
	alive bool

	incoming  chan *jsonrpc.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewStdio builds the subprocess transport. The endpoint is the command
// line, split on whitespace.
func NewStdio(opts Options) (*Stdio, error) {
	args := strings.Fields(opts.Endpoint)
	if len(args) == 0 {
		return nil, fmt.Errorf("stdio transport requires a command")
	}
	return &Stdio{
		opts:     opts,
		args:     args,
		incoming: make(chan *jsonrpc.Message, 32),
		closed:   make(chan struct{}),
	}, nil
}

func (t *Stdio) Kind() Kind { return KindStdio }

// Endpoint returns the child command line.
func (t *Stdio) Endpoint() string { return t.opts.Endpoint }

func (t *Stdio) Incoming() <-chan *jsonrpc.Message { return t.incoming }

func (t *Stdio) SessionID() string { return "" }

func (t *Stdio) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// Connect spawns the child process and starts the reader pump.
func (t *Stdio) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.alive {
		return nil
	}

	cmd := exec.Command(t.args[0], t.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Classify(t.opts.Endpoint, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Classify(t.opts.Endpoint, err)
	}
	if err := cmd.Start(); err != nil {
		return &Error{Class: ClassNonRetryable, Endpoint: t.opts.Endpoint, Err: err}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.w = jsonrpc.NewWriter(stdin)
	t.alive = true

	go t.pump(stdout)
	slog.Debug("Spawned subprocess transport", "command", t.args[0], "pid", cmd.Process.Pid)
	return nil
}

// pump reads frames from the child's stdout until it exits.
func (t *Stdio) pump(stdout io.Reader) {
	r := jsonrpc.NewReaderSize(stdout, t.opts.MaxFrameSize)
	for {
		msg, err := r.Read()
		if err != nil {
			var fe *jsonrpc.FrameError
			if errors.As(err, &fe) {
				slog.Warn("Dropping malformed frame from subprocess", "error", err)
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

// Send writes one frame to the child. Replies arrive via Incoming.
func (t *Stdio) Send(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
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
		return nil, Classify(t.opts.Endpoint, err)
	}
	return nil, nil
}

// Close terminates the child: close stdin, SIGTERM, bounded grace, SIGKILL.
func (t *Stdio) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		cmd := t.cmd
		stdin := t.stdin
		t.alive = false
		t.mu.Unlock()

		if stdin != nil {
			stdin.Close()
		}
		if cmd == nil || cmd.Process == nil {
			return
		}

		done := make(chan struct{})
		go func() {
			cmd.Wait()
			close(done)
		}()

		_ = terminateProcess(cmd)
		select {
		case <-done:
		case <-time.After(stdioShutdownGrace):
			_ = cmd.Process.Kill()
			<-done
		}
	})
	return nil
}
