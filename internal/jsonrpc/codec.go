package jsonrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameSize caps a single newline-delimited frame at 8 MiB.
const DefaultMaxFrameSize = 8 << 20

// FrameError reports a malformed frame on the stream. The stream itself
// remains usable: the reader has already consumed up to the next newline.
type FrameError struct {
	// Oversized is set when the frame exceeded the configured limit.
	Oversized bool

	// Err is the underlying cause for parse failures.
	Err error
}

func (e *FrameError) Error() string {
	if e.Oversized {
		return "jsonrpc: frame exceeds maximum size"
	}
	return fmt.Sprintf("jsonrpc: malformed frame: %v", e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Reader deframes newline-delimited JSON-RPC messages from a byte stream.
// Lines containing only whitespace are skipped silently.
type Reader struct {
	br       *bufio.Reader
	maxFrame int
}

// NewReader wraps r with the default frame limit.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxFrameSize)
}

// NewReaderSize wraps r with an explicit frame limit in bytes.
func NewReaderSize(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reader{br: bufio.NewReader(r), maxFrame: maxFrame}
}

// Read returns the next message, io.EOF at end of stream, or a *FrameError
// for a line that is not a valid JSON-RPC object. After a *FrameError the
// reader is positioned at the next frame.
func (r *Reader) Read() (*Message, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		if trimmed[0] != '{' {
			return nil, &FrameError{Err: fmt.Errorf("frame is not a JSON object")}
		}

		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, &FrameError{Err: err}
		}
		return &msg, nil
	}
}

// readLine reads up to the next newline, enforcing the frame limit. An
// oversized line is drained so the reader can resynchronize, then reported.
func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		buf = append(buf, chunk...)

		if len(buf) > r.maxFrame {
			// Drain the remainder of the line before reporting.
			for err == bufio.ErrBufferFull {
				_, err = r.br.ReadSlice('\n')
			}
			if err != nil && err != bufio.ErrBufferFull && err != io.EOF {
				return nil, err
			}
			return nil, &FrameError{Oversized: true}
		}

		switch err {
		case nil:
			return buf, nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(bytes.TrimSpace(buf)) == 0 {
				return nil, io.EOF
			}
			return buf, nil
		default:
			return nil, err
		}
	}
}

// Writer frames messages onto a byte stream. Writes are serialized by an
// internal mutex so a message is never interleaved with another producer
// using the same Writer.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write serializes m, appends a single newline and flushes. The serialized
// form of a JSON object never contains a raw newline, so each frame is
// exactly one line.
func (w *Writer) Write(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("jsonrpc: marshal: %w", err)
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		// Raw-forwarded fields may carry pretty-printed JSON; compacting
		// removes the insignificant newlines without touching values.
		var compact bytes.Buffer
		if err := json.Compact(&compact, data); err != nil {
			return &FrameError{Err: fmt.Errorf("message contains embedded newline")}
		}
		data = compact.Bytes()
	}

	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("jsonrpc: write: %w", err)
	}
	if f, ok := w.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
