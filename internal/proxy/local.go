package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"mcpremote/internal/jsonrpc"
)

// RunLocal ties a forwarder to the local byte streams: a reader
// goroutine on in, a writer goroutine on out (the sole stdout producer),
// and the forwarder's inbound pump. It returns once local EOF or context
// cancellation has driven the forwarder's shutdown to completion.
func RunLocal(ctx context.Context, f *Forwarder, in io.Reader, out io.Writer, maxFrame int) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		f.Run(gctx)
		return nil
	})

	// Shutdown trigger: context cancellation. Local EOF triggers it from
	// the reader below.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			f.Shutdown()
		case <-f.Done():
		}
		return nil
	})

	// Writer: drains the forwarder's out channel until shutdown, then
	// flushes whatever is still queued so no reply is silently lost.
	writer := jsonrpc.NewWriter(out)
	g.Go(func() error {
		for {
			select {
			case msg := <-f.Out():
				if err := writer.Write(msg); err != nil {
					return err
				}
			case <-f.Done():
				for {
					select {
					case msg := <-f.Out():
						if err := writer.Write(msg); err != nil {
							return err
						}
					default:
						return nil
					}
				}
			}
		}
	})

	// Reader: deliberately not in the errgroup. A blocking read on stdin
	// cannot be interrupted; on cancellation the process exits without
	// waiting for it. Local EOF starts the shutdown sequence.
	go func() {
		defer f.Shutdown()
		reader := jsonrpc.NewReaderSize(in, maxFrame)
		for {
			msg, err := reader.Read()
			if err != nil {
				var fe *jsonrpc.FrameError
				if errors.As(err, &fe) {
					// Malformed local input answers locally and the
					// stream resumes at the next line.
					slog.Warn("Malformed frame on local stream", "error", err)
					f.Deliver(jsonrpc.NewError(json.RawMessage("null"),
						jsonrpc.CodeParseError, "Parse error"))
					continue
				}
				if err != io.EOF {
					slog.Warn("Local stream closed unexpectedly", "error", err)
				}
				return
			}
			f.HandleLocal(gctx, msg)
		}
	}()

	return g.Wait()
}
