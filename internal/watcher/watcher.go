// Package watcher waits for another process to finish an OAuth flow by
// observing the shared token store, combining filesystem notifications
// with a coarse poll for filesystems where events are unreliable.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"mcpremote/internal/oauth/tokenstore"
)

// DefaultPollInterval is the fallback poll cadence.
const DefaultPollInterval = 2 * time.Second

// ErrTimeout means no valid token appeared before the deadline.
var ErrTimeout = fmt.Errorf("timed out waiting for another process to authenticate")

// WaitForToken blocks until a valid token record for the endpoint appears
// in the store, the timeout elapses, or the context is cancelled. It
// reacts promptly to writes via fsnotify and re-checks every poll
// interval regardless.
func WaitForToken(ctx context.Context, store *tokenstore.Store, endpoint string, timeout time.Duration) (*tokenstore.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// A token may already be there.
	if rec := loadValid(store, endpoint); rec != nil {
		return rec, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer fsWatcher.Close()
		if werr := fsWatcher.Add(store.Dir()); werr != nil {
			slog.Debug("Cannot watch auth directory, relying on polling", "error", werr)
		}
	} else {
		slog.Debug("fsnotify unavailable, relying on polling", "error", err)
		fsWatcher = nil
	}

	var events chan fsnotify.Event
	if fsWatcher != nil {
		events = make(chan fsnotify.Event)
		go func() {
			defer close(events)
			for {
				select {
				case ev, ok := <-fsWatcher.Events:
					if !ok {
						return
					}
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				case err, ok := <-fsWatcher.Errors:
					if !ok {
						return
					}
					slog.Debug("Auth directory watch error", "error", err)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	slog.Info("Waiting for another process to complete authentication",
		"endpoint", tokenstore.NormalizeEndpoint(endpoint), "timeout", timeout)

	for {
		select {
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}

		if rec := loadValid(store, endpoint); rec != nil {
			slog.Info("Token produced by another process",
				"endpoint", tokenstore.NormalizeEndpoint(endpoint))
			return rec, nil
		}
	}
}

func loadValid(store *tokenstore.Store, endpoint string) *tokenstore.Record {
	rec, err := store.Load(endpoint)
	if err != nil || !rec.Valid() {
		return nil
	}
	return rec
}
