package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const entryChannelBufferSize = 2048

// ParseLevel maps a level name to its slog level. Unknown names default
// to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Entry is one log record captured in notification mode.
type Entry struct {
	Timestamp time.Time
	Level     slog.Level
	Message   string
	Attrs     map[string]any
}

// MCPLevel returns the entry's level in MCP logging vocabulary.
func (e Entry) MCPLevel() string {
	switch {
	case e.Level < slog.LevelInfo:
		return "debug"
	case e.Level < slog.LevelWarn:
		return "info"
	case e.Level < slog.LevelError:
		return "warning"
	default:
		return "error"
	}
}

// NotificationParams renders the entry as notifications/message params.
func (e Entry) NotificationParams(loggerName string) (json.RawMessage, error) {
	data := map[string]any{"message": e.Message}
	for k, v := range e.Attrs {
		data[k] = v
	}
	return json.Marshal(map[string]any{
		"level":  e.MCPLevel(),
		"logger": loggerName,
		"data":   data,
	})
}

// InitStderr routes all slog output to w as text, typically os.Stderr.
func InitStderr(level slog.Level, w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// InitNotifications routes all slog output onto the returned channel.
// The caller drains it and forwards each entry to the local client.
// When the channel is full the record falls back to standard error so
// a stalled consumer never blocks the proxy.
func InitNotifications(level slog.Level) <-chan Entry {
	ch := make(chan Entry, entryChannelBufferSize)
	slog.SetDefault(slog.New(&channelHandler{level: level, ch: ch}))
	return ch
}

// channelHandler converts slog records into Entry values on a channel.
type channelHandler struct {
	level slog.Level
	ch    chan Entry
	attrs []slog.Attr
	group string
}

func (h *channelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *channelHandler) Handle(_ context.Context, record slog.Record) error {
	attrs := make(map[string]any, record.NumAttrs()+len(h.attrs))
	for _, attr := range h.attrs {
		h.put(attrs, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		h.put(attrs, attr)
		return true
	})

	entry := Entry{
		Timestamp: record.Time,
		Level:     record.Level,
		Message:   record.Message,
		Attrs:     attrs,
	}
	select {
	case h.ch <- entry:
	default:
		fmt.Fprintf(os.Stderr, "log channel full, dropping: %s [%s] %s\n",
			entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message)
	}
	return nil
}

func (h *channelHandler) put(attrs map[string]any, attr slog.Attr) {
	key := attr.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	attrs[key] = attr.Value.Resolve().Any()
}

func (h *channelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *channelHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group = clone.group + "." + name
	}
	return &clone
}
