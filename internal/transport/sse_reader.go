package transport

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one parsed text/event-stream event.
type sseEvent struct {
	// name is the event type; an absent "event:" line means "message".
	name string

	// data is the joined data lines.
	data string

	// id is the last-seen event id, "" when the server sent none.
	id string
}

// sseScanner incrementally parses a text/event-stream body per the
// WHATWG/HTML5 framing: field lines separated by blank-line dispatch.
// Comment lines (leading ':') are skipped.
type sseScanner struct {
	sc     *bufio.Scanner
	lastID string
}

func newSSEScanner(r io.Reader, maxFrame int) *sseScanner {
	if maxFrame <= 0 {
		maxFrame = 8 << 20
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrame)
	return &sseScanner{sc: sc}
}

// next returns the next event or an error. io.EOF marks a clean end of
// stream.
func (s *sseScanner) next() (*sseEvent, error) {
	ev := &sseEvent{}
	var data []string
	dirty := false

	for s.sc.Scan() {
		line := strings.TrimRight(s.sc.Text(), "\r")

		if line == "" {
			if !dirty {
				continue
			}
			ev.data = strings.Join(data, "\n")
			if ev.name == "" {
				ev.name = "message"
			}
			ev.id = s.lastID
			return ev, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.name = value
			dirty = true
		case "data":
			data = append(data, value)
			dirty = true
		case "id":
			if !strings.Contains(value, "\x00") {
				s.lastID = value
			}
			dirty = true
		case "retry":
			// Reconnect pacing is owned by the transport; ignored here.
		}
	}

	if err := s.sc.Err(); err != nil {
		return nil, err
	}
	if dirty {
		// Stream ended mid-event; deliver what we have.
		ev.data = strings.Join(data, "\n")
		if ev.name == "" {
			ev.name = "message"
		}
		ev.id = s.lastID
		return ev, nil
	}
	return nil, io.EOF
}

// lastEventID returns the most recent id seen on the stream, for
// Last-Event-ID resume.
func (s *sseScanner) lastEventID() string { return s.lastID }
