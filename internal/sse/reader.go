// Package sse reads and writes the Server-Sent Events framing used by
// chat completion streams.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is a single SSE event, delimited by a blank line.
type Event struct {
	// Type is the "event:" field. Empty means the default message type.
	Type string
	// Data joins all "data:" lines of the event with "\n".
	Data string
	ID   string
}

// Reader parses SSE events from an upstream body.
type Reader struct {
	scanner *bufio.Scanner
	current Event
	hasData bool
}

func NewReader(src io.Reader) *Reader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next blocks until a complete event is available. It returns nil, nil when
// the source is exhausted.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if r.hasData {
				return r.take(), nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		r.parseLine(line)
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}

	// Stream ended without a trailing blank line.
	if r.hasData {
		return r.take(), nil
	}
	return nil, nil
}

func (r *Reader) parseLine(line string) {
	field, value, ok := strings.Cut(line, ":")
	if ok {
		value = strings.TrimPrefix(value, " ")
	} else {
		field = line
	}

	switch field {
	case "data":
		if r.hasData && r.current.Data != "" {
			r.current.Data += "\n"
		}
		r.current.Data += value
		r.hasData = true
	case "event":
		r.current.Type = value
		r.hasData = true
	case "id":
		r.current.ID = value
		r.hasData = true
	}
}

func (r *Reader) take() *Event {
	ev := r.current
	r.current = Event{}
	r.hasData = false
	return &ev
}
