package notify

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const maxLineSize = 1 << 20

// Event is one dispatched server-sent event. ID is the last event id of the
// stream at dispatch time; HasID reports whether this event set it itself.
type Event struct {
	ID    string
	HasID bool
	Event string
	Data  string
}

// Reader decodes a text/event-stream incrementally. The id field persists
// across events as the last event id; retry hints are ignored.
type Reader struct {
	scanner *bufio.Scanner
	lastID  string
	started bool
	// afterCR skips the LF of a CRLF split across reads.
	afterCR bool
}

func NewReader(r io.Reader) *Reader {
	rd := &Reader{}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineSize)
	s.Split(rd.scanLines)
	rd.scanner = s
	return rd
}

// LastEventID is the most recent id field seen on the stream.
func (r *Reader) LastEventID() string {
	return r.lastID
}

// Next blocks until the next complete event. It returns io.EOF when the
// stream ends; a trailing event without its blank line is discarded.
func (r *Reader) Next() (Event, error) {
	var (
		eventType string
		data      strings.Builder
		hasData   bool
		hasID     bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if !r.started {
			r.started = true
			line = strings.TrimPrefix(line, "\ufeff")
		}

		if line == "" {
			if !hasData {
				eventType = ""
				hasID = false
				continue
			}
			if eventType == "" {
				eventType = "message"
			}
			return Event{
				ID:    r.lastID,
				HasID: hasID,
				Event: eventType,
				Data:  strings.TrimSuffix(data.String(), "\n"),
			}, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			eventType = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
				hasID = true
			}
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// scanLines splits on LF, CRLF or a lone CR. A CR ends the line as soon as
// it is read so a CR-only stream dispatches without waiting for more input.
func (r *Reader) scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if r.afterCR && len(data) > 0 {
		r.afterCR = false
		if data[0] == '\n' {
			return 1, nil, nil
		}
	}
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		r.afterCR = !atEOF
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
