package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// maxSSEEventSize bounds a single server-sent event (1MB).
const maxSSEEventSize = 1024 * 1024

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  []byte
}

// sseScanner parses the text/event-stream format: "field: value" lines,
// blank line terminates an event, multiple data lines are joined with
// newlines, comment lines start with a colon.
type sseScanner struct {
	reader  *bufio.Reader
	maxSize int
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReader(r), maxSize: maxSSEEventSize}
}

// Next returns the next event, or io.EOF at end of stream. Events without
// any data, id, or event field are skipped.
func (s *sseScanner) Next() (*sseEvent, error) {
	event := &sseEvent{}
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				// Incomplete final event.
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			return nil, err
		}

		size += len(line)
		if size > s.maxSize {
			return nil, fmt.Errorf("SSE event exceeds %d bytes", s.maxSize)
		}

		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))

		if len(line) == 0 {
			if len(dataLines) > 0 || event.ID != "" || event.Event != "" {
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if idx := bytes.IndexByte(line, ':'); idx >= 0 {
			field = line[:idx]
			value = line[idx+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}

		switch string(field) {
		case "id":
			event.ID = string(value)
		case "event":
			event.Event = string(value)
		case "data":
			dataLines = append(dataLines, value)
		}
	}
}
