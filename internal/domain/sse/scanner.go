// Package sse parses a Server-Sent Events octet stream into frames.
package sse

import (
	"bufio"
	"io"
	"strings"

	"github.com/mcplens/mcplens/internal/domain/capture"
)

// maxLineSize bounds a single SSE line; frames carrying JSON-RPC results
// can be large but a 10MB line means a misbehaving upstream.
const maxLineSize = 10 * 1024 * 1024

// Scanner reads SSE frames from an octet stream one at a time. It is a
// lazy sequence: Next blocks on the underlying reader and the consumer
// stops on io.EOF or by cancelling the reader.
type Scanner struct {
	r   *bufio.Reader
	err error
}

// NewScanner wraps r for SSE frame parsing.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 4096)}
}

// Next returns the next complete frame. A frame is terminated by a blank
// line; a non-empty partial frame at stream end is returned before the
// final io.EOF. Comment lines (leading colon) are ignored.
func (s *Scanner) Next() (*capture.SSEEvent, error) {
	if s.err != nil {
		return nil, s.err
	}

	var (
		ev        capture.SSEEvent
		dataLines []string
		nonEmpty  bool
	)

	flush := func() *capture.SSEEvent {
		ev.Data = strings.Join(dataLines, "\n")
		out := ev
		return &out
	}

	processLine := func(line string) {
		field, value := splitField(line)
		switch field {
		case "event":
			ev.Event = value
			nonEmpty = true
		case "data":
			dataLines = append(dataLines, value)
			nonEmpty = true
		case "id":
			ev.ID = value
			nonEmpty = true
		case "retry":
			ev.Retry = value
			nonEmpty = true
		default:
			// Unknown fields are ignored per the SSE grammar.
		}
	}

	for {
		line, err := s.readLine()
		if err != nil {
			s.err = err
			if line != "" && !strings.HasPrefix(line, ":") {
				processLine(line)
			}
			if nonEmpty {
				return flush(), nil
			}
			return nil, err
		}

		if line == "" {
			// Blank line dispatches the frame, but only if one started.
			if nonEmpty {
				return flush(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		processLine(line)
	}
}

// readLine reads one LF-terminated line, trimming the LF and an optional
// preceding CR. bufio blocks until the newline arrives, so partial
// chunks from a live stream accumulate transparently.
func (s *Scanner) readLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		if len(line) > 0 {
			// Stream ended mid-line; surface what we have.
			return strings.TrimSuffix(line, "\r"), io.ErrUnexpectedEOF
		}
		return "", err
	}
	if len(line) > maxLineSize {
		return "", io.ErrUnexpectedEOF
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// splitField splits "field: value" per the SSE grammar: the first colon
// separates, one leading space of the value is dropped.
func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}
