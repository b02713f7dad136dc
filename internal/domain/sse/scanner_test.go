package sse

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/mcplens/mcplens/internal/domain/capture"
)

func collect(t *testing.T, input string) []capture.SSEEvent {
	t.Helper()
	s := NewScanner(strings.NewReader(input))
	var out []capture.SSEEvent
	for {
		ev, err := s.Next()
		if ev != nil {
			out = append(out, *ev)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Fatalf("Next: %v", err)
			}
			return out
		}
	}
}

func TestScanner_SingleFrame(t *testing.T) {
	t.Parallel()

	events := collect(t, "event: message\ndata: hello\nid: 7\n\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Event != "message" || ev.Data != "hello" || ev.ID != "7" {
		t.Errorf("event = %+v", ev)
	}
}

func TestScanner_MultiDataJoinedWithLF(t *testing.T) {
	t.Parallel()

	events := collect(t, "data: line one\ndata: line two\ndata: line three\n\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	want := "line one\nline two\nline three"
	if events[0].Data != want {
		t.Errorf("data = %q, want %q", events[0].Data, want)
	}
}

func TestScanner_MultipleFrames(t *testing.T) {
	t.Parallel()

	events := collect(t, "data: a\n\ndata: b\n\ndata: c\n\n")
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, want := range []string{"a", "b", "c"} {
		if events[i].Data != want {
			t.Errorf("event %d data = %q, want %q", i, events[i].Data, want)
		}
	}
}

func TestScanner_CRLFAndComments(t *testing.T) {
	t.Parallel()

	events := collect(t, ": heartbeat\r\ndata: payload\r\nretry: 3000\r\n\r\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Data != "payload" || events[0].Retry != "3000" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestScanner_BlankLinesWithoutFrameAreSkipped(t *testing.T) {
	t.Parallel()

	events := collect(t, "\n\n\ndata: x\n\n\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestScanner_PartialFrameAtEOF(t *testing.T) {
	t.Parallel()

	// No terminating blank line; the partial frame still surfaces.
	events := collect(t, "event: done\ndata: tail")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Event != "done" || events[0].Data != "tail" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestScanner_ValueWithColons(t *testing.T) {
	t.Parallel()

	// Only the first colon splits; one leading space is trimmed.
	events := collect(t, "data: {\"url\":\"http://x/y\"}\n\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Data != `{"url":"http://x/y"}` {
		t.Errorf("data = %q", events[0].Data)
	}
}

func TestScanner_FieldWithoutColon(t *testing.T) {
	t.Parallel()

	// A bare field name has an empty value per the SSE grammar.
	events := collect(t, "data\n\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Data != "" {
		t.Errorf("data = %q, want empty", events[0].Data)
	}
}

func TestScanner_EmptyStream(t *testing.T) {
	t.Parallel()

	if events := collect(t, ""); len(events) != 0 {
		t.Errorf("got %d events from empty stream, want 0", len(events))
	}
}

func TestScanner_StopsAfterError(t *testing.T) {
	t.Parallel()

	s := NewScanner(strings.NewReader("data: x\n\n"))
	if _, err := s.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("second Next err = %v, want EOF", err)
	}
	// The error is sticky.
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("third Next err = %v, want EOF", err)
	}
}
