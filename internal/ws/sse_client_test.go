package ws

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestSSEClientSend(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, nil)

	if err := c.Send([]byte(`{"v":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "data: {\"v\":1}\n\n") {
		t.Fatalf("missing data frame in %q", body)
	}
	if !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("missing heartbeat frame in %q", body)
	}
	if !rec.Flushed {
		t.Fatalf("frames must be flushed as they are written")
	}
}

func TestSSEClientClosed(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, nil)

	c.Close()
	if err := c.Send([]byte("x")); err == nil {
		t.Fatalf("send after close must fail")
	}
	if err := c.Heartbeat(); err == nil {
		t.Fatalf("heartbeat after close must fail")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("closed client must not write, got %q", rec.Body.String())
	}
}

func TestSSEClientWriteFailureCloses(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(failingWriter{}, rec, nil)

	if err := c.Send([]byte("x")); err == nil {
		t.Fatalf("expected write error")
	}
	// The failed write latches the closed state.
	if err := c.Send([]byte("y")); err == nil {
		t.Fatalf("sends after a write failure must fail fast")
	}
}
