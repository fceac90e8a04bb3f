package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

// SSEClient streams Server-Sent Events over an HTTP response writer. It is
// the second push transport: same queue semantics as the websocket client,
// different wire format.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  atomic.Bool
}

// NewSSEClient builds an SSE transport instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, log: logger}
}

// Send emits a data event to the SSE stream.
func (c *SSEClient) Send(payload []byte) error {
	if c.closed.Load() {
		return io.EOF
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "data: %s\n\n", payload); err != nil {
		c.closed.Store(true)
		if c.log != nil {
			c.log.Warn("sse send failed", "error", err)
		}
		return err
	}
	c.flusher.Flush()
	return nil
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	if c.closed.Load() {
		return io.EOF
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprint(c.writer, ": ping\n\n"); err != nil {
		c.closed.Store(true)
		if c.log != nil {
			c.log.Warn("sse heartbeat failed", "error", err)
		}
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream as closed. It must never block: the hub loop calls
// it while removing subscribers. The HTTP handler owns the underlying
// connection and returns once the write loop has exited.
func (c *SSEClient) Close() {
	c.closed.Store(true)
}
