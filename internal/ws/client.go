package ws

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/gorilla/websocket"
)

// Client adapts a websocket connection to the push Transport.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a websocket transport wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one payload frame to the connection.
func (c *Client) Send(payload []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if c.log != nil {
			c.log.Warn("websocket send failed", "error", err)
		}
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Heartbeat emits a ping control frame.
func (c *Client) Heartbeat() error {
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}

// ReadPump consumes inbound frames until the connection dies. Clients steer
// room membership with JSON control frames; any frame or pong counts as
// liveness. It blocks; run it on the handler goroutine.
func (c *Client) ReadPump(h *Hub, sub *Subscriber) {
	defer h.Disconnect(sub.ID)
	c.conn.SetPongHandler(func(string) error {
		sub.Touch(h.now())
		return nil
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		sub.Touch(h.now())
		c.handleControl(h, sub, payload)
	}
}

type controlMessage struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

func (c *Client) handleControl(h *Hub, sub *Subscriber, payload []byte) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	msg.Room = strings.TrimSpace(msg.Room)
	if msg.Room == "" {
		return
	}
	var err error
	switch msg.Action {
	case "join":
		err = h.Join(sub.ID, msg.Room)
	case "leave":
		err = h.Leave(sub.ID, msg.Room)
	default:
		return
	}
	if err != nil && c.log != nil {
		c.log.Warn("room control rejected", "action", msg.Action, "room", msg.Room, "error", err)
	}
}
