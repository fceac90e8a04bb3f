package domain

import (
	"encoding/json"
	"time"
)

// MessageType classifies hub messages on the wire.
type MessageType string

const (
	MessageMetricUpdate MessageType = "metric_update"
	MessageAlert        MessageType = "alert"
	MessageHeartbeat    MessageType = "heartbeat"
)

// StreamMessage is the wire envelope delivered to stream subscribers.
type StreamMessage struct {
	Type       MessageType     `json:"type"`
	Room       string          `json:"room"`
	Data       json.RawMessage `json:"data"`
	ServerTime time.Time       `json:"server_time"`
}

// SubscriberKind tags how a subscriber receives its queue.
type SubscriberKind string

const (
	// SubscriberPush subscribers own a writer goroutine that drains the
	// queue into a persistent transport (websocket, SSE).
	SubscriberPush SubscriberKind = "push"
	// SubscriberPull subscribers are drained by explicit poll requests.
	SubscriberPull SubscriberKind = "pull"
)
