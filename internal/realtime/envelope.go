// Package realtime maintains the portal's live event feed over a fallback
// chain of transports: WebSocket, then Server-Sent-Events, then polling.
package realtime

import "encoding/json"

// Envelope is the transport-agnostic event frame every channel speaks.
type Envelope struct {
	Type       string          `json:"type"` // e.g. "appointment:updated", "heartbeat"
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
	Version    string          `json:"version"`
}

// TypeHeartbeat marks liveness frames that carry no entity data.
const TypeHeartbeat = "heartbeat"

// ControlFrame is the client-to-server subscription message.
type ControlFrame struct {
	Op    string `json:"op"` // "subscribe" or "unsubscribe"
	Topic string `json:"topic"`
}

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Message pairs a raw frame with the transport it arrived on. Parsing is the
// dispatcher's job so a malformed frame never takes down a channel.
type Message struct {
	Raw    []byte
	Origin Kind
}
