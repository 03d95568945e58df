package realtime

import "context"

// Kind identifies a transport implementation.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindSSE       Kind = "sse"
	KindPolling   Kind = "polling"
	KindNone      Kind = "none"
)

// State is the connection manager's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Channel is one live transport. Open blocks until the handshake completes
// (or fails); afterwards raw frames arrive on Frames until the stream dies,
// at which point Frames is closed and Err reports the cause. A channel is
// single-use: once closed it is never reopened.
type Channel interface {
	Kind() Kind
	Open(ctx context.Context) error
	Send(ctx context.Context, frame ControlFrame) error
	Frames() <-chan []byte
	Err() error
	Close() error
}

// ChannelFactory builds a fresh channel for one connection attempt.
type ChannelFactory func() Channel
