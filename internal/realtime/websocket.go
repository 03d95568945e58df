package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/brightpath-health/portal-realtime/internal/auth"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

type authFrame struct {
	Op    string `json:"op"`
	Token string `json:"token"`
}

// WebSocketChannel is the preferred transport: a single full-duplex socket
// carrying an auth frame, subscribe control frames, and event envelopes.
type WebSocketChannel struct {
	url    string
	tokens auth.TokenProvider
	dialer *websocket.Dialer
	logger *logging.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	err    error
	closed bool

	frames chan []byte
	done   chan struct{}
}

func NewWebSocketChannel(url string, tokens auth.TokenProvider, logger *logging.Logger) *WebSocketChannel {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebSocketChannel{
		url:    url,
		tokens: tokens,
		dialer: websocket.DefaultDialer,
		logger: logger,
		frames: make(chan []byte, 32),
		done:   make(chan struct{}),
	}
}

func (c *WebSocketChannel) Kind() Kind { return KindWebSocket }

// Open dials the endpoint, sends the auth frame, and starts the read loop.
func (c *WebSocketChannel) Open(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("websocket: fetch token: %w", err)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket: dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("websocket: dial %s: %w", c.url, err)
	}

	if err := conn.WriteJSON(authFrame{Op: "auth", Token: token}); err != nil {
		conn.Close()
		return fmt.Errorf("websocket: send auth frame: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("websocket: channel closed during open")
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *WebSocketChannel) readLoop(conn *websocket.Conn) {
	defer close(c.frames)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = err
			}
			c.mu.Unlock()
			return
		}
		// The manager's pump may be gone already; never park on a full
		// buffer past Close.
		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketChannel) Send(ctx context.Context, frame ControlFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket: not connected")
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("websocket: send %s %s: %w", frame.Op, frame.Topic, err)
	}
	return nil
}

func (c *WebSocketChannel) Frames() <-chan []byte { return c.frames }

func (c *WebSocketChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
