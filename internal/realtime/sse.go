package realtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/brightpath-health/portal-realtime/internal/auth"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

// SSEChannel consumes a server-sent-event stream. SSE has no client-to-server
// frames, so subscriptions go through a REST endpoint instead.
type SSEChannel struct {
	streamURL    string
	subscribeURL string
	tokens       auth.TokenProvider
	client       *http.Client
	logger       *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	err    error
	closed bool

	frames chan []byte
	done   chan struct{}
}

func NewSSEChannel(streamURL, subscribeURL string, tokens auth.TokenProvider, client *http.Client, logger *logging.Logger) *SSEChannel {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SSEChannel{
		streamURL:    streamURL,
		subscribeURL: subscribeURL,
		tokens:       tokens,
		client:       client,
		logger:       logger,
		frames:       make(chan []byte, 32),
		done:         make(chan struct{}),
	}
}

func (c *SSEChannel) Kind() Kind { return KindSSE }

// Open issues the streaming GET and returns once the server has accepted it.
// The stream itself is read on a background goroutine until it breaks.
func (c *SSEChannel) Open(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("sse: fetch token: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.streamURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("sse: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("sse: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("sse: open stream: unexpected status %d", resp.StatusCode)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		resp.Body.Close()
		cancel()
		return fmt.Errorf("sse: channel closed during open")
	}
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(resp)
	return nil
}

func (c *SSEChannel) readLoop(resp *http.Response) {
	defer close(c.frames)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				// The manager's pump may be gone already; never park on a
				// full buffer past Close.
				select {
				case c.frames <- append([]byte(nil), data.Bytes()...):
				case <-c.done:
					return
				}
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// Comments and event/id fields are ignored; only data matters here.
		}
	}

	c.mu.Lock()
	if !c.closed {
		if err := scanner.Err(); err != nil {
			c.err = err
		} else {
			c.err = fmt.Errorf("sse: stream ended")
		}
	}
	c.mu.Unlock()
}

// Send registers the subscription via REST, since the stream is one-way.
func (c *SSEChannel) Send(ctx context.Context, frame ControlFrame) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("sse: fetch token: %w", err)
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("sse: encode control frame: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.subscribeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sse: build subscribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sse: %s %s: %w", frame.Op, frame.Topic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sse: %s %s: unexpected status %d", frame.Op, frame.Topic, resp.StatusCode)
	}
	return nil
}

func (c *SSEChannel) Frames() <-chan []byte { return c.frames }

func (c *SSEChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *SSEChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	close(c.done)
	if cancel != nil {
		cancel()
	}
	return nil
}
