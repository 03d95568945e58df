package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/brightpath-health/portal-realtime/internal/auth"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

// pollResponse is the snapshot endpoint's reply: every envelope since the
// supplied cursor, plus the cursor to use next time.
type pollResponse struct {
	Events []json.RawMessage `json:"events"`
	Cursor string            `json:"cursor"`
}

// PollingChannel is the terminal fallback. It can always "connect"; failures
// surface per-poll and are retried on the next tick with the interval
// unchanged.
type PollingChannel struct {
	pollURL      string
	subscribeURL string
	tokens       auth.TokenProvider
	client       *http.Client
	clock        Clock
	interval     time.Duration
	logger       *logging.Logger

	mu     sync.Mutex
	cursor string
	cancel context.CancelFunc
	closed bool

	frames chan []byte
}

func NewPollingChannel(pollURL, subscribeURL string, tokens auth.TokenProvider, client *http.Client, interval time.Duration, clock Clock, logger *logging.Logger) *PollingChannel {
	if client == nil {
		client = http.DefaultClient
	}
	if clock == nil {
		clock = RealClock()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PollingChannel{
		pollURL:      pollURL,
		subscribeURL: subscribeURL,
		tokens:       tokens,
		client:       client,
		clock:        clock,
		interval:     interval,
		logger:       logger,
		frames:       make(chan []byte, 32),
	}
}

func (c *PollingChannel) Kind() Kind { return KindPolling }

// Open starts the poll loop. It never fails: the first poll runs immediately
// and any error simply waits for the next tick.
func (c *PollingChannel) Open(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("polling: channel closed during open")
	}
	c.cancel = cancel
	c.mu.Unlock()

	go c.loop(loopCtx)
	return nil
}

func (c *PollingChannel) loop(ctx context.Context) {
	defer close(c.frames)
	for {
		if err := c.pollOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("poll failed, retrying next interval", "error", err)
		}
		timer := c.clock.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

func (c *PollingChannel) pollOnce(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("polling: fetch token: %w", err)
	}

	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	u := c.pollURL
	if cursor != "" {
		sep := "?"
		if parsed, err := url.Parse(u); err == nil && parsed.RawQuery != "" {
			sep = "&"
		}
		u += sep + "since=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("polling: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("polling: snapshot request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("polling: snapshot request: unexpected status %d", resp.StatusCode)
	}

	var snapshot pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return fmt.Errorf("polling: decode snapshot: %w", err)
	}

	for _, raw := range snapshot.Events {
		select {
		case c.frames <- []byte(raw):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if snapshot.Cursor != "" {
		c.mu.Lock()
		c.cursor = snapshot.Cursor
		c.mu.Unlock()
	}
	return nil
}

// Send registers the subscription via REST; the snapshot endpoint scopes its
// reply to the caller's active topics.
func (c *PollingChannel) Send(ctx context.Context, frame ControlFrame) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("polling: fetch token: %w", err)
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("polling: encode control frame: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.subscribeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("polling: build subscribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("polling: %s %s: %w", frame.Op, frame.Topic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("polling: %s %s: unexpected status %d", frame.Op, frame.Topic, resp.StatusCode)
	}
	return nil
}

func (c *PollingChannel) Frames() <-chan []byte { return c.frames }

// Err is always nil for polling: per-poll failures are retried, never fatal.
func (c *PollingChannel) Err() error { return nil }

func (c *PollingChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
