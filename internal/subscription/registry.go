// Package subscription tracks which entity topics the client cares about,
// independent of which transport happens to be connected.
package subscription

import (
	"context"
	"sort"
	"sync"

	"github.com/brightpath-health/portal-realtime/internal/realtime"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

// Sender pushes control frames to whatever channel is currently active.
// The connection manager satisfies this.
type Sender interface {
	Send(ctx context.Context, frame realtime.ControlFrame) error
}

// Registry is the topic bookkeeper. No transport retains server-side
// subscription state across a swap, so the registry re-sends every active
// topic whenever a new channel connects.
type Registry struct {
	sender Sender
	logger *logging.Logger

	mu     sync.Mutex
	topics map[string]struct{}
}

func NewRegistry(sender Sender, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		sender: sender,
		logger: logger,
		topics: make(map[string]struct{}),
	}
}

// Subscribe adds the topic and, if a transport is live, tells the server.
// Idempotent for an already-subscribed topic.
func (r *Registry) Subscribe(ctx context.Context, topic string) {
	r.mu.Lock()
	if _, ok := r.topics[topic]; ok {
		r.mu.Unlock()
		return
	}
	r.topics[topic] = struct{}{}
	r.mu.Unlock()

	if err := r.sender.Send(ctx, realtime.ControlFrame{Op: realtime.OpSubscribe, Topic: topic}); err != nil {
		// Not connected yet; Resend will cover it once a channel comes up.
		r.logger.Debug("subscribe deferred", "topic", topic, "error", err)
	}
}

// Unsubscribe removes the topic; no-op if not subscribed.
func (r *Registry) Unsubscribe(ctx context.Context, topic string) {
	r.mu.Lock()
	if _, ok := r.topics[topic]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.topics, topic)
	r.mu.Unlock()

	if err := r.sender.Send(ctx, realtime.ControlFrame{Op: realtime.OpUnsubscribe, Topic: topic}); err != nil {
		r.logger.Debug("unsubscribe deferred", "topic", topic, "error", err)
	}
}

// Topics returns the active set, sorted for stable output.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Resend replays subscribe frames for every active topic over the current
// channel. Called on every transport swap.
func (r *Registry) Resend(ctx context.Context) {
	for _, topic := range r.Topics() {
		if err := r.sender.Send(ctx, realtime.ControlFrame{Op: realtime.OpSubscribe, Topic: topic}); err != nil {
			r.logger.Warn("resubscribe failed", "topic", topic, "error", err)
		}
	}
}
