package subscription

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brightpath-health/portal-realtime/internal/realtime"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []realtime.ControlFrame
	err    error
}

func (s *recordingSender) Send(ctx context.Context, frame realtime.ControlFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSender) sent() []realtime.ControlFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.ControlFrame(nil), s.frames...)
}

func TestSubscribeIdempotent(t *testing.T) {
	sender := &recordingSender{}
	r := NewRegistry(sender, logging.New("error"))
	ctx := context.Background()

	r.Subscribe(ctx, "patient:42")
	r.Subscribe(ctx, "patient:42")
	r.Subscribe(ctx, "appointment:7")

	assert.Equal(t, []string{"appointment:7", "patient:42"}, r.Topics())
	assert.Len(t, sender.sent(), 2)
}

func TestUnsubscribeUnknownTopicIsNoop(t *testing.T) {
	sender := &recordingSender{}
	r := NewRegistry(sender, logging.New("error"))

	r.Unsubscribe(context.Background(), "patient:42")
	assert.Empty(t, sender.sent())
}

func TestSubscribeWhileDisconnectedDefers(t *testing.T) {
	sender := &recordingSender{err: realtime.ErrNotConnected}
	r := NewRegistry(sender, logging.New("error"))

	r.Subscribe(context.Background(), "vitals:42")
	// Topic is tracked even though the send failed.
	assert.Equal(t, []string{"vitals:42"}, r.Topics())

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	r.Resend(context.Background())
	frames := sender.sent()
	assert.Len(t, frames, 1)
	assert.Equal(t, realtime.OpSubscribe, frames[0].Op)
	assert.Equal(t, "vitals:42", frames[0].Topic)
}

func TestResendCoversAllTopicsAfterSwap(t *testing.T) {
	sender := &recordingSender{}
	r := NewRegistry(sender, logging.New("error"))
	ctx := context.Background()

	r.Subscribe(ctx, "patient:1")
	r.Subscribe(ctx, "prescription:9")
	r.Unsubscribe(ctx, "patient:1")

	sender.mu.Lock()
	sender.frames = nil
	sender.mu.Unlock()

	r.Resend(ctx)
	frames := sender.sent()
	assert.Len(t, frames, 1)
	assert.Equal(t, "prescription:9", frames[0].Topic)
}
