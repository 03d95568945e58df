package sync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath-health/portal-realtime/internal/auth"
	"github.com/brightpath-health/portal-realtime/internal/conflict"
	"github.com/brightpath-health/portal-realtime/internal/dispatch"
	"github.com/brightpath-health/portal-realtime/internal/queue"
	"github.com/brightpath-health/portal-realtime/internal/realtime"
	"github.com/brightpath-health/portal-realtime/internal/subscription"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

// stubChannel is an in-memory transport that connects instantly.
type stubChannel struct {
	mu     stdsync.Mutex
	frames chan []byte
	sent   []realtime.ControlFrame
	closed bool
}

func newStubChannel() *stubChannel {
	return &stubChannel{frames: make(chan []byte, 16)}
}

func (c *stubChannel) Kind() realtime.Kind            { return realtime.KindWebSocket }
func (c *stubChannel) Open(ctx context.Context) error { return nil }
func (c *stubChannel) Frames() <-chan []byte          { return c.frames }
func (c *stubChannel) Err() error                     { return nil }

func (c *stubChannel) Send(_ context.Context, frame realtime.ControlFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
	return nil
}

func (c *stubChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

func (c *stubChannel) sentFrames() []realtime.ControlFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.ControlFrame(nil), c.sent...)
}

func (c *stubChannel) push(t *testing.T, env realtime.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	c.frames <- raw
}

type testHarness struct {
	svc      *Service
	channel  *stubChannel
	requests *requestLog
}

type requestLog struct {
	mu      stdsync.Mutex
	actions []actionRequest
}

func (rl *requestLog) record(a actionRequest) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.actions = append(rl.actions, a)
}

func (rl *requestLog) count() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.actions)
}

// newHarness builds a full service against an httptest sync endpoint and a
// stub transport. handler may be nil for an always-accepting endpoint.
func newHarness(t *testing.T, handler http.HandlerFunc) *testHarness {
	t.Helper()
	logger := logging.NewWithWriter("error", io.Discard)
	requests := &requestLog{}

	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			var a actionRequest
			json.NewDecoder(r.Body).Decode(&a)
			requests.record(a)
			json.NewEncoder(w).Encode(map[string]string{"version": "v2"})
		}
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{BaseURL: srv.URL, Tokens: auth.StaticToken("tok"), Logger: logger})
	require.NoError(t, err)

	q := queue.New(queue.NewMemoryAdapter(), client, logger, nil)
	conflicts := conflict.NewManager(client, q.Remove, logger, nil)
	dispatcher := dispatch.NewDispatcher(logger, nil)

	channel := newStubChannel()
	manager := realtime.NewManager(realtime.ManagerConfig{
		WebSocket: func() realtime.Channel { return channel },
		Logger:    logger,
	})
	registry := subscription.NewRegistry(manager, logger)

	svc := NewService(ServiceConfig{
		Manager:    manager,
		Registry:   registry,
		Dispatcher: dispatcher,
		Queue:      q,
		Conflicts:  conflicts,
		Logger:     logger,
	})
	t.Cleanup(svc.Stop)
	return &testHarness{svc: svc, channel: channel, requests: requests}
}

func waitConnected(t *testing.T, svc *Service) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, _ := svc.State()
		return state == realtime.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOfflineSubmitThenReconnectReplays(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.svc.SetOnline(false)
	h.svc.Start()
	state, kind := h.svc.State()
	assert.Equal(t, realtime.StateDisconnected, state)
	assert.Equal(t, realtime.KindNone, kind)

	queued, err := h.svc.SubmitAction(ctx, queue.Action{
		Type:            "update_vitals",
		EntityType:      "vitals",
		EntityID:        "patient-1",
		Payload:         json.RawMessage(`{"bp":120}`),
		ExpectedVersion: "v1",
	})
	require.NoError(t, err)
	assert.Zero(t, queued.Attempts)

	pending, err := h.svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, h.requests.count())

	// Network returns: connect, replay, and confirm without any caller action.
	h.svc.SetOnline(true)
	waitConnected(t, h.svc)

	require.Eventually(t, func() bool {
		p, err := h.svc.Pending(ctx)
		return err == nil && len(p) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.requests.count())
	dead, err := h.svc.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	// The confirmed action became the entity's freshest local state.
	ev, ok := h.svc.Latest("vitals", "patient-1")
	require.True(t, ok)
	assert.Equal(t, "v2", ev.Version)
	assert.False(t, h.svc.LastUpdate().IsZero())
}

func TestSubmitWhileConnectedPostsImmediately(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.svc.Start()
	waitConnected(t, h.svc)

	_, err := h.svc.SubmitAction(ctx, queue.Action{
		Type:       "confirm_appointment",
		EntityType: "appointment",
		EntityID:   "appt-1",
		Payload:    json.RawMessage(`{"status":"confirmed"}`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.requests.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	pending, err := h.svc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubscriptionsResentOnConnect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.svc.SetOnline(false)
	h.svc.Start()
	h.svc.Subscribe(ctx, "vitals:patient-1")
	h.svc.Subscribe(ctx, "appointments:clinic-7")
	assert.Equal(t, []string{"appointments:clinic-7", "vitals:patient-1"}, h.svc.Topics())

	h.svc.SetOnline(true)
	waitConnected(t, h.svc)

	require.Eventually(t, func() bool {
		return len(h.channel.sentFrames()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	topics := map[string]bool{}
	for _, f := range h.channel.sentFrames() {
		assert.Equal(t, realtime.OpSubscribe, f.Op)
		topics[f.Topic] = true
	}
	assert.True(t, topics["vitals:patient-1"])
	assert.True(t, topics["appointments:clinic-7"])
}

func TestIncomingFramesReachCallbacks(t *testing.T) {
	h := newHarness(t, nil)

	h.svc.Start()
	waitConnected(t, h.svc)

	events := make(chan dispatch.UpdateEvent, 1)
	unregister := h.svc.OnUpdate("appointment", func(ev dispatch.UpdateEvent) { events <- ev })
	defer unregister()

	h.channel.push(t, realtime.Envelope{
		Type:       "appointment:updated",
		EntityType: "appointment",
		EntityID:   "appt-9",
		Payload:    json.RawMessage(`{"status":"rescheduled"}`),
		Version:    "v4",
	})

	select {
	case ev := <-events:
		assert.Equal(t, "appt-9", ev.EntityID)
		assert.Equal(t, "v4", ev.Version)
		assert.Equal(t, realtime.KindWebSocket, ev.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}
}

func TestConflictBlocksEntityUntilResolved(t *testing.T) {
	requests := &requestLog{}
	var mu stdsync.Mutex
	conflictOnce := true
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/conflicts/resolve" {
			json.NewEncoder(w).Encode(map[string]string{"version": "v9"})
			return
		}
		var a actionRequest
		json.NewDecoder(r.Body).Decode(&a)
		requests.record(a)
		mu.Lock()
		first := conflictOnce
		conflictOnce = false
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"local":{"bp":120},"remote":{"bp":135}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"version": "v10"})
	}

	h := newHarness(t, handler)
	h.requests = requests
	ctx := context.Background()

	h.svc.SetOnline(false)
	h.svc.Start()

	_, err := h.svc.SubmitAction(ctx, queue.Action{
		Type: "update_vitals", EntityType: "vitals", EntityID: "patient-1",
		Payload: json.RawMessage(`{"bp":120}`), ExpectedVersion: "v1",
	})
	require.NoError(t, err)

	h.svc.SetOnline(true)
	waitConnected(t, h.svc)

	require.Eventually(t, func() bool { return len(h.svc.Conflicts()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// The conflicted action stays queued; replay will not retry it while the
	// conflict is open.
	pending, err := h.svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = h.svc.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.requests.count())

	c := h.svc.Conflicts()[0]
	res, err := h.svc.Resolve(ctx, c.ID, conflict.StrategyRemote)
	require.NoError(t, err)
	assert.Equal(t, "v9", res.Version)

	// Resolution removed the superseded action and applied the server state.
	require.Eventually(t, func() bool {
		p, err := h.svc.Pending(ctx)
		return err == nil && len(p) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.svc.Conflicts())

	ev, ok := h.svc.Latest("vitals", "patient-1")
	require.True(t, ok)
	assert.Equal(t, "v9", ev.Version)
	assert.JSONEq(t, `{"bp":135}`, string(ev.Payload))
}

func TestStartStopIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.Start()
	h.svc.Start()
	waitConnected(t, h.svc)
	h.svc.Stop()
	h.svc.Stop()
	state, _ := h.svc.State()
	assert.Equal(t, realtime.StateDisconnected, state)
}
