package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brightpath-health/portal-realtime/internal/observability/metrics"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

// ErrNotConnected is returned by Send when no transport is live.
var ErrNotConnected = errors.New("realtime: not connected")

// ManagerConfig wires the connection manager. Factories build a fresh channel
// per attempt; a nil factory removes that transport from the fallback chain.
type ManagerConfig struct {
	WebSocket        ChannelFactory
	SSE              ChannelFactory
	Polling          ChannelFactory
	WebSocketTimeout time.Duration
	SSETimeout       time.Duration
	Clock            Clock
	Logger           *logging.Logger
	Metrics          *metrics.RealtimeMetrics
}

type transportSlot struct {
	kind    Kind
	factory ChannelFactory
	timeout time.Duration
}

// Manager owns exactly one live transport, chosen by the deterministic
// fallback order WebSocket -> SSE -> Polling, and recovers automatically when
// the network returns. Transport errors drive fallback transitions; they are
// never surfaced to callers.
type Manager struct {
	slots   []transportSlot
	clock   Clock
	logger  *logging.Logger
	metrics *metrics.RealtimeMetrics

	mu           sync.Mutex
	started      bool
	online       bool
	state        State
	kind         Kind
	active       Channel
	gen          int
	cancel       context.CancelFunc
	chainDone    chan struct{}
	listeners    map[int]func(State, Kind)
	nextListener int

	messages chan Message
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.WebSocketTimeout <= 0 {
		cfg.WebSocketTimeout = 3 * time.Second
	}
	if cfg.SSETimeout <= 0 {
		cfg.SSETimeout = 5 * time.Second
	}

	m := &Manager{
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		online:    true,
		state:     StateDisconnected,
		kind:      KindNone,
		listeners: make(map[int]func(State, Kind)),
		messages:  make(chan Message, 64),
	}
	if cfg.WebSocket != nil {
		m.slots = append(m.slots, transportSlot{KindWebSocket, cfg.WebSocket, cfg.WebSocketTimeout})
	}
	if cfg.SSE != nil {
		m.slots = append(m.slots, transportSlot{KindSSE, cfg.SSE, cfg.SSETimeout})
	}
	if cfg.Polling != nil {
		m.slots = append(m.slots, transportSlot{KindPolling, cfg.Polling, 0})
	}
	return m
}

// Start begins the fallback chain. Idempotent: calling it while already
// connecting or connected is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	if m.online && m.state == StateDisconnected && len(m.slots) > 0 {
		m.beginLocked(0)
	}
	m.mu.Unlock()
}

// Stop tears down the active channel and cancels all pending fallback timers.
// The manager is guaranteed to be Disconnected afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.teardownLocked()
	m.mu.Unlock()
	m.notify(StateDisconnected, KindNone)
}

// SetOnline feeds the network's online/offline signal into the state machine.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if !online {
		m.teardownLocked()
		m.mu.Unlock()
		m.notify(StateDisconnected, KindNone)
		return
	}
	if m.started && m.state == StateDisconnected && len(m.slots) > 0 {
		m.beginLocked(0)
	}
	m.mu.Unlock()
}

// State returns the current connection state and active transport kind.
func (m *Manager) State() (State, Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.kind
}

// Online reports the last online/offline signal.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Messages is the fan-in of raw frames from whichever transport is active.
func (m *Manager) Messages() <-chan Message { return m.messages }

// Send writes a control frame over the active channel.
func (m *Manager) Send(ctx context.Context, frame ControlFrame) error {
	m.mu.Lock()
	ch := m.active
	state := m.state
	m.mu.Unlock()
	if state != StateConnected || ch == nil {
		return ErrNotConnected
	}
	return ch.Send(ctx, frame)
}

// OnStateChange registers a callback invoked on every transition. The
// returned function unregisters it.
func (m *Manager) OnStateChange(fn func(State, Kind)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// beginLocked cancels any in-flight chain and starts a new one at slot index
// from. Chains are strictly serialized: the generation counter invalidates
// stale attempts, and the new chain waits for its predecessor to finish
// tearing down before opening anything, so two channels are never open
// concurrently.
func (m *Manager) beginLocked(from int) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.active != nil {
		_ = m.active.Close()
		m.active = nil
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	prev := m.chainDone
	done := make(chan struct{})
	m.chainDone = done
	m.state = StateConnecting
	m.kind = m.slots[from].kind
	m.metrics.SetConnectionState(1)
	go m.runChain(ctx, gen, from, prev, done)
}

func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.active != nil {
		_ = m.active.Close()
		m.active = nil
	}
	m.gen++
	m.state = StateDisconnected
	m.kind = KindNone
	m.metrics.SetConnectionState(0)
}

func (m *Manager) runChain(ctx context.Context, gen int, from int, prev, done chan struct{}) {
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	for i := from; i < len(m.slots); i++ {
		slot := m.slots[i]
		if !m.setConnecting(gen, slot.kind) {
			return
		}

		ch := slot.factory()
		openErr := make(chan error, 1)
		go func() { openErr <- ch.Open(ctx) }()

		var timer Timer
		var timerC <-chan time.Time
		if slot.timeout > 0 {
			timer = m.clock.NewTimer(slot.timeout)
			timerC = timer.C()
		}

		select {
		case err := <-openErr:
			if timer != nil {
				timer.Stop()
			}
			if err != nil {
				_ = ch.Close()
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("transport failed to open", "transport", slot.kind, "error", err)
				continue
			}
			if !m.adopt(gen, ch, slot.kind) {
				_ = ch.Close()
				return
			}
			m.pump(ctx, gen, ch, i)
			return
		case <-timerC:
			_ = ch.Close()
			m.logger.Warn("transport handshake timed out", "transport", slot.kind, "timeout", slot.timeout)
			continue
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			_ = ch.Close()
			return
		}
	}

	// Chain exhausted. Only reachable when polling is absent from the chain.
	m.mu.Lock()
	if gen == m.gen {
		m.state = StateDisconnected
		m.kind = KindNone
		m.cancel = nil
		m.metrics.SetConnectionState(0)
	}
	m.mu.Unlock()
	m.notify(StateDisconnected, KindNone)
}

func (m *Manager) setConnecting(gen int, kind Kind) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.state = StateConnecting
	m.kind = kind
	m.metrics.SetConnectionState(1)
	m.mu.Unlock()
	m.notify(StateConnecting, kind)
	return true
}

func (m *Manager) adopt(gen int, ch Channel, kind Kind) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.active = ch
	m.state = StateConnected
	m.kind = kind
	m.metrics.SetConnectionState(2)
	m.metrics.ObserveTransportSwitch(string(kind))
	m.mu.Unlock()
	m.logger.Info("transport connected", "transport", kind)
	m.notify(StateConnected, kind)
	return true
}

// pump forwards frames from the adopted channel until its stream dies, then
// falls back to the next transport in the chain.
func (m *Manager) pump(ctx context.Context, gen int, ch Channel, idx int) {
	for {
		select {
		case raw, ok := <-ch.Frames():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("transport stream ended", "transport", ch.Kind(), "error", ch.Err())
				m.fallback(gen, idx)
				return
			}
			select {
			case m.messages <- Message{Raw: raw, Origin: ch.Kind()}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) fallback(gen int, idx int) {
	m.mu.Lock()
	if gen != m.gen || !m.started || !m.online {
		m.mu.Unlock()
		return
	}
	next := idx + 1
	if next >= len(m.slots) {
		// Polling is terminal and retries internally; a dead terminal slot
		// is simply restarted.
		next = len(m.slots) - 1
	}
	m.beginLocked(next)
	m.mu.Unlock()
}

func (m *Manager) notify(state State, kind Kind) {
	m.mu.Lock()
	fns := make([]func(State, Kind), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(state, kind)
	}
}
