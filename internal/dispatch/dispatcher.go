// Package dispatch normalizes raw transport frames into update events and
// fans them out to cache-invalidation callbacks.
package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/brightpath-health/portal-realtime/internal/observability/metrics"
	"github.com/brightpath-health/portal-realtime/internal/realtime"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

// UpdateEvent is one normalized server push. Immutable once constructed.
type UpdateEvent struct {
	Type       string
	EntityType string
	EntityID   string
	Payload    json.RawMessage
	Version    string
	ReceivedAt time.Time
	Origin     realtime.Kind
}

// Callback receives events for one entity type. Callbacks are owned by the
// caller and opaque to the dispatcher.
type Callback func(UpdateEvent)

// Dispatcher keeps the freshest event per (entityType, entityId) and notifies
// registered callbacks. Last-write-wins by receipt order: no history is kept,
// so network reordering across transports is tolerated but not corrected.
type Dispatcher struct {
	logger  *logging.Logger
	metrics *metrics.RealtimeMetrics
	nowFunc func() time.Time

	mu         sync.RWMutex
	updates    map[string]map[string]UpdateEvent
	callbacks  map[string]map[int]Callback
	nextCB     int
	lastUpdate time.Time
}

func NewDispatcher(logger *logging.Logger, m *metrics.RealtimeMetrics) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		logger:    logger,
		metrics:   m,
		nowFunc:   time.Now,
		updates:   make(map[string]map[string]UpdateEvent),
		callbacks: make(map[string]map[int]Callback),
	}
}

// Dispatch parses a raw frame and propagates it. A malformed frame is logged
// and dropped; it never tears down the connection.
func (d *Dispatcher) Dispatch(msg realtime.Message) {
	var env realtime.Envelope
	if err := json.Unmarshal(msg.Raw, &env); err != nil {
		d.metrics.ObserveParseFailure()
		d.logger.Warn("dropping malformed frame", "origin", msg.Origin, "error", err)
		return
	}

	now := d.nowFunc()

	if env.Type == realtime.TypeHeartbeat {
		d.touch(now)
		return
	}
	if env.EntityType == "" || env.EntityID == "" {
		d.metrics.ObserveParseFailure()
		d.logger.Warn("dropping frame without entity identity", "type", env.Type, "origin", msg.Origin)
		return
	}

	d.metrics.ObserveEvent(string(msg.Origin), env.EntityType)
	d.Apply(UpdateEvent{
		Type:       env.Type,
		EntityType: env.EntityType,
		EntityID:   env.EntityID,
		Payload:    env.Payload,
		Version:    env.Version,
		ReceivedAt: now,
		Origin:     msg.Origin,
	})
}

// Apply records an event constructed locally, e.g. the server's version
// adopted during conflict resolution. Same supersede rule as Dispatch.
func (d *Dispatcher) Apply(event UpdateEvent) {
	if event.EntityType == "" || event.EntityID == "" {
		return
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = d.nowFunc()
	}
	d.mu.Lock()
	byID, ok := d.updates[event.EntityType]
	if !ok {
		byID = make(map[string]UpdateEvent)
		d.updates[event.EntityType] = byID
	}
	byID[event.EntityID] = event
	if event.ReceivedAt.After(d.lastUpdate) {
		d.lastUpdate = event.ReceivedAt
	}
	cbs := make([]Callback, 0, len(d.callbacks[event.EntityType]))
	for _, cb := range d.callbacks[event.EntityType] {
		cbs = append(cbs, cb)
	}
	d.mu.Unlock()

	for _, cb := range cbs {
		cb(event)
	}
}

func (d *Dispatcher) touch(now time.Time) {
	d.mu.Lock()
	if now.After(d.lastUpdate) {
		d.lastUpdate = now
	}
	d.mu.Unlock()
}

// OnUpdate registers a callback for one entity type. The returned function
// unregisters it.
func (d *Dispatcher) OnUpdate(entityType string, cb Callback) func() {
	d.mu.Lock()
	id := d.nextCB
	d.nextCB++
	if d.callbacks[entityType] == nil {
		d.callbacks[entityType] = make(map[int]Callback)
	}
	d.callbacks[entityType][id] = cb
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.callbacks[entityType], id)
		d.mu.Unlock()
	}
}

// Updates returns a copy of the retained events for one entity type.
func (d *Dispatcher) Updates(entityType string) map[string]UpdateEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]UpdateEvent, len(d.updates[entityType]))
	for id, ev := range d.updates[entityType] {
		out[id] = ev
	}
	return out
}

// Latest returns the retained event for one entity, if any.
func (d *Dispatcher) Latest(entityType, entityID string) (UpdateEvent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ev, ok := d.updates[entityType][entityID]
	return ev, ok
}

// LastUpdate is the monotonically increasing "last synced" timestamp shown by
// dashboard views.
func (d *Dispatcher) LastUpdate() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastUpdate
}

// EventKey renders the map key used in logs for one entity.
func EventKey(entityType, entityID string) string {
	return fmt.Sprintf("%s:%s", entityType, entityID)
}
