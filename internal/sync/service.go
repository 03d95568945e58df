// Package sync composes the realtime transports, subscription registry,
// update dispatcher, offline queue, and conflict manager into the one facade
// portal views talk to.
package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/brightpath-health/portal-realtime/internal/conflict"
	"github.com/brightpath-health/portal-realtime/internal/dispatch"
	"github.com/brightpath-health/portal-realtime/internal/queue"
	"github.com/brightpath-health/portal-realtime/internal/realtime"
	"github.com/brightpath-health/portal-realtime/internal/subscription"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

// ServiceConfig wires a Service from its already-built parts.
type ServiceConfig struct {
	Manager    *realtime.Manager
	Registry   *subscription.Registry
	Dispatcher *dispatch.Dispatcher
	Queue      *queue.Queue
	Conflicts  *conflict.Manager
	Logger     *logging.Logger
}

// Service is the client-facing realtime sync facade. Views submit actions and
// register update callbacks here and never see which transport is carrying
// frames or whether the session is currently offline.
type Service struct {
	manager    *realtime.Manager
	registry   *subscription.Registry
	dispatcher *dispatch.Dispatcher
	queue      *queue.Queue
	conflicts  *conflict.Manager
	logger     *logging.Logger

	mu         stdsync.Mutex
	started    bool
	cancel     context.CancelFunc
	unregister func()
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		manager:    cfg.Manager,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		queue:      cfg.Queue,
		conflicts:  cfg.Conflicts,
		logger:     logger,
	}
}

// Start connects the pipeline: frames from the active transport flow into the
// dispatcher, and every reconnect re-subscribes active topics and kicks a
// replay of the offline queue. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.unregister = s.manager.OnStateChange(func(state realtime.State, kind realtime.Kind) {
		if state != realtime.StateConnected {
			return
		}
		// Runs off the connection goroutine: re-subscribing and replay both
		// do I/O and must not stall the fallback chain.
		go func() {
			s.registry.Resend(ctx)
			s.replay(ctx)
		}()
	})
	s.mu.Unlock()

	go s.pump(ctx)
	s.manager.Start()
}

// Stop tears the pipeline down. Queued actions stay persisted for the next
// session.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	unregister := s.unregister
	s.cancel = nil
	s.unregister = nil
	s.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	s.manager.Stop()
	if cancel != nil {
		cancel()
	}
}

func (s *Service) pump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-s.manager.Messages():
			if !ok {
				return
			}
			s.dispatcher.Dispatch(msg)
		case <-ctx.Done():
			return
		}
	}
}

// SubmitAction records a mutation. The action always goes through the durable
// queue so per-entity ordering holds even when older actions are still
// waiting; while connected, replay is kicked immediately so the action posts
// without a visible delay.
func (s *Service) SubmitAction(ctx context.Context, a queue.Action) (queue.Action, error) {
	queued, err := s.queue.Enqueue(ctx, a)
	if err != nil {
		return queue.Action{}, err
	}
	if state, _ := s.manager.State(); state == realtime.StateConnected {
		go s.replay(context.WithoutCancel(ctx))
	}
	return queued, nil
}

// ForceSync replays the offline queue now, regardless of connection state
// transitions. Used by the dashboard's manual sync button.
func (s *Service) ForceSync(ctx context.Context) (queue.ReplayResult, error) {
	return s.queue.Replay(ctx, s.replayHooks())
}

func (s *Service) replay(ctx context.Context) {
	if _, err := s.queue.Replay(ctx, s.replayHooks()); err != nil && ctx.Err() == nil {
		s.logger.Warn("queue replay aborted", "error", err)
	}
}

func (s *Service) replayHooks() queue.ReplayHooks {
	return queue.ReplayHooks{
		Blocked: s.conflicts.Blocked,
		OnConflict: func(a queue.Action, local, remote json.RawMessage) {
			s.conflicts.Record(a.EntityType, a.EntityID, a.ID, local, remote)
		},
		OnSuccess: func(a queue.Action, version string) {
			s.dispatcher.Apply(dispatch.UpdateEvent{
				Type:       a.Type,
				EntityType: a.EntityType,
				EntityID:   a.EntityID,
				Payload:    a.Payload,
				Version:    version,
			})
		},
	}
}

// Subscribe starts receiving updates for a topic, surviving transport swaps.
func (s *Service) Subscribe(ctx context.Context, topic string) {
	s.registry.Subscribe(ctx, topic)
}

// Unsubscribe stops updates for a topic.
func (s *Service) Unsubscribe(ctx context.Context, topic string) {
	s.registry.Unsubscribe(ctx, topic)
}

// Topics lists the active subscriptions.
func (s *Service) Topics() []string { return s.registry.Topics() }

// OnUpdate registers a callback for one entity type; the returned function
// unregisters it.
func (s *Service) OnUpdate(entityType string, cb dispatch.Callback) func() {
	return s.dispatcher.OnUpdate(entityType, cb)
}

// Updates returns the retained freshest events for one entity type.
func (s *Service) Updates(entityType string) map[string]dispatch.UpdateEvent {
	return s.dispatcher.Updates(entityType)
}

// Latest returns the retained event for one entity, if any.
func (s *Service) Latest(entityType, entityID string) (dispatch.UpdateEvent, bool) {
	return s.dispatcher.Latest(entityType, entityID)
}

// LastUpdate is the "last synced" timestamp for dashboard views.
func (s *Service) LastUpdate() time.Time { return s.dispatcher.LastUpdate() }

// Conflicts lists open conflicts awaiting a decision.
func (s *Service) Conflicts() []conflict.Conflict { return s.conflicts.List() }

// Resolve applies a strategy to an open conflict. The resolved state is
// applied locally as the entity's freshest version, and replay is kicked so
// actions that were blocked behind the conflict proceed.
func (s *Service) Resolve(ctx context.Context, conflictID string, strategy conflict.Strategy) (conflict.Resolution, error) {
	res, err := s.conflicts.Resolve(ctx, conflictID, strategy)
	if err != nil {
		return conflict.Resolution{}, err
	}
	s.dispatcher.Apply(dispatch.UpdateEvent{
		Type:       "conflict_resolved",
		EntityType: res.Conflict.EntityType,
		EntityID:   res.Conflict.EntityID,
		Payload:    res.Data,
		Version:    res.Version,
	})
	if state, _ := s.manager.State(); state == realtime.StateConnected {
		go s.replay(context.WithoutCancel(ctx))
	}
	return res, nil
}

// DeadLetters lists actions that exhausted their replay attempts.
func (s *Service) DeadLetters(ctx context.Context) ([]queue.Action, error) {
	return s.queue.DeadLetters(ctx)
}

// Requeue moves a dead-lettered action back into the replay queue.
func (s *Service) Requeue(ctx context.Context, actionID string) error {
	return s.queue.Requeue(ctx, actionID)
}

// Pending lists actions still waiting for replay.
func (s *Service) Pending(ctx context.Context) ([]queue.Action, error) {
	return s.queue.Pending(ctx)
}

// Stats reports queue and dead-letter depth.
func (s *Service) Stats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// State reports the connection state and active transport.
func (s *Service) State() (realtime.State, realtime.Kind) { return s.manager.State() }

// SetOnline feeds the platform's online/offline signal in. Going online
// restarts the fallback chain; the resulting Connected transition triggers
// re-subscription and replay.
func (s *Service) SetOnline(online bool) { s.manager.SetOnline(online) }
