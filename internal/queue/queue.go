package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/brightpath-health/portal-realtime/internal/observability/metrics"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

const (
	queueKey      = "offline:queue"
	deadLetterKey = "offline:deadletter"
)

var tracer = otel.Tracer("portal-realtime/queue")

// Action is one mutation captured while offline. Attempts is the only field
// mutated after creation, and only on failed replay.
type Action struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion string          `json:"expectedVersion"`
	QueuedAt        time.Time       `json:"queuedAt"`
	Attempts        int             `json:"attempts"`
}

// ConflictData carries both sides of a version-precondition failure.
type ConflictData struct {
	Local  json.RawMessage `json:"local"`
	Remote json.RawMessage `json:"remote"`
}

// PostResult is the outcome of submitting one action. A version-conflict
// response is not an error: Conflict is set instead.
type PostResult struct {
	Version  string
	Conflict *ConflictData
}

// Poster submits an action to the sync endpoint with its optimistic
// concurrency precondition.
type Poster interface {
	PostAction(ctx context.Context, a Action) (PostResult, error)
}

// ReplayHooks let the caller observe replay outcomes without the queue
// depending on the conflict or dispatch packages.
type ReplayHooks struct {
	// Blocked reports whether an entity has an unresolved conflict and must
	// not replay yet.
	Blocked func(entityID string) bool
	// OnConflict is invoked when the server rejects an action's version
	// precondition. The action stays queued until the conflict is resolved.
	OnConflict func(a Action, local, remote json.RawMessage)
	// OnSuccess is invoked after an action is confirmed and removed,
	// carrying the server's new version token.
	OnSuccess func(a Action, version string)
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Replayed     int
	Failed       int
	Conflicts    int
	DeadLettered int
	Skipped      int
}

// Stats is a snapshot for the admin dashboard.
type Stats struct {
	Pending    int `json:"pending"`
	DeadLetter int `json:"dead_letter"`
}

// Queue is the durable, ordered offline action buffer. Replay is strictly
// sequential; actions for an entity whose earlier action failed or conflicted
// in this pass are skipped to preserve per-entity order.
type Queue struct {
	adapter     Adapter
	poster      Poster
	logger      *logging.Logger
	metrics     *metrics.OfflineMetrics
	maxAttempts int
	nowFunc     func() time.Time

	replayMu sync.Mutex
}

func New(adapter Adapter, poster Poster, logger *logging.Logger, m *metrics.OfflineMetrics) *Queue {
	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{
		adapter:     adapter,
		poster:      poster,
		logger:      logger,
		metrics:     m,
		maxAttempts: 5,
		nowFunc:     time.Now,
	}
}

func (q *Queue) WithMaxAttempts(n int) *Queue {
	if n > 0 {
		q.maxAttempts = n
	}
	return q
}

// Enqueue assigns an id, appends the action to the persisted queue, and
// returns immediately. A persistence failure is the one error class that must
// reach the caller: an action that was not durably stored is not accepted.
func (q *Queue) Enqueue(ctx context.Context, a Action) (Action, error) {
	if a.EntityID == "" || a.EntityType == "" {
		return Action{}, fmt.Errorf("queue: action requires entity identity")
	}
	a.ID = uuid.New().String()
	a.QueuedAt = q.nowFunc().UTC()
	a.Attempts = 0

	err := q.adapter.Update(ctx, queueKey, func(current []byte) ([]byte, error) {
		actions, err := decodeActions(current)
		if err != nil {
			return nil, err
		}
		return encodeActions(append(actions, a))
	})
	if err != nil {
		return Action{}, fmt.Errorf("queue: enqueue %s: %w", a.ID, err)
	}

	q.logger.Info("action queued for replay", "action_id", a.ID, "type", a.Type, "entity", a.EntityType+":"+a.EntityID)
	q.refreshDepth(ctx)
	return a, nil
}

// Pending returns the queued actions in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]Action, error) {
	return q.load(ctx, queueKey)
}

// DeadLetters returns actions that exhausted their replay attempts.
func (q *Queue) DeadLetters(ctx context.Context) ([]Action, error) {
	return q.load(ctx, deadLetterKey)
}

// Remove deletes an action from the active queue, e.g. when a conflict
// resolution discards or supersedes it.
func (q *Queue) Remove(ctx context.Context, actionID string) error {
	err := q.adapter.Update(ctx, queueKey, func(current []byte) ([]byte, error) {
		actions, err := decodeActions(current)
		if err != nil {
			return nil, err
		}
		kept := actions[:0]
		for _, a := range actions {
			if a.ID != actionID {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			return nil, nil
		}
		return encodeActions(kept)
	})
	if err != nil {
		return fmt.Errorf("queue: remove %s: %w", actionID, err)
	}
	q.refreshDepth(ctx)
	return nil
}

// Requeue moves a dead-lettered action back to the active queue with its
// attempt count reset. Operator-triggered; dead letters are never retried
// automatically.
func (q *Queue) Requeue(ctx context.Context, actionID string) error {
	var revived *Action
	err := q.adapter.Update(ctx, deadLetterKey, func(current []byte) ([]byte, error) {
		actions, err := decodeActions(current)
		if err != nil {
			return nil, err
		}
		kept := actions[:0]
		for i := range actions {
			if actions[i].ID == actionID {
				a := actions[i]
				a.Attempts = 0
				revived = &a
				continue
			}
			kept = append(kept, actions[i])
		}
		if revived == nil {
			return nil, fmt.Errorf("queue: dead letter %s not found", actionID)
		}
		if len(kept) == 0 {
			return nil, nil
		}
		return encodeActions(kept)
	})
	if err != nil {
		return err
	}

	err = q.adapter.Update(ctx, queueKey, func(current []byte) ([]byte, error) {
		actions, derr := decodeActions(current)
		if derr != nil {
			return nil, derr
		}
		return encodeActions(append(actions, *revived))
	})
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", actionID, err)
	}
	q.refreshDepth(ctx)
	return nil
}

// Stats reports queue and dead-letter depth.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pending, err := q.load(ctx, queueKey)
	if err != nil {
		return Stats{}, err
	}
	dead, err := q.load(ctx, deadLetterKey)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: len(pending), DeadLetter: len(dead)}, nil
}

// Replay submits queued actions in order. One attempt per action per pass; an
// action that fails stays queued with its attempt count bumped, and later
// actions for the same entity are skipped this pass so order holds. Actions
// hitting the attempt cap move to the dead-letter list exactly once, and
// replay continues. A version conflict hands the action to OnConflict and
// blocks that entity until the conflict is resolved.
//
// Replay is resumable: each success is removed from the persisted queue
// individually, so an interrupted pass leaves only not-yet-confirmed actions
// behind.
func (q *Queue) Replay(ctx context.Context, hooks ReplayHooks) (ReplayResult, error) {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	ctx, span := tracer.Start(ctx, "offline.replay", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := q.nowFunc()
	var result ReplayResult

	actions, err := q.load(ctx, queueKey)
	if err != nil {
		return result, fmt.Errorf("queue: load for replay: %w", err)
	}
	span.SetAttributes(attribute.Int("queue.pending", len(actions)))

	blocked := make(map[string]bool)
	for _, a := range actions {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if blocked[a.EntityID] || (hooks.Blocked != nil && hooks.Blocked(a.EntityID)) {
			result.Skipped++
			continue
		}

		res, err := q.poster.PostAction(ctx, a)
		if err != nil {
			if derr := q.recordFailure(ctx, a.ID, &result); derr != nil {
				return result, derr
			}
			blocked[a.EntityID] = true
			q.logger.Warn("replay attempt failed", "action_id", a.ID, "entity", a.EntityType+":"+a.EntityID, "error", err)
			continue
		}

		if res.Conflict != nil {
			result.Conflicts++
			q.metrics.ObserveReplay("conflict")
			blocked[a.EntityID] = true
			q.logger.Warn("replay hit version conflict", "action_id", a.ID, "entity", a.EntityType+":"+a.EntityID)
			if hooks.OnConflict != nil {
				hooks.OnConflict(a, res.Conflict.Local, res.Conflict.Remote)
			}
			continue
		}

		if err := q.Remove(ctx, a.ID); err != nil {
			return result, err
		}
		result.Replayed++
		q.metrics.ObserveReplay("success")
		if hooks.OnSuccess != nil {
			hooks.OnSuccess(a, res.Version)
		}
	}

	q.refreshDepth(ctx)
	q.metrics.ObserveReplayLatency(q.nowFunc().Sub(start).Seconds())
	q.logger.Info("replay pass complete",
		"replayed", result.Replayed,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"dead_lettered", result.DeadLettered,
		"skipped", result.Skipped,
	)
	return result, nil
}

// recordFailure bumps the action's attempt count; at the cap it moves the
// action to the dead-letter list. The dead-letter append is idempotent per
// action id, so an interruption between the two writes cannot duplicate it.
func (q *Queue) recordFailure(ctx context.Context, actionID string, result *ReplayResult) error {
	var exhausted *Action
	err := q.adapter.Update(ctx, queueKey, func(current []byte) ([]byte, error) {
		actions, err := decodeActions(current)
		if err != nil {
			return nil, err
		}
		for i := range actions {
			if actions[i].ID == actionID {
				actions[i].Attempts++
				if actions[i].Attempts >= q.maxAttempts {
					a := actions[i]
					exhausted = &a
				}
				break
			}
		}
		return encodeActions(actions)
	})
	if err != nil {
		return fmt.Errorf("queue: record failure for %s: %w", actionID, err)
	}
	if exhausted == nil {
		result.Failed++
		q.metrics.ObserveReplay("failure")
		return nil
	}

	err = q.adapter.Update(ctx, deadLetterKey, func(current []byte) ([]byte, error) {
		dead, derr := decodeActions(current)
		if derr != nil {
			return nil, derr
		}
		for _, d := range dead {
			if d.ID == exhausted.ID {
				return encodeActions(dead) // already recorded
			}
		}
		return encodeActions(append(dead, *exhausted))
	})
	if err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", actionID, err)
	}
	if err := q.Remove(ctx, exhausted.ID); err != nil {
		return err
	}
	result.DeadLettered++
	q.metrics.ObserveReplay("dead_letter")
	q.metrics.ObserveDeadLetter()
	q.logger.Error("action exhausted replay attempts, dead-lettered",
		"action_id", exhausted.ID,
		"entity", exhausted.EntityType+":"+exhausted.EntityID,
		"attempts", exhausted.Attempts,
	)
	return nil
}

func (q *Queue) load(ctx context.Context, key string) ([]Action, error) {
	raw, err := q.adapter.Get(ctx, key)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load %s: %w", key, err)
	}
	return decodeActions(raw)
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	pending, err := q.load(ctx, queueKey)
	if err != nil {
		return
	}
	q.metrics.SetQueueDepth(len(pending))
}

func decodeActions(raw []byte) ([]Action, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("queue: corrupt queue state: %w", err)
	}
	return actions, nil
}

func encodeActions(actions []Action) ([]byte, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	return json.Marshal(actions)
}
