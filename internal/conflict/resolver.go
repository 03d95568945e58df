package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightpath-health/portal-realtime/internal/observability/metrics"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

var (
	ErrUnknownConflict = errors.New("conflict: unknown or already resolved")
	ErrUnknownStrategy = errors.New("conflict: unknown strategy")
)

// Strategy selects which side wins when local and remote versions diverge.
type Strategy string

const (
	// StrategyLocal re-submits the local change over the remote version.
	StrategyLocal Strategy = "local"
	// StrategyRemote discards the local change and keeps the server's state.
	StrategyRemote Strategy = "remote"
	// StrategyMerge overlays local fields onto the remote version; local
	// values win where both sides changed the same field.
	StrategyMerge Strategy = "merge"
)

// Conflict is a detected divergence between a queued local change and the
// server's current version of the same entity. It stays open, blocking replay
// for its entity, until a user or policy resolves it.
type Conflict struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	ActionID   string          `json:"actionId"`
	Local      json.RawMessage `json:"local"`
	Remote     json.RawMessage `json:"remote"`
	DetectedAt time.Time       `json:"detectedAt"`
}

// Resolution is the terminal outcome of a conflict.
type Resolution struct {
	Conflict Conflict
	Strategy Strategy
	Data     json.RawMessage
	Version  string
}

// ResolvePoster submits a resolution to the sync endpoint and returns the
// server's new version token for the entity.
type ResolvePoster interface {
	PostResolution(ctx context.Context, conflictID string, strategy string, data json.RawMessage) (string, error)
}

// Manager tracks open conflicts and applies resolution strategies. The queue
// consults Blocked before replaying an entity; on resolution the superseded
// action is removed through the injected remover so the two packages stay
// decoupled.
type Manager struct {
	poster       ResolvePoster
	removeAction func(ctx context.Context, actionID string) error
	logger       *logging.Logger
	metrics      *metrics.OfflineMetrics
	nowFunc      func() time.Time

	mu   sync.Mutex
	open map[string]Conflict
}

func NewManager(poster ResolvePoster, removeAction func(ctx context.Context, actionID string) error, logger *logging.Logger, m *metrics.OfflineMetrics) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		poster:       poster,
		removeAction: removeAction,
		logger:       logger,
		metrics:      m,
		nowFunc:      time.Now,
		open:         make(map[string]Conflict),
	}
}

// Record registers a newly detected conflict and returns it with its id.
func (mg *Manager) Record(entityType, entityID, actionID string, local, remote json.RawMessage) Conflict {
	c := Conflict{
		ID:         uuid.New().String(),
		EntityType: entityType,
		EntityID:   entityID,
		ActionID:   actionID,
		Local:      local,
		Remote:     remote,
		DetectedAt: mg.nowFunc().UTC(),
	}
	mg.mu.Lock()
	mg.open[c.ID] = c
	mg.mu.Unlock()

	mg.logger.Warn("conflict detected", "conflict_id", c.ID, "entity", entityType+":"+entityID, "action_id", actionID)
	return c
}

// Blocked reports whether an entity has at least one open conflict.
func (mg *Manager) Blocked(entityID string) bool {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	for _, c := range mg.open {
		if c.EntityID == entityID {
			return true
		}
	}
	return false
}

// List returns open conflicts, oldest first.
func (mg *Manager) List() []Conflict {
	mg.mu.Lock()
	out := make([]Conflict, 0, len(mg.open))
	for _, c := range mg.open {
		out = append(out, c)
	}
	mg.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// Get returns an open conflict by id.
func (mg *Manager) Get(id string) (Conflict, bool) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	c, ok := mg.open[id]
	return c, ok
}

// Resolve applies a strategy to an open conflict: the winning data is posted
// to the server, the superseded queued action is removed, and the conflict is
// closed. Resolution is terminal; a second Resolve for the same id fails with
// ErrUnknownConflict. If the server rejects the resolution the conflict stays
// open so it can be retried.
func (mg *Manager) Resolve(ctx context.Context, id string, strategy Strategy) (Resolution, error) {
	mg.mu.Lock()
	c, ok := mg.open[id]
	mg.mu.Unlock()
	if !ok {
		return Resolution{}, ErrUnknownConflict
	}

	var data json.RawMessage
	switch strategy {
	case StrategyLocal:
		data = c.Local
	case StrategyRemote:
		data = c.Remote
	case StrategyMerge:
		merged, err := shallowMerge(c.Local, c.Remote)
		if err != nil {
			return Resolution{}, fmt.Errorf("conflict: merge %s: %w", id, err)
		}
		data = merged
	default:
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	version, err := mg.poster.PostResolution(ctx, c.ID, string(strategy), data)
	if err != nil {
		return Resolution{}, fmt.Errorf("conflict: post resolution %s: %w", id, err)
	}

	if mg.removeAction != nil && c.ActionID != "" {
		if err := mg.removeAction(ctx, c.ActionID); err != nil {
			// The server already accepted the resolution; losing the local
			// action removal would re-send a superseded change, so surface it.
			return Resolution{}, fmt.Errorf("conflict: remove action %s: %w", c.ActionID, err)
		}
	}

	mg.mu.Lock()
	delete(mg.open, id)
	mg.mu.Unlock()

	mg.metrics.ObserveConflictResolved(string(strategy))
	mg.logger.Info("conflict resolved",
		"conflict_id", c.ID,
		"entity", c.EntityType+":"+c.EntityID,
		"strategy", string(strategy),
		"version", version,
	)
	return Resolution{Conflict: c, Strategy: strategy, Data: data, Version: version}, nil
}

// shallowMerge overlays local's top-level fields onto remote. Fields only one
// side has are kept; where both sides set a field, local wins.
func shallowMerge(local, remote json.RawMessage) (json.RawMessage, error) {
	var localMap, remoteMap map[string]any
	if err := json.Unmarshal(local, &localMap); err != nil {
		return nil, fmt.Errorf("local side is not an object: %w", err)
	}
	if err := json.Unmarshal(remote, &remoteMap); err != nil {
		return nil, fmt.Errorf("remote side is not an object: %w", err)
	}
	merged := make(map[string]any, len(remoteMap)+len(localMap))
	for k, v := range remoteMap {
		merged[k] = v
	}
	for k, v := range localMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}
