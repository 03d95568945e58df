package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

type fakeResolvePoster struct {
	err       error
	lastID    string
	lastStrat string
	lastData  json.RawMessage
}

func (f *fakeResolvePoster) PostResolution(_ context.Context, conflictID, strategy string, data json.RawMessage) (string, error) {
	f.lastID, f.lastStrat, f.lastData = conflictID, strategy, data
	if f.err != nil {
		return "", f.err
	}
	return "v-resolved", nil
}

type removedSet struct {
	ids []string
	err error
}

func (r *removedSet) remove(_ context.Context, actionID string) error {
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, actionID)
	return nil
}

func newTestManager(poster ResolvePoster, removed *removedSet) *Manager {
	return NewManager(poster, removed.remove, logging.NewWithWriter("error", io.Discard), nil)
}

func TestRecordAndBlocked(t *testing.T) {
	mg := newTestManager(&fakeResolvePoster{}, &removedSet{})

	c := mg.Record("vitals", "patient-1", "action-1",
		json.RawMessage(`{"bp":120}`), json.RawMessage(`{"bp":130}`))

	assert.NotEmpty(t, c.ID)
	assert.False(t, c.DetectedAt.IsZero())
	assert.True(t, mg.Blocked("patient-1"))
	assert.False(t, mg.Blocked("patient-2"))

	got, ok := mg.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, c, got)
	require.Len(t, mg.List(), 1)
}

func TestResolveLocal(t *testing.T) {
	poster := &fakeResolvePoster{}
	removed := &removedSet{}
	mg := newTestManager(poster, removed)

	c := mg.Record("vitals", "patient-1", "action-1",
		json.RawMessage(`{"bp":120}`), json.RawMessage(`{"bp":130}`))

	res, err := mg.Resolve(context.Background(), c.ID, StrategyLocal)
	require.NoError(t, err)
	assert.Equal(t, StrategyLocal, res.Strategy)
	assert.Equal(t, "v-resolved", res.Version)
	assert.JSONEq(t, `{"bp":120}`, string(res.Data))
	assert.JSONEq(t, `{"bp":120}`, string(poster.lastData))
	assert.Equal(t, []string{"action-1"}, removed.ids)

	// Terminal: the conflict is gone and no longer blocks the entity.
	assert.False(t, mg.Blocked("patient-1"))
	_, err = mg.Resolve(context.Background(), c.ID, StrategyLocal)
	assert.ErrorIs(t, err, ErrUnknownConflict)
}

func TestResolveRemote(t *testing.T) {
	poster := &fakeResolvePoster{}
	removed := &removedSet{}
	mg := newTestManager(poster, removed)

	c := mg.Record("vitals", "patient-1", "action-1",
		json.RawMessage(`{"bp":120}`), json.RawMessage(`{"bp":130}`))

	res, err := mg.Resolve(context.Background(), c.ID, StrategyRemote)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bp":130}`, string(res.Data))
	// The local change is discarded, never retried.
	assert.Equal(t, []string{"action-1"}, removed.ids)
}

func TestResolveMerge(t *testing.T) {
	poster := &fakeResolvePoster{}
	mg := newTestManager(poster, &removedSet{})

	c := mg.Record("vitals", "patient-1", "action-1",
		json.RawMessage(`{"y":9,"z":3}`), json.RawMessage(`{"x":1,"y":2}`))

	res, err := mg.Resolve(context.Background(), c.ID, StrategyMerge)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1,"y":9,"z":3}`, string(res.Data))
}

func TestResolveMergeRejectsNonObjects(t *testing.T) {
	mg := newTestManager(&fakeResolvePoster{}, &removedSet{})
	c := mg.Record("vitals", "patient-1", "action-1",
		json.RawMessage(`[1,2]`), json.RawMessage(`{"y":9}`))

	_, err := mg.Resolve(context.Background(), c.ID, StrategyMerge)
	assert.Error(t, err)
	// Still open for another attempt with a different strategy.
	assert.True(t, mg.Blocked("patient-1"))
}

func TestResolveUnknownStrategy(t *testing.T) {
	mg := newTestManager(&fakeResolvePoster{}, &removedSet{})
	c := mg.Record("vitals", "patient-1", "action-1",
		json.RawMessage(`{}`), json.RawMessage(`{}`))

	_, err := mg.Resolve(context.Background(), c.ID, Strategy("coin-flip"))
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	assert.True(t, mg.Blocked("patient-1"))
}

func TestResolveKeepsConflictWhenServerRejects(t *testing.T) {
	poster := &fakeResolvePoster{err: errors.New("503")}
	mg := newTestManager(poster, &removedSet{})
	c := mg.Record("vitals", "patient-1", "action-1",
		json.RawMessage(`{"bp":120}`), json.RawMessage(`{"bp":130}`))

	_, err := mg.Resolve(context.Background(), c.ID, StrategyLocal)
	assert.Error(t, err)
	assert.True(t, mg.Blocked("patient-1"))

	// Retry after the server recovers.
	poster.err = nil
	_, err = mg.Resolve(context.Background(), c.ID, StrategyLocal)
	assert.NoError(t, err)
	assert.False(t, mg.Blocked("patient-1"))
}

func TestListOrderedByDetection(t *testing.T) {
	mg := newTestManager(&fakeResolvePoster{}, &removedSet{})
	a := mg.Record("vitals", "patient-1", "a", json.RawMessage(`{}`), json.RawMessage(`{}`))
	b := mg.Record("vitals", "patient-2", "b", json.RawMessage(`{}`), json.RawMessage(`{}`))

	list := mg.List()
	require.Len(t, list, 2)
	assert.Equal(t, []string{a.ID, b.ID}, []string{list[0].ID, list[1].ID})
}
