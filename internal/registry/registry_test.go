package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xjog/xjog/internal/activity"
	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/evaluator"
	"github.com/xjog/xjog/internal/evaluator/reference"
	"github.com/xjog/xjog/internal/executor"
	"github.com/xjog/xjog/internal/patch"
	"github.com/xjog/xjog/internal/store"
	"github.com/xjog/xjog/internal/store/sqlite"
	"github.com/xjog/xjog/pkg/serialization"
)

type stubActivities struct{}

func (stubActivities) RegisterActivity(ctx context.Context, ref chartref.Ref, activityID string, act activity.Activity, autoForward bool) error {
	return nil
}
func (stubActivities) StopActivity(ctx context.Context, ref chartref.Ref, activityID string) error {
	return nil
}
func (stubActivities) StopAllForChart(ctx context.Context, ref chartref.Ref) error { return nil }
func (stubActivities) SendAutoForwardEvent(ctx context.Context, ref chartref.Ref, event evaluator.Event) {
}
func (stubActivities) IsRegistered(ref chartref.Ref, activityID string) bool { return false }

func newDoorMachine(t *testing.T) evaluator.Machine {
	t.Helper()
	m, err := reference.New(reference.Definition{
		MachineID: "door",
		Initial:   "closed",
		States: map[string]reference.StateDef{
			"closed": {On: map[string]reference.Transition{"open": {Target: "open"}}},
			"open":   {On: map[string]reference.Transition{"close": {Target: "closed"}}},
		},
	})
	require.NoError(t, err)
	return m
}

func newTestRegistry(t *testing.T, capacity int) (*Registry, store.PersistenceStore, evaluator.Machine) {
	t.Helper()
	st, err := sqlite.Open(":memory:", patch.New())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	machine := newDoorMachine(t)
	serializer := serialization.DefaultSerializer()
	reg := New(st, serializer, 0, zerolog.Nop())

	factory := func(ref chartref.Ref, parentRef *chartref.Ref, ownerID string, paused bool, state evaluator.State) *executor.Executor {
		return executor.New(executor.Options{
			Ref:        ref,
			ParentRef:  parentRef,
			OwnerID:    ownerID,
			Paused:     paused,
			Machine:    machine,
			Services:   map[string]executor.ServiceCreator{},
			Store:      st,
			Journal:    st,
			Deferrer:   noopDeferrer{},
			Activities: stubActivities{},
			Serializer: serializer,
			Log:        zerolog.Nop(),
		}, state)
	}
	reg.RegisterMachine("door", machine, factory, capacity)
	return reg, st, machine
}

type noopDeferrer struct{}

func (noopDeferrer) Defer(ctx context.Context, ref chartref.Ref, eventID string, eventTo *domain.EventTarget, event []byte, delay time.Duration) (domain.DeferredEvent, error) {
	return domain.DeferredEvent{}, nil
}
func (noopDeferrer) Cancel(ctx context.Context, eventID string) error { return nil }

func createChart(t *testing.T, ctx context.Context, st store.PersistenceStore, machine evaluator.Machine, serializer *serialization.Serializer, ref chartref.Ref) {
	t.Helper()
	state, err := machine.InitialState()
	require.NoError(t, err)
	encoded, err := serializer.Serialize(state)
	require.NoError(t, err)
	require.NoError(t, st.InsertChart(ctx, domain.Chart{Ref: ref, OwnerID: "inst-a", State: encoded}))
}

func TestGetChartCacheMissThenHit(t *testing.T) {
	reg, st, machine := newTestRegistry(t, DefaultCapacity)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")
	createChart(t, ctx, st, machine, serialization.DefaultSerializer(), ref)

	exec1, err := reg.GetChart(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, exec1)

	exec2, err := reg.GetChart(ctx, ref)
	require.NoError(t, err)
	assert.Same(t, exec1, exec2, "second GetChart should be a cache hit returning the same executor")
}

func TestGetChartUnknownMachineErrors(t *testing.T) {
	reg, _, _ := newTestRegistry(t, DefaultCapacity)
	ctx := context.Background()
	ref := chartref.New("nonexistent-machine", "chart-1")

	_, err := reg.GetChart(ctx, ref)
	require.ErrorIs(t, err, domain.ErrMachineNotFound)
}

func TestRegisterMachineBelowMinCapacityIsClamped(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 1)
	cache := reg.machines["door"]
	assert.Equal(t, MinCapacity, cache.capacity)
}

func TestGetChartEvictsOldestWhenOverCapacity(t *testing.T) {
	reg, st, machine := newTestRegistry(t, MinCapacity)
	ctx := context.Background()
	serializer := serialization.DefaultSerializer()

	var refs []chartref.Ref
	for i := 0; i < MinCapacity+2; i++ {
		ref := chartref.New("door", "chart-"+string(rune('a'+i)))
		createChart(t, ctx, st, machine, serializer, ref)
		refs = append(refs, ref)

		_, err := reg.GetChart(ctx, ref)
		require.NoError(t, err)
	}

	cache := reg.machines["door"]
	assert.LessOrEqual(t, len(cache.entries), MinCapacity)
	// the earliest-inserted refs should have been evicted first
	_, stillCached := cache.entries[refs[0]]
	assert.False(t, stillCached, "oldest entry should have been evicted")
}

func TestPutInsertsDirectlyIntoCache(t *testing.T) {
	reg, st, machine := newTestRegistry(t, DefaultCapacity)
	ctx := context.Background()
	serializer := serialization.DefaultSerializer()
	ref := chartref.New("door", "chart-put")
	createChart(t, ctx, st, machine, serializer, ref)

	state, err := machine.InitialState()
	require.NoError(t, err)
	exec := executor.New(executor.Options{
		Ref:        ref,
		OwnerID:    "inst-a",
		Machine:    machine,
		Services:   map[string]executor.ServiceCreator{},
		Store:      st,
		Journal:    st,
		Deferrer:   noopDeferrer{},
		Activities: stubActivities{},
		Serializer: serializer,
		Log:        zerolog.Nop(),
	}, state)

	require.NoError(t, reg.Put(ctx, ref, exec))

	got, err := reg.GetChart(ctx, ref)
	require.NoError(t, err)
	assert.Same(t, exec, got)
}

func TestRemoveDropsCachedEntry(t *testing.T) {
	reg, st, machine := newTestRegistry(t, DefaultCapacity)
	ctx := context.Background()
	ref := chartref.New("door", "chart-remove")
	createChart(t, ctx, st, machine, serialization.DefaultSerializer(), ref)

	_, err := reg.GetChart(ctx, ref)
	require.NoError(t, err)

	require.NoError(t, reg.Remove(ctx, ref))
	assert.NotContains(t, reg.machines["door"].entries, ref)
}
