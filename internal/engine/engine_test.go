package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/evaluator"
	"github.com/xjog/xjog/internal/evaluator/reference"
	"github.com/xjog/xjog/internal/executor"
	"github.com/xjog/xjog/internal/patch"
	"github.com/xjog/xjog/internal/startup"
	"github.com/xjog/xjog/internal/store"
	"github.com/xjog/xjog/internal/store/sqlite"
	"github.com/xjog/xjog/pkg/serialization"
)

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

func newTestEngine(t *testing.T) (*Engine, store.PersistenceStore) {
	t.Helper()
	st, err := sqlite.Open(":memory:", patch.New())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := New(Options{
		SelfID:     "inst-a",
		Store:      st,
		Journal:    st,
		Serializer: serialization.DefaultSerializer(),
		Log:        zerolog.Nop(),
		Startup: startup.Options{
			AdoptionFrequency:        5 * time.Millisecond,
			OwnChartPollingFrequency: 5 * time.Millisecond,
		},
	})
	require.NoError(t, e.RegisterMachine("door", newDoorMachine(t), MachineOptions{
		Services: map[string]executor.ServiceCreator{},
	}))
	return e, st
}

func TestRegisterMachineRefusedAfterStart(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	err := e.RegisterMachine("other", newDoorMachine(t), MachineOptions{})
	require.ErrorIs(t, err, domain.ErrRegistrationClosed)
}

func TestCreateSendAndReadBackChart(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	assert.Equal(t, startup.PhaseReady, e.Phase())

	ref := chartref.New("door", "chart-1")
	_, err := e.CreateChart(ctx, "door", "chart-1", nil)
	require.NoError(t, err)

	next, err := e.Send(ctx, ref, evaluator.Event{Type: "open"}, nil)
	require.NoError(t, err)
	var value string
	require.NoError(t, json.Unmarshal(next.Value, &value))
	assert.Equal(t, "open", value)

	state, err := e.GetChart(ctx, ref)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(state.Value, &value))
	assert.Equal(t, "open", value)

	chart, err := st.ReadChart(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "inst-a", chart.OwnerID)
}

func TestUpdateHookUninstallStopsFiring(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	var calls int
	uninstall := e.InstallUpdateHook(func(ctx context.Context, change domain.StateChange) error {
		calls++
		return nil
	})

	ref := chartref.New("door", "chart-1")
	_, err := e.CreateChart(ctx, "door", "chart-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "create should have run the hook once")

	uninstall()

	_, err = e.Send(ctx, ref, evaluator.Event{Type: "open"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "hook should not fire again after uninstall")
}

func TestChangesStreamDeliversStateChanges(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	changes, unsubscribe := e.Changes()
	defer unsubscribe()

	_, err := e.CreateChart(ctx, "door", "chart-1", nil)
	require.NoError(t, err)

	select {
	case change := <-changes:
		assert.Equal(t, domain.ChangeCreate, change.Type)
	case <-time.After(time.Second):
		t.Fatal("no StateChange delivered for chart creation")
	}
}

func TestShutdownReachesHalted(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	require.NoError(t, e.Shutdown(ctx))
	assert.Equal(t, startup.PhaseHalted, e.Phase())
}

func TestExternalIDRegisterLookupDrop(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	ref := chartref.New("door", "chart-1")
	_, err := e.CreateChart(ctx, "door", "chart-1", nil)
	require.NoError(t, err)

	require.NoError(t, e.RegisterExternalID(ctx, "orderNo", "42", ref))

	state, err := e.GetChartByExternalID(ctx, "orderNo", "42")
	require.NoError(t, err)
	var value string
	require.NoError(t, json.Unmarshal(state.Value, &value))
	assert.Equal(t, "closed", value)

	require.NoError(t, e.DropExternalID(ctx, "orderNo", "42"))

	_, err = e.GetChartByExternalID(ctx, "orderNo", "42")
	require.Error(t, err)
}
