package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/patch"
	"github.com/xjog/xjog/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", patch.New())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChartCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")

	require.NoError(t, s.InsertChart(ctx, domain.Chart{Ref: ref, OwnerID: "inst-a", State: []byte(`{"v":"closed"}`)}))

	err := s.InsertChart(ctx, domain.Chart{Ref: ref, OwnerID: "inst-a", State: []byte(`{}`)})
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := s.ReadChart(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "inst-a", got.OwnerID)
	assert.False(t, got.Paused)

	require.NoError(t, s.UpdateChartState(ctx, ref, []byte(`{"v":"open"}`)))
	got, err = s.ReadChart(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":"open"}`), got.State)

	require.NoError(t, s.DeleteChart(ctx, ref))
	_, err = s.ReadChart(ctx, ref)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOverthrowAndAdoption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")

	require.NoError(t, s.OverthrowOtherInstances(ctx, "inst-a"))
	require.NoError(t, s.InsertChart(ctx, domain.Chart{Ref: ref, OwnerID: "inst-a", State: []byte(`{}`)}))

	require.NoError(t, s.OverthrowOtherInstances(ctx, "inst-b"))

	n, err := s.CountAliveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n) // only inst-b is alive; inst-a still has a row but is dying

	paused, err := s.CountPausedCharts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, paused)

	adopted, err := s.GentlyAdoptCharts(ctx, "inst-b")
	require.NoError(t, err)
	assert.Equal(t, []chartref.Ref{ref}, adopted)

	got, err := s.ReadChart(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "inst-b", got.OwnerID)
	assert.False(t, got.Paused)
}

func TestListInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.OverthrowOtherInstances(ctx, "inst-a"))
	require.NoError(t, s.OverthrowOtherInstances(ctx, "inst-b"))

	instances, err := s.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	byID := map[string]domain.Instance{}
	for _, inst := range instances {
		byID[inst.InstanceID] = inst
	}
	assert.True(t, byID["inst-a"].Dying)
	assert.False(t, byID["inst-b"].Dying)
}

func TestForciblyAdoptChartsWipesActivities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")

	require.NoError(t, s.InsertChart(ctx, domain.Chart{Ref: ref, OwnerID: "inst-a", Paused: true, State: []byte(`{}`)}))
	require.NoError(t, s.RegisterActivity(ctx, domain.OngoingActivity{Ref: ref, ActivityID: "act-1"}))

	adopted, err := s.GentlyAdoptCharts(ctx, "inst-b")
	require.NoError(t, err)
	assert.Empty(t, adopted, "chart with an ongoing activity must not be gently adopted")

	adopted, err = s.ForciblyAdoptCharts(ctx, "inst-b")
	require.NoError(t, err)
	assert.Equal(t, []chartref.Ref{ref}, adopted)

	registered, err := s.IsActivityRegistered(ctx, ref, "act-1")
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestDeferredEventBatchReservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")

	_, err := s.InsertDeferredEvent(ctx, domain.DeferredEvent{Ref: ref, EventID: "1", Event: []byte(`{"type":"tick"}`), Delay: 0})
	require.NoError(t, err)

	batch, err := s.ReadDeferredEventRowBatch(ctx, "inst-a", time.Now(), time.Second, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "inst-a", *batch[0].Lock)

	// A second reservation attempt should not re-claim the locked row.
	batch2, err := s.ReadDeferredEventRowBatch(ctx, "inst-b", time.Now(), time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, batch2)

	require.NoError(t, s.DeleteDeferredEvent(ctx, batch[0].ID))
	require.NoError(t, s.DeleteDeferredEvent(ctx, batch[0].ID)) // idempotent
}

func TestExternalIDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := chartref.New("orderMachine", "chartX")

	require.NoError(t, s.RegisterExternalID(ctx, domain.ExternalID{Key: "orderNo", Value: "42", Ref: ref}))

	got, err := s.GetChartByExternalIdentifier(ctx, "orderNo", "42")
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	require.NoError(t, s.DropExternalID(ctx, "orderNo", "42"))
	_, err = s.GetChartByExternalIdentifier(ctx, "orderNo", "42")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJournalRecordAndMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := chartref.New("walk", "chart-1")

	states := []string{"home", "park", "diner", "park", "home"}
	var lastID int64
	for i := 1; i < len(states); i++ {
		id, err := s.Record(ctx, "inst-a", ref, nil, []byte(`{"type":"go"}`),
			[]byte(`"`+states[i-1]+`"`), []byte(`{}`),
			[]byte(`"`+states[i]+`"`), []byte(`{}`))
		require.NoError(t, err)
		assert.Greater(t, id, lastID)
		lastID = id
	}

	entries, err := s.QueryEntries(ctx, store.EntryFilter{Ref: &ref})
	require.NoError(t, err)
	assert.Len(t, entries, len(states)-1)

	full, err := s.ReadFullState(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, `"home"`, string(full.State))

	merged, err := s.ReadMergedJournalEntry(ctx, ref, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, `"park"`, string(merged.State))
}

func TestRecordDigestsUpsertsAndFiresCallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := chartref.New("orderMachine", "chart-1")

	_, err := s.Record(ctx, "inst-a", ref, nil, []byte(`{"type":"create"}`), nil, nil, []byte(`"placed"`), []byte(`{}`))
	require.NoError(t, err)

	var fired chartref.Ref
	cancel, err := s.OnNewDigestEntry(ctx, func(r chartref.Ref) { fired = r })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.RecordDigests(ctx, ref, map[string]string{"orderId": "A-1", "region": "eu"}))
	assert.Equal(t, ref, fired)

	require.NoError(t, s.RecordDigests(ctx, ref, map[string]string{"orderId": "A-2"}))

	digests, err := s.QueryDigests(ctx, store.Eq(store.FieldDigest, "orderId", "A-2"))
	require.NoError(t, err)
	require.Len(t, digests, 1)
	assert.Equal(t, "orderId", digests[0].Key)
	assert.Equal(t, "A-2", digests[0].Value)
}

func TestQueryChartsFiltersByMachineAndState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orderRef := chartref.New("orderMachine", "chart-1")
	doorRef := chartref.New("door", "chart-1")

	_, err := s.Record(ctx, "inst-a", orderRef, nil, []byte(`{"type":"create"}`), nil, nil, []byte(`"placed"`), []byte(`{}`))
	require.NoError(t, err)
	_, err = s.Record(ctx, "inst-a", doorRef, nil, []byte(`{"type":"create"}`), nil, nil, []byte(`"closed"`), []byte(`{}`))
	require.NoError(t, err)

	refs, err := s.QueryCharts(ctx, store.Eq(store.FieldMachineID, "", "orderMachine"))
	require.NoError(t, err)
	assert.Equal(t, []chartref.Ref{orderRef}, refs)

	refs, err = s.QueryCharts(ctx, store.Matches(store.FieldState, "", `^"placed"$`))
	require.NoError(t, err)
	assert.Equal(t, []chartref.Ref{orderRef}, refs)

	refs, err = s.QueryCharts(ctx, store.Or(
		store.Eq(store.FieldMachineID, "", "orderMachine"),
		store.Eq(store.FieldMachineID, "", "door"),
	))
	require.NoError(t, err)
	assert.ElementsMatch(t, []chartref.Ref{orderRef, doorRef}, refs)
}
