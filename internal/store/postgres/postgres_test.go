package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/patch"
	"github.com/xjog/xjog/internal/store"
)

// These tests exercise a real PostgreSQL instance and are skipped unless
// XJOG_PG_DSN is set. They repeat a subset of the sqlite suite's cases, in
// the same shape.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("XJOG_PG_DSN")
	if dsn == "" {
		t.Skip("XJOG_PG_DSN not set, skipping postgres integration tests")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, patch.New())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// each test run starts from a clean slate
	for _, tbl := range []string{"digests", "full_journal_states", "journal_entries", "external_ids", "ongoing_activities", "deferred_events", "charts", "instances"} {
		_, err := s.pool.Exec(ctx, "DELETE FROM "+tbl)
		require.NoError(t, err)
	}
	return s
}

func TestPostgresChartCRUD(t *testing.T) {
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

	require.NoError(t, s.DestroyChart(ctx, ref))
	_, err = s.ReadChart(ctx, ref)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresOverthrowAndAdoption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")

	require.NoError(t, s.OverthrowOtherInstances(ctx, "inst-a"))
	require.NoError(t, s.InsertChart(ctx, domain.Chart{Ref: ref, OwnerID: "inst-a", State: []byte(`{}`)}))

	require.NoError(t, s.OverthrowOtherInstances(ctx, "inst-b"))

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

func TestPostgresDeferredEventBatchReservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")

	_, err := s.InsertDeferredEvent(ctx, domain.DeferredEvent{Ref: ref, EventID: "1", Event: []byte(`{"type":"tick"}`), Delay: 0})
	require.NoError(t, err)

	batch, err := s.ReadDeferredEventRowBatch(ctx, "inst-a", time.Now(), time.Second, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "inst-a", *batch[0].Lock)

	batch2, err := s.ReadDeferredEventRowBatch(ctx, "inst-b", time.Now(), time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, batch2)

	require.NoError(t, s.DeleteDeferredEvent(ctx, batch[0].ID))
}

func TestPostgresJournalRecordAndSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ref := chartref.New("walk", "chart-1")

	sub, err := s.NewJournalEntries(ctx, store.EntryFilter{Ref: &ref})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = s.Record(ctx, "inst-a", ref, nil, []byte(`{"type":"go"}`),
		[]byte(`"home"`), []byte(`{}`), []byte(`"park"`), []byte(`{}`))
	require.NoError(t, err)

	select {
	case e := <-sub.C():
		assert.Equal(t, ref, e.Ref)
	case err := <-sub.Err():
		t.Fatalf("subscription error: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for journal notification")
	}
}

func TestPostgresRecordDigestsAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := chartref.New("orderMachine", "chart-1")

	_, err := s.Record(ctx, "inst-a", ref, nil, []byte(`{"type":"create"}`), nil, nil, []byte(`"placed"`), []byte(`{}`))
	require.NoError(t, err)

	notified := make(chan chartref.Ref, 1)
	cancel, err := s.OnNewDigestEntry(ctx, func(r chartref.Ref) {
		select {
		case notified <- r:
		default:
		}
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.RecordDigests(ctx, ref, map[string]string{"orderId": "A-1"}))

	select {
	case r := <-notified:
		assert.Equal(t, ref, r)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for digest notification")
	}

	digests, err := s.QueryDigests(ctx, store.Eq(store.FieldDigest, "orderId", "A-1"))
	require.NoError(t, err)
	require.Len(t, digests, 1)
	assert.Equal(t, ref, digests[0].Ref)

	refs, err := s.QueryCharts(ctx, store.Eq(store.FieldMachineID, "", "orderMachine"))
	require.NoError(t, err)
	assert.Equal(t, []chartref.Ref{ref}, refs)
}
