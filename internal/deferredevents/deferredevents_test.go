package deferredevents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/patch"
	"github.com/xjog/xjog/internal/store/sqlite"
)

type recordingDelivery struct {
	mu   sync.Mutex
	sent []chartref.Ref
	ch   chan struct{}
}

func (r *recordingDelivery) SendEvent(ctx context.Context, ref chartref.Ref, event []byte, origin *chartref.Ref) error {
	r.mu.Lock()
	r.sent = append(r.sent, ref)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
	return nil
}

func newTestManager(t *testing.T) (*Manager, *sqlite.Store, *recordingDelivery) {
	t.Helper()
	st, err := sqlite.Open(":memory:", patch.New())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	delivery := &recordingDelivery{ch: make(chan struct{}, 16)}
	m := New(st, "inst-a", Options{Interval: 20 * time.Millisecond, LookAhead: time.Second, BatchSize: 10}, zerolog.Nop())
	m.SetDelivery(delivery)
	return m, st, delivery
}

func TestDeferAndDeliverToSelf(t *testing.T) {
	m, _, delivery := newTestManager(t)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")

	m.Start(ctx)
	defer m.ReleaseAll(ctx)

	_, err := m.Defer(ctx, ref, "evt-1", nil, []byte(`{"type":"tick"}`), 0)
	require.NoError(t, err)

	select {
	case <-delivery.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred event was never delivered")
	}
	delivery.mu.Lock()
	defer delivery.mu.Unlock()
	require.Len(t, delivery.sent, 1)
	assert.Equal(t, ref, delivery.sent[0])
}

func TestCancelPreventsDelivery(t *testing.T) {
	m, _, delivery := newTestManager(t)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")

	m.Start(ctx)
	defer m.ReleaseAll(ctx)

	_, err := m.Defer(ctx, ref, "evt-cancel-me", nil, []byte(`{"type":"tick"}`), 200*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, "evt-cancel-me"))
	require.NoError(t, m.Cancel(ctx, "evt-cancel-me")) // idempotent

	select {
	case <-delivery.ch:
		t.Fatal("cancelled event was delivered")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestDeliverToParent(t *testing.T) {
	m, st, delivery := newTestManager(t)
	ctx := context.Background()
	parent := chartref.New("orderMachine", "order-1")
	child := chartref.New("lineItemMachine", "item-1")

	require.NoError(t, st.InsertChart(ctx, domain.Chart{Ref: child, ParentRef: &parent, OwnerID: "inst-a", State: []byte(`{}`)}))

	m.Start(ctx)
	defer m.ReleaseAll(ctx)

	_, err := m.Defer(ctx, child, "evt-1", &domain.EventTarget{Kind: domain.EventTargetParent}, []byte(`{"type":"doneInvoke"}`), 0)
	require.NoError(t, err)

	select {
	case <-delivery.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("parent-targeted event was never delivered")
	}
	delivery.mu.Lock()
	defer delivery.mu.Unlock()
	require.Len(t, delivery.sent, 1)
	assert.Equal(t, parent, delivery.sent[0])
}
