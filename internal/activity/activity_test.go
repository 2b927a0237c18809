package activity

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/evaluator"
	"github.com/xjog/xjog/internal/patch"
	"github.com/xjog/xjog/internal/store/sqlite"
)

type recordingDeferrer struct {
	mu   sync.Mutex
	refs []chartref.Ref
	ch   chan struct{}
}

func (r *recordingDeferrer) Defer(ctx context.Context, ref chartref.Ref, eventID string, eventTo *domain.EventTarget, event []byte, delay time.Duration) (domain.DeferredEvent, error) {
	r.mu.Lock()
	r.refs = append(r.refs, ref)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
	return domain.DeferredEvent{Ref: ref, EventID: eventID, Event: event}, nil
}

func newTestManager(t *testing.T) (*Manager, *recordingDeferrer) {
	t.Helper()
	st, err := sqlite.Open(":memory:", patch.New())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d := &recordingDeferrer{ch: make(chan struct{}, 16)}
	m := New(st, zerolog.Nop())
	m.SetDeferrer(d)
	return m, d
}

func TestPromiseActivityForwardsDone(t *testing.T) {
	m, d := newTestManager(t)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")

	act := NewPromiseActivity(func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"opened"`), nil
	})
	require.NoError(t, m.RegisterActivity(ctx, ref, "act-1", act, false))

	select {
	case <-d.ch:
	case <-time.After(time.Second):
		t.Fatal("doneInvoke was never forwarded")
	}

	registered, err := m.st.IsActivityRegistered(ctx, ref, "act-1")
	require.NoError(t, err)
	assert.False(t, registered, "activity should self-unregister after resolving")
}

func TestStopActivityIsIdempotentNoOp(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")

	require.NoError(t, m.StopActivity(ctx, ref, "does-not-exist"))
}

func TestSendAutoForwardEventOnlyReachesAutoForwardActivities(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	ref := chartref.New("door", "chart-1")

	received := make(chan evaluator.Event, 1)
	cb := NewCallbackActivity(func(ctx context.Context, send func(evaluator.Event), onReceive func(func(evaluator.Event))) func() {
		onReceive(func(e evaluator.Event) { received <- e })
		return func() {}
	})
	require.NoError(t, m.RegisterActivity(ctx, ref, "auto", cb, true))

	silent := NewCallbackActivity(func(ctx context.Context, send func(evaluator.Event), onReceive func(func(evaluator.Event))) func() {
		onReceive(func(e evaluator.Event) { t.Fatal("non-autoForward activity should not receive the event") })
		return func() {}
	})
	require.NoError(t, m.RegisterActivity(ctx, ref, "manual", silent, false))

	m.SendAutoForwardEvent(ctx, ref, evaluator.Event{Type: "tick"})

	select {
	case e := <-received:
		assert.Equal(t, "tick", e.Type)
	case <-time.After(time.Second):
		t.Fatal("auto-forward activity never received the event")
	}
}
