package startup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/patch"
	"github.com/xjog/xjog/internal/store"
	"github.com/xjog/xjog/internal/store/sqlite"
)

type recordingAdopter struct {
	mu   sync.Mutex
	refs []chartref.Ref
}

func (a *recordingAdopter) AdoptChart(ctx context.Context, ref chartref.Ref) error {
	a.mu.Lock()
	a.refs = append(a.refs, ref)
	a.mu.Unlock()
	return nil
}

func (a *recordingAdopter) seen(ref chartref.Ref) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.refs {
		if r == ref {
			return true
		}
	}
	return false
}

type noopDeferrer struct{ released bool }

func (d *noopDeferrer) ReleaseAll(ctx context.Context) error { d.released = true; return nil }

type noopActivities struct{ stopped bool }

func (a *noopActivities) StopAll(ctx context.Context) error { a.stopped = true; return nil }

func newTestStore(t *testing.T) store.PersistenceStore {
	t.Helper()
	st, err := sqlite.Open(":memory:", patch.New())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStartReachesReadyWithNoPausedCharts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	adopter := &recordingAdopter{}
	deferrer := &noopDeferrer{}
	activities := &noopActivities{}

	m := New(st, "inst-a", Options{AdoptionFrequency: 5 * time.Millisecond, OwnChartPollingFrequency: 5 * time.Millisecond}, adopter, deferrer, activities, zerolog.Nop())

	ready := make(chan struct{})
	m.OnReady(func() { close(ready) })

	require.NoError(t, m.Start(ctx))
	select {
	case <-ready:
	default:
		t.Fatal("onReady was never invoked")
	}
	assert.Equal(t, PhaseReady, m.Phase())
}

func TestStartOverthrowsPriorInstanceAndAdoptsItsCharts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertInstance(ctx, domain.Instance{InstanceID: "inst-old"}))
	ref := chartref.New("door", "chart-1")
	require.NoError(t, st.InsertChart(ctx, domain.Chart{Ref: ref, OwnerID: "inst-old", State: []byte("{}")}))

	adopter := &recordingAdopter{}
	m := New(st, "inst-new", Options{AdoptionFrequency: 5 * time.Millisecond}, adopter, &noopDeferrer{}, &noopActivities{}, zerolog.Nop())

	require.NoError(t, m.Start(ctx))
	assert.Equal(t, PhaseReady, m.Phase())

	own, err := st.CountOwnCharts(ctx, "inst-new")
	require.NoError(t, err)
	assert.Equal(t, 1, own)
	assert.True(t, adopter.seen(ref))
}

func TestShutdownDrainsToHaltedWhenNoOtherInstancesRemain(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	deferrer := &noopDeferrer{}
	activities := &noopActivities{}

	m := New(st, "inst-a", Options{OwnChartPollingFrequency: 5 * time.Millisecond}, &recordingAdopter{}, deferrer, activities, zerolog.Nop())
	require.NoError(t, m.Start(ctx))

	halted := make(chan struct{})
	m.OnHalt(func() { close(halted) })

	require.NoError(t, m.Shutdown(ctx))
	select {
	case <-halted:
	default:
		t.Fatal("onHalt was never invoked")
	}
	assert.Equal(t, PhaseHalted, m.Phase())
	assert.True(t, deferrer.released)
	assert.True(t, activities.stopped)
}

// quiescenceStore wraps a real store, faking GentlyAdoptCharts/
// CountPausedCharts/ForciblyAdoptCharts so a test can control exactly how
// many gentle passes make progress before adoption goes quiet.
type quiescenceStore struct {
	store.PersistenceStore
	progressPasses int

	mu           sync.Mutex
	gentleCalls  int
	forcedAtCall int
	forcedCalled bool
}

func (s *quiescenceStore) GentlyAdoptCharts(ctx context.Context, selfID string) ([]chartref.Ref, error) {
	s.mu.Lock()
	s.gentleCalls++
	n := s.gentleCalls
	s.mu.Unlock()

	if n <= s.progressPasses {
		return []chartref.Ref{chartref.New("door", fmt.Sprintf("chart-%d", n))}, nil
	}
	return nil, nil
}

func (s *quiescenceStore) CountPausedCharts(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forcedCalled {
		return 0, nil
	}
	return 1, nil
}

func (s *quiescenceStore) ForciblyAdoptCharts(ctx context.Context, selfID string) ([]chartref.Ref, error) {
	s.mu.Lock()
	s.forcedCalled = true
	s.forcedAtCall = s.gentleCalls
	s.mu.Unlock()
	return []chartref.Ref{chartref.New("door", "chart-forced")}, nil
}

// TestGracePeriodResetsOnProgressNotTotal proves the grace timer is
// quiescence-based (spec.md §9): as long as gentle passes keep adopting at
// least one chart, forcible adoption must not fire, even once the original
// grace period has elapsed several times over. It should only fire once a
// gentle pass adopts nothing.
func TestGracePeriodResetsOnProgressNotTotal(t *testing.T) {
	st := &quiescenceStore{PersistenceStore: newTestStore(t), progressPasses: 4}
	ctx := context.Background()

	m := New(st, "inst-a", Options{
		AdoptionFrequency: 10 * time.Millisecond,
		GracePeriod:       25 * time.Millisecond,
	}, &recordingAdopter{}, &noopDeferrer{}, &noopActivities{}, zerolog.Nop())

	require.NoError(t, m.Start(ctx))
	assert.Equal(t, PhaseReady, m.Phase())

	st.mu.Lock()
	defer st.mu.Unlock()
	require.True(t, st.forcedCalled, "forcible adoption should eventually fire once progress stops")
	assert.Greaterf(t, st.forcedAtCall, st.progressPasses,
		"forcible adoption fired at gentle call %d, before progress even stopped (call %d) — grace period is not resetting on progress",
		st.forcedAtCall, st.progressPasses)
}

func TestShutdownIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	m := New(st, "inst-a", Options{}, &recordingAdopter{}, &noopDeferrer{}, &noopActivities{}, zerolog.Nop())
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx))
}
