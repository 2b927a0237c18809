// Package registry implements the MachineRegistry (spec.md §4.7): a
// per-machine, insertion-ordered LRU cache of chart executors.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/evaluator"
	"github.com/xjog/xjog/internal/executor"
	"github.com/xjog/xjog/internal/store"
	"github.com/xjog/xjog/internal/timedmutex"
	"github.com/xjog/xjog/pkg/serialization"
)

const (
	// DefaultCapacity is the per-machine cache size when none is configured.
	DefaultCapacity = 1000
	// MinCapacity is the smallest per-machine cache size allowed.
	MinCapacity = 10
)

// ExecutorFactory builds an Executor for ref bound to an already-decoded
// state; Engine supplies one per registered machine.
type ExecutorFactory func(ref chartref.Ref, parentRef *chartref.Ref, ownerID string, paused bool, state evaluator.State) *executor.Executor

type machineCache struct {
	capacity int
	order    []chartref.Ref // oldest first
	entries  map[chartref.Ref]*executor.Executor
	factory  ExecutorFactory
	machine  evaluator.Machine
}

func newMachineCache(capacity int, factory ExecutorFactory, machine evaluator.Machine) *machineCache {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &machineCache{
		capacity: capacity,
		entries:  make(map[chartref.Ref]*executor.Executor),
		factory:  factory,
		machine:  machine,
	}
}

func (c *machineCache) touch(ref chartref.Ref) {
	for i, r := range c.order {
		if r == ref {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, ref)
}

func (c *machineCache) oldest() (chartref.Ref, bool) {
	if len(c.order) == 0 {
		return chartref.Ref{}, false
	}
	return c.order[0], true
}

func (c *machineCache) remove(ref chartref.Ref) {
	delete(c.entries, ref)
	for i, r := range c.order {
		if r == ref {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Registry is the MachineRegistry. Construct with New.
type Registry struct {
	st           store.PersistenceStore
	serializer   *serialization.Serializer
	cacheMu      *timedmutex.Mutex
	cacheTimeout time.Duration
	machines     map[string]*machineCache
	log          zerolog.Logger
}

// New constructs a Registry. mutexTimeout should be roughly 2x the chart
// mutex timeout per spec.md §5.
func New(st store.PersistenceStore, serializer *serialization.Serializer, cacheMutexTimeout time.Duration, log zerolog.Logger) *Registry {
	if cacheMutexTimeout <= 0 {
		cacheMutexTimeout = 4 * time.Second
	}
	return &Registry{
		st:           st,
		serializer:   serializer,
		cacheMu:      timedmutex.New(),
		cacheTimeout: cacheMutexTimeout,
		machines:     make(map[string]*machineCache),
		log:          log.With().Str("component", "registry").Logger(),
	}
}

// RegisterMachine adds machineID's cache. capacity <= 0 uses DefaultCapacity.
func (r *Registry) RegisterMachine(machineID string, machine evaluator.Machine, factory ExecutorFactory, capacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r.machines[machineID] = newMachineCache(capacity, factory, machine)
}

// GetChart returns the cached executor for ref, loading it from
// PersistenceStore on a cache miss.
func (r *Registry) GetChart(ctx context.Context, ref chartref.Ref) (*executor.Executor, error) {
	if err := r.cacheMu.Lock(ctx, r.cacheTimeout); err != nil {
		return nil, fmt.Errorf("registry: cache mutex stuck: %w", err)
	}
	defer r.cacheMu.Unlock()

	cache, ok := r.machines[ref.MachineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrMachineNotFound, ref.MachineID)
	}

	if exec, ok := cache.entries[ref]; ok {
		cache.touch(ref)
		return exec, nil
	}

	chart, err := r.st.ReadChart(ctx, ref)
	if err != nil {
		return nil, err
	}

	var state evaluator.State
	if err := r.serializer.Deserialize(chart.State, &state); err != nil {
		return nil, fmt.Errorf("registry: decode chart state: %w", err)
	}
	exec := cache.factory(ref, chart.ParentRef, chart.OwnerID, chart.Paused, state)

	cache.entries[ref] = exec
	cache.touch(ref)
	if len(cache.entries) > cache.capacity {
		r.evictOldestLocked(ctx, cache)
	}
	return exec, nil
}

// Put inserts a freshly created executor directly into cache, used right
// after ChartExecutor.Create so the first GetChart is a hit.
func (r *Registry) Put(ctx context.Context, ref chartref.Ref, exec *executor.Executor) error {
	if err := r.cacheMu.Lock(ctx, r.cacheTimeout); err != nil {
		return fmt.Errorf("registry: cache mutex stuck: %w", err)
	}
	defer r.cacheMu.Unlock()

	cache, ok := r.machines[ref.MachineID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrMachineNotFound, ref.MachineID)
	}
	cache.entries[ref] = exec
	cache.touch(ref)
	if len(cache.entries) > cache.capacity {
		r.evictOldestLocked(ctx, cache)
	}
	return nil
}

// Remove drops ref from cache immediately, without waiting for the chart
// mutex to go idle. Used after ChartExecutor.Destroy, where the caller
// already holds (and is about to release) the chart's own mutex.
func (r *Registry) Remove(ctx context.Context, ref chartref.Ref) error {
	if err := r.cacheMu.Lock(ctx, r.cacheTimeout); err != nil {
		return fmt.Errorf("registry: cache mutex stuck: %w", err)
	}
	defer r.cacheMu.Unlock()
	if cache, ok := r.machines[ref.MachineID]; ok {
		cache.remove(ref)
	}
	return nil
}

// evictOldestLocked must be called with cacheMu held. It waits for the
// oldest entry's chart mutex to go idle before removing it, per spec.md
// §4.7's "avoid tearing a live transition".
func (r *Registry) evictOldestLocked(ctx context.Context, cache *machineCache) {
	ref, ok := cache.oldest()
	if !ok {
		return
	}
	exec := cache.entries[ref]

	deadline := time.Now().Add(r.cacheTimeout)
	for !exec.Idle() {
		if time.Now().After(deadline) {
			r.log.Warn().Str("ref", ref.String()).Msg("eviction gave up waiting for chart mutex to idle")
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	cache.remove(ref)
}
