// Package engine implements the Engine composition root (spec.md §4.8): it
// owns the PersistenceStore, JournalStore, StartupManager, DeferredEventManager,
// ActivityManager and MachineRegistry, and wires them together the way
// spec.md §4.8 describes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xjog/xjog/internal/activity"
	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/deferredevents"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/evaluator"
	"github.com/xjog/xjog/internal/executor"
	"github.com/xjog/xjog/internal/metrics"
	"github.com/xjog/xjog/internal/registry"
	"github.com/xjog/xjog/internal/startup"
	"github.com/xjog/xjog/internal/store"
	"github.com/xjog/xjog/pkg/serialization"
)

// MachineOptions configures one registered machine.
type MachineOptions struct {
	// Services builds the activity.Activity for each "start" action, keyed
	// by activity id (spec.md §4.6.1).
	Services map[string]executor.ServiceCreator
	// CacheSize overrides the default per-machine LRU capacity (§4.7).
	CacheSize int
}

// Options configures a new Engine.
type Options struct {
	SelfID     string
	Store      store.PersistenceStore
	Journal    store.JournalStore
	Serializer *serialization.Serializer
	Log        zerolog.Logger
	// Metrics is optional; when nil, calls that would record metrics are
	// skipped entirely.
	Metrics *metrics.Collector

	ChartMutexTimeout time.Duration // default 2000ms, min 50ms
	CacheMutexTimeout time.Duration // default 2x ChartMutexTimeout

	Startup        startup.Options
	DeferredEvents deferredevents.Options
}

func (o Options) withDefaults() Options {
	if o.ChartMutexTimeout <= 0 {
		o.ChartMutexTimeout = 2000 * time.Millisecond
	}
	if o.ChartMutexTimeout < 50*time.Millisecond {
		o.ChartMutexTimeout = 50 * time.Millisecond
	}
	if o.CacheMutexTimeout <= 0 {
		o.CacheMutexTimeout = 2 * o.ChartMutexTimeout
	}
	return o
}

type hookEntry struct {
	id uint64
	fn executor.UpdateHook
}

type registration struct {
	machine  evaluator.Machine
	services map[string]executor.ServiceCreator
}

// Engine is the composition root. Construct with New, register machines with
// RegisterMachine, then call Start.
type Engine struct {
	selfID     string
	st         store.PersistenceStore
	journal    store.JournalStore
	serializer *serialization.Serializer
	log        zerolog.Logger
	metrics    *metrics.Collector

	chartMutexTimeout time.Duration

	registry   *registry.Registry
	deferred   *deferredevents.Manager
	activities *activity.Manager
	startupMgr *startup.Manager

	mu                 sync.Mutex
	machines           map[string]*registration
	hooks              []hookEntry
	hookSeq            uint64
	registrationClosed bool

	subsMu sync.Mutex
	subs   map[chan domain.StateChange]struct{}
}

// New assembles an Engine and wires its internal managers together, the same
// constructor-then-setter pattern that breaks the
// Engine/DeferredEventManager/ActivityManager construction cycle.
func New(opts Options) *Engine {
	opts = opts.withDefaults()

	e := &Engine{
		selfID:            opts.SelfID,
		st:                opts.Store,
		journal:           opts.Journal,
		serializer:        opts.Serializer,
		log:               opts.Log.With().Str("component", "engine").Str("instance", opts.SelfID).Logger(),
		metrics:           opts.Metrics,
		chartMutexTimeout: opts.ChartMutexTimeout,
		machines:          make(map[string]*registration),
		subs:              make(map[chan domain.StateChange]struct{}),
	}

	e.registry = registry.New(opts.Store, opts.Serializer, opts.CacheMutexTimeout, e.log)

	deferredMgr := deferredevents.New(opts.Store, opts.SelfID, opts.DeferredEvents, e.log)
	activityMgr := activity.New(opts.Store, e.log)
	activityMgr.SetDeferrer(deferredMgr)
	deferredMgr.SetDelivery(e)
	deferredMgr.SetActivities(activityMgr)
	e.deferred = deferredMgr
	e.activities = activityMgr

	e.startupMgr = startup.New(opts.Store, opts.SelfID, opts.Startup, e, deferredMgr, activityMgr, e.log)
	e.startupMgr.OnAdopting(func() { deferredMgr.Start(context.Background()) })
	e.startupMgr.OnHalt(e.closeSubscribers)
	e.startupMgr.OnAdoptionPass(func(kind string, adopted int) {
		if e.metrics != nil {
			e.metrics.RecordAdoptionPass(kind, adopted)
		}
	})

	return e
}

// RegisterMachine adds machineID to the registry. Legal only before Start.
func (e *Engine) RegisterMachine(machineID string, machine evaluator.Machine, opts MachineOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registrationClosed {
		return domain.ErrRegistrationClosed
	}

	reg := &registration{machine: machine, services: opts.Services}
	e.machines[machineID] = reg

	factory := func(ref chartref.Ref, parentRef *chartref.Ref, ownerID string, paused bool, state evaluator.State) *executor.Executor {
		return e.buildExecutor(reg, ref, parentRef, ownerID, paused, state)
	}
	e.registry.RegisterMachine(machineID, machine, factory, opts.CacheSize)
	return nil
}

func (e *Engine) buildExecutor(reg *registration, ref chartref.Ref, parentRef *chartref.Ref, ownerID string, paused bool, state evaluator.State) *executor.Executor {
	return executor.New(executor.Options{
		Ref:        ref,
		ParentRef:  parentRef,
		OwnerID:    ownerID,
		Paused:     paused,
		Machine:    reg.machine,
		Services:   reg.services,
		Store:      e.st,
		Journal:    e.journal,
		Deferrer:   e.deferred,
		Activities: e.activities,
		Serializer: e.serializer,
		Hooks:      []executor.UpdateHook{e.runHooks},
		Publish:    e.publish,
		OnStuck:    e.onChartStuck,

		MutexTimeout: e.chartMutexTimeout,
		Log:          e.log,
	}, state)
}

// runHooks runs every currently-installed hook, live, so an uninstall takes
// effect on the very next transition of every cached executor (spec.md
// §4.8's "installUpdateHook").
func (e *Engine) runHooks(ctx context.Context, change domain.StateChange) error {
	e.mu.Lock()
	fns := make([]executor.UpdateHook, len(e.hooks))
	for i, h := range e.hooks {
		fns[i] = h.fn
	}
	e.mu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx, change); err != nil {
			return err
		}
	}
	return nil
}

// InstallUpdateHook adds fn to the hook chain and returns an uninstaller.
func (e *Engine) InstallUpdateHook(fn executor.UpdateHook) (uninstall func()) {
	e.mu.Lock()
	id := e.hookSeq
	e.hookSeq++
	e.hooks = append(e.hooks, hookEntry{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, h := range e.hooks {
			if h.id == id {
				e.hooks = append(e.hooks[:i], e.hooks[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine) onChartStuck() {
	e.log.Error().Msg("chart mutex acquisition timed out, treating as a liveness failure")
	if e.metrics != nil {
		e.metrics.RecordMutexTimeout("chart")
	}
	go func() {
		if err := e.Shutdown(context.Background()); err != nil {
			e.log.Error().Err(err).Msg("shutdown triggered by stuck chart mutex failed")
		}
	}()
}

func (e *Engine) publish(change domain.StateChange) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (e *Engine) closeSubscribers() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		close(ch)
	}
	e.subs = make(map[chan domain.StateChange]struct{})
}

// Changes subscribes to every StateChange this engine produces. The returned
// func detaches the subscription.
func (e *Engine) Changes() (<-chan domain.StateChange, func()) {
	ch := make(chan domain.StateChange, 64)
	e.subsMu.Lock()
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()

	return ch, func() {
		e.subsMu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.subsMu.Unlock()
	}
}

// Start closes machine registration, then starts StartupManager: overthrow,
// gentle/forcible adoption, ready. DeferredEventManager's loop is started
// once StartupManager reaches adopting (spec.md §4.8).
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.registrationClosed = true
	e.mu.Unlock()
	return e.startupMgr.Start(ctx)
}

// Shutdown drives StartupManager into dying, then halted.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.startupMgr.Shutdown(ctx)
}

// Phase reports the engine's current lifecycle phase.
func (e *Engine) Phase() startup.Phase { return e.startupMgr.Phase() }

// CreateChart constructs and persists a brand-new chart owned by this
// instance, running its initial actions.
func (e *Engine) CreateChart(ctx context.Context, machineID, chartID string, parentRef *chartref.Ref) (evaluator.State, error) {
	e.mu.Lock()
	reg, ok := e.machines[machineID]
	e.mu.Unlock()
	if !ok {
		return evaluator.State{}, fmt.Errorf("%w: %s", domain.ErrMachineNotFound, machineID)
	}

	initial, err := reg.machine.InitialState()
	if err != nil {
		return evaluator.State{}, fmt.Errorf("engine: initial state: %w", err)
	}

	ref := chartref.New(machineID, chartID)
	exec := e.buildExecutor(reg, ref, parentRef, e.selfID, false, initial)
	state, err := exec.Create(ctx)
	if err != nil {
		return evaluator.State{}, err
	}
	if err := e.registry.Put(ctx, ref, exec); err != nil {
		return evaluator.State{}, err
	}
	if e.metrics != nil {
		e.metrics.RecordChartCreated()
	}
	return state, nil
}

// DestroyChart stops and deletes ref.
func (e *Engine) DestroyChart(ctx context.Context, ref chartref.Ref) error {
	exec, err := e.registry.GetChart(ctx, ref)
	if err != nil {
		return err
	}
	if err := exec.Destroy(ctx); err != nil {
		return err
	}
	if err := e.registry.Remove(ctx, ref); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordChartDestroyed()
	}
	return nil
}

// Send transitions ref's chart with event, applying contextPatch first if
// non-nil. A paused or stopping chart defers instead of transitioning
// inline, returning (nil, nil).
func (e *Engine) Send(ctx context.Context, ref chartref.Ref, event evaluator.Event, contextPatch json.RawMessage) (*evaluator.State, error) {
	exec, err := e.registry.GetChart(ctx, ref)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	state, err := exec.Send(ctx, event, contextPatch)
	if err == nil && state != nil && e.metrics != nil {
		e.metrics.RecordTransition(ref.MachineID, time.Since(start).Seconds())
	}
	return state, err
}

// SendEvent decodes event and delivers it to ref, satisfying
// deferredevents.Delivery. origin is currently informational only.
func (e *Engine) SendEvent(ctx context.Context, ref chartref.Ref, event []byte, origin *chartref.Ref) error {
	var evt evaluator.Event
	if err := json.Unmarshal(event, &evt); err != nil {
		return fmt.Errorf("engine: decode deferred event: %w", err)
	}
	_, err := e.Send(ctx, ref, evt, nil)
	return err
}

// SendTo delivers event to activityID running on owner.
func (e *Engine) SendTo(ctx context.Context, owner chartref.Ref, activityID string, event []byte) error {
	return e.activities.SendTo(ctx, owner, activityID, event)
}

// GetChart returns ref's current in-memory state, loading it if necessary.
func (e *Engine) GetChart(ctx context.Context, ref chartref.Ref) (evaluator.State, error) {
	exec, err := e.registry.GetChart(ctx, ref)
	if err != nil {
		return evaluator.State{}, err
	}
	return exec.State(), nil
}

// GetChartByExternalID resolves key/value to a chart ref, then loads it.
func (e *Engine) GetChartByExternalID(ctx context.Context, key, value string) (evaluator.State, error) {
	ref, err := e.st.GetChartByExternalIdentifier(ctx, key, value)
	if err != nil {
		return evaluator.State{}, err
	}
	return e.GetChart(ctx, ref)
}

// RegisterExternalID maps (key, value) to ref, making it resolvable via
// GetChartByExternalID (spec.md §4.8).
func (e *Engine) RegisterExternalID(ctx context.Context, key, value string, ref chartref.Ref) error {
	return e.st.RegisterExternalID(ctx, domain.ExternalID{Key: key, Value: value, Ref: ref})
}

// DropExternalID removes a previously registered (key, value) mapping.
func (e *Engine) DropExternalID(ctx context.Context, key, value string) error {
	return e.st.DropExternalID(ctx, key, value)
}

// AdoptChart loads ref and re-derives its entry actions, satisfying
// startup.Adopter (spec.md §4.3's adoption runStep).
func (e *Engine) AdoptChart(ctx context.Context, ref chartref.Ref) error {
	exec, err := e.registry.GetChart(ctx, ref)
	if err != nil {
		return err
	}
	_, err = exec.RunStep(ctx)
	return err
}
