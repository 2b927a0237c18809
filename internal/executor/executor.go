// Package executor implements the ChartExecutor (spec.md §4.6): the
// per-chart owner of the evaluator state, the chart mutex, and the action
// dispatch table that turns evaluator-produced actions into deferred
// events, activity spawns, and log lines.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xjog/xjog/internal/activity"
	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/evaluator"
	"github.com/xjog/xjog/internal/store"
	"github.com/xjog/xjog/internal/timedmutex"
	"github.com/xjog/xjog/pkg/serialization"
)

// Deferrer is the subset of DeferredEventManager the executor and its action
// dispatch need.
type Deferrer interface {
	Defer(ctx context.Context, ref chartref.Ref, eventID string, eventTo *domain.EventTarget, event []byte, delay time.Duration) (domain.DeferredEvent, error)
	Cancel(ctx context.Context, eventID string) error
}

// Activities is the subset of ActivityManager the executor needs for the
// "start"/"stop" action kinds and post-transition auto-forwarding.
type Activities interface {
	RegisterActivity(ctx context.Context, ref chartref.Ref, activityID string, act activity.Activity, autoForward bool) error
	StopActivity(ctx context.Context, ref chartref.Ref, activityID string) error
	StopAllForChart(ctx context.Context, ref chartref.Ref) error
	SendAutoForwardEvent(ctx context.Context, ref chartref.Ref, event evaluator.Event)
	IsRegistered(ref chartref.Ref, activityID string) bool
}

// ServiceCreator builds the activity.Activity for a "start" action, given
// the activity id, the machine-declared kind ("promise", "callback",
// "observable", "chart"), and the context/event data in scope when the
// action fired. Engine supplies one per machine at RegisterMachine time —
// this is the "machine's service creator" of spec.md §4.6.1.
type ServiceCreator func(ctx context.Context, activityID, kind string, evalContext, eventData json.RawMessage) (activity.Activity, error)

// UpdateHook observes every StateChange before it is persisted. A returning
// error fails the send/create/destroy operation that produced the change
// (spec.md §4.6 step 8, §7).
type UpdateHook func(ctx context.Context, change domain.StateChange) error

// Options configures a new Executor. All fields are required unless noted.
type Options struct {
	Ref       chartref.Ref
	ParentRef *chartref.Ref
	OwnerID   string
	// Paused mirrors the chart row's paused flag at load time (spec.md §4.3's
	// "paused=true charts reject all send calls"). RunStep clears it, since
	// adoption's runStep is what re-activates a paused chart.
	Paused bool

	Machine  evaluator.Machine
	Services map[string]ServiceCreator // keyed by activity id

	Store      store.PersistenceStore
	Journal    store.JournalStore
	Deferrer   Deferrer
	Activities Activities
	Serializer *serialization.Serializer

	Hooks   []UpdateHook
	Publish func(domain.StateChange)
	// OnStuck is invoked if the chart mutex cannot be acquired within
	// MutexTimeout; spec.md §5 treats this as a fatal liveness failure that
	// triggers Engine.shutdown.
	OnStuck func()

	MutexTimeout time.Duration
	Log          zerolog.Logger
}

// Executor is one live chart: its mutex, its in-memory state, and the wiring
// needed to persist, journal and act on every transition.
type Executor struct {
	ref       chartref.Ref
	parentRef *chartref.Ref
	ownerID   string

	machine  evaluator.Machine
	services map[string]ServiceCreator

	st         store.PersistenceStore
	journal    store.JournalStore
	deferrer   Deferrer
	activities Activities
	serializer *serialization.Serializer

	hooks   []UpdateHook
	publish func(domain.StateChange)
	onStuck func()

	mu           *timedmutex.Mutex
	mutexTimeout time.Duration
	stopping     bool
	paused       bool

	state evaluator.State

	subs   map[chan evaluator.State]struct{}
	subsMu sync.Mutex

	log zerolog.Logger
}

// New constructs an Executor from an already-decoded state (loaded by the
// caller via PersistenceStore.ReadChart + Serializer.Deserialize, or fresh
// from Machine.InitialState for a not-yet-persisted chart).
func New(opts Options, state evaluator.State) *Executor {
	timeout := opts.MutexTimeout
	if timeout <= 0 {
		timeout = 2000 * time.Millisecond
	}
	return &Executor{
		ref:          opts.Ref,
		parentRef:    opts.ParentRef,
		ownerID:      opts.OwnerID,
		machine:      opts.Machine,
		services:     opts.Services,
		st:           opts.Store,
		journal:      opts.Journal,
		deferrer:     opts.Deferrer,
		activities:   opts.Activities,
		serializer:   opts.Serializer,
		hooks:        opts.Hooks,
		publish:      opts.Publish,
		onStuck:      opts.OnStuck,
		mu:           timedmutex.New(),
		mutexTimeout: timeout,
		paused:       opts.Paused,
		state:        state,
		subs:         make(map[chan evaluator.State]struct{}),
		log:          opts.Log.With().Str("ref", opts.Ref.String()).Logger(),
	}
}

// Ref returns the chart's identity.
func (e *Executor) Ref() chartref.Ref { return e.ref }

// State returns the executor's current in-memory state without transitioning
// it, backing Engine.getChart (spec.md §4.8).
func (e *Executor) State() evaluator.State { return e.state }

// Idle reports whether the chart mutex is currently free, without acquiring
// it. MachineRegistry polls this before evicting a cached executor, so it
// never tears a live transition (spec.md §4.7).
func (e *Executor) Idle() bool { return e.mu.TryIdle() }

// lock acquires the chart mutex or calls onStuck and returns an error, per
// spec.md §4.6 step 2 / §5's mutex-timeout policy.
func (e *Executor) lock(ctx context.Context) error {
	if err := e.mu.Lock(ctx, e.mutexTimeout); err != nil {
		e.log.Error().Err(err).Msg("chart mutex acquisition failed, treating as stuck")
		if e.onStuck != nil {
			e.onStuck()
		}
		return fmt.Errorf("executor: chart mutex stuck: %w", err)
	}
	return nil
}

// Create constructs the chart's initial state, runs create hooks, inserts
// the chart row and executes the initial actions (spec.md §4.6 "Creation").
func (e *Executor) Create(ctx context.Context) (evaluator.State, error) {
	if err := e.lock(ctx); err != nil {
		return evaluator.State{}, err
	}
	defer e.mu.Unlock()

	change := domain.StateChange{
		Type:      domain.ChangeCreate,
		Ref:       e.ref,
		ParentRef: e.parentRef,
		New:       &domain.StateSnapshot{Value: e.state.Value, Context: e.state.Context},
	}
	if err := e.runHooks(ctx, change); err != nil {
		return evaluator.State{}, fmt.Errorf("executor: create hooks: %w", err)
	}

	encoded, err := e.serializer.Serialize(e.state)
	if err != nil {
		return evaluator.State{}, fmt.Errorf("executor: encode initial state: %w", err)
	}
	if err := e.st.InsertChart(ctx, domain.Chart{
		Ref: e.ref, ParentRef: e.parentRef, OwnerID: e.ownerID, State: encoded,
	}); err != nil {
		return evaluator.State{}, err
	}
	if e.publish != nil {
		e.publish(change)
	}

	e.dispatchActions(ctx, e.state, evaluator.Event{}, false)
	e.notifySubscribers()
	return e.state, nil
}

// Send is the ChartExecutor's core operation (spec.md §4.6 steps 1-15).
func (e *Executor) Send(ctx context.Context, event evaluator.Event, contextPatch json.RawMessage) (*evaluator.State, error) {
	if e.stopping || e.paused {
		return nil, e.enqueueSelf(ctx, event)
	}

	if err := e.lock(ctx); err != nil {
		return nil, err
	}

	if e.stopping || e.paused {
		e.mu.Unlock()
		return nil, e.enqueueSelf(ctx, event)
	}

	oldValue, oldContext := e.state.Value, e.state.Context

	prev := e.state
	if contextPatch != nil {
		merged, err := mergeContext(prev.Context, contextPatch)
		if err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("executor: apply context patch: %w", err)
		}
		prev.Context = merged
	}

	next, err := e.machine.Transition(prev, event)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrTransitionFailed, err)
	}

	eventBytes, _ := json.Marshal(event)
	change := domain.StateChange{
		Type:      domain.ChangeUpdate,
		Ref:       e.ref,
		ParentRef: e.parentRef,
		Event:     eventBytes,
		Old:       &domain.StateSnapshot{Value: oldValue, Context: oldContext},
		New:       &domain.StateSnapshot{Value: next.Value, Context: next.Context},
	}

	// Update hooks run journal writer, delta writer, digest writer, then
	// user hooks, in that order (spec.md §4.6 step 8), all before the chart
	// row itself is updated.
	if _, err := e.journal.Record(ctx, e.ownerID, e.ref, e.parentRef, eventBytes,
		oldValue, oldContext, next.Value, next.Context); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("executor: journal record: %w", err)
	}

	if len(next.Digest) > 0 {
		if err := e.journal.RecordDigests(ctx, e.ref, next.Digest); err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("executor: digest record: %w", err)
		}
	}

	if err := e.runHooks(ctx, change); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrHookFailure, err)
	}

	encoded, err := e.serializer.Serialize(next)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("executor: encode state: %w", err)
	}
	if err := e.st.UpdateChartState(ctx, e.ref, encoded); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	e.state = next
	if e.publish != nil {
		e.publish(change)
	}
	e.notifySubscribers()

	e.dispatchActions(ctx, next, event, false)

	if next.Done && e.parentRef != nil {
		doneEvt, _ := json.Marshal(struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data,omitempty"`
		}{Type: "doneInvoke." + e.ref.ChartID, Data: next.DoneData})
		if _, err := e.deferrer.Defer(ctx, e.ref, "doneInvoke:"+e.ref.String(), &domain.EventTarget{Kind: domain.EventTargetParent}, doneEvt, 0); err != nil {
			e.log.Error().Err(err).Msg("failed to schedule doneInvoke to parent")
		}
	}

	// Mutex releases before the auto-forward send (spec.md §4.6 steps 13-14):
	// sendAutoForwardEvent must not run while this chart's own mutex is held.
	e.mu.Unlock()
	e.activities.SendAutoForwardEvent(ctx, e.ref, event)

	result := next
	return &result, nil
}

// enqueueSelf defers event back to this chart, per spec.md §4.6 step 1: a
// stopping or paused chart never transitions inline.
func (e *Executor) enqueueSelf(ctx context.Context, event evaluator.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = e.deferrer.Defer(ctx, e.ref, "", nil, data, 0)
	return err
}

// RunStep re-derives entry actions without changing Value/Context, used to
// resume an adopted chart (spec.md §4.3, §4.5): activities re-register and
// "init" actions are skipped.
func (e *Executor) RunStep(ctx context.Context) (evaluator.State, error) {
	if err := e.lock(ctx); err != nil {
		return evaluator.State{}, err
	}
	defer e.mu.Unlock()

	next, err := e.machine.RunStep(e.state)
	if err != nil {
		return evaluator.State{}, fmt.Errorf("executor: run step: %w", err)
	}
	e.state = next
	e.paused = false
	e.dispatchActions(ctx, next, evaluator.Event{}, true)
	e.notifySubscribers()
	return next, nil
}

// Destroy stops the chart: marks it stopping, runs delete hooks, and deletes
// the chart row together with its deferred events and external ids.
func (e *Executor) Destroy(ctx context.Context) error {
	if err := e.lock(ctx); err != nil {
		return err
	}
	defer e.mu.Unlock()

	e.stopping = true
	change := domain.StateChange{
		Type:      domain.ChangeDelete,
		Ref:       e.ref,
		ParentRef: e.parentRef,
		Old:       &domain.StateSnapshot{Value: e.state.Value, Context: e.state.Context},
	}
	if err := e.runHooks(ctx, change); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrHookFailure, err)
	}

	if err := e.activities.StopAllForChart(ctx, e.ref); err != nil {
		e.log.Warn().Err(err).Msg("stopAllForChart returned an error during destroy")
	}

	if err := e.st.DestroyChart(ctx, e.ref); err != nil {
		return err
	}
	if e.publish != nil {
		e.publish(change)
	}
	e.closeSubscribers()
	return nil
}

func (e *Executor) runHooks(ctx context.Context, change domain.StateChange) error {
	for _, h := range e.hooks {
		if err := h(ctx, change); err != nil {
			return err
		}
	}
	return nil
}

// mergeContext applies patch as a shallow Object.assign-style merge onto
// ctx, per spec.md §4.6 step 4's "object" branch. Callers wanting a function
// transform apply it before calling Send and pass the resulting bytes.
func mergeContext(ctx, patch json.RawMessage) (json.RawMessage, error) {
	var base, delta map[string]json.RawMessage
	if len(ctx) == 0 {
		base = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(ctx, &base); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return nil, err
	}
	for k, v := range delta {
		base[k] = v
	}
	return json.Marshal(base)
}

// dispatchActions runs the action-dispatch table of spec.md §4.6.1.
// rehydrating suppresses "init" actions, avoiding re-running initial side
// effects after an adoption RunStep.
func (e *Executor) dispatchActions(ctx context.Context, state evaluator.State, event evaluator.Event, rehydrating bool) {
	for _, action := range state.Actions {
		switch action.Kind {
		case evaluator.ActionExec:
			if action.Exec == nil {
				continue
			}
			if err := action.Exec(state.Context, event.Data); err != nil {
				e.log.Warn().Err(err).Msg("exec action returned an error")
			}
		case evaluator.ActionSend:
			e.dispatchSend(ctx, action)
		case evaluator.ActionCancel:
			if err := e.deferrer.Cancel(ctx, action.CancelSendID); err != nil {
				e.log.Warn().Err(err).Str("sendId", action.CancelSendID).Msg("cancel action failed")
			}
		case evaluator.ActionStart:
			e.dispatchStart(ctx, state, event, action)
		case evaluator.ActionStop:
			if err := e.activities.StopActivity(ctx, e.ref, action.ActivityID); err != nil {
				e.log.Warn().Err(err).Str("activityId", action.ActivityID).Msg("stop action failed")
			}
		case evaluator.ActionLog:
			e.log.Info().Str("kind", "action-log").Msg(action.LogMessage)
		case evaluator.ActionInit:
			if rehydrating {
				continue
			}
		default:
			e.log.Warn().Str("kind", string(action.Kind)).Msg("unrecognized action kind, ignored")
		}
	}
}

func (e *Executor) dispatchSend(ctx context.Context, action evaluator.Action) {
	data, err := json.Marshal(action.SendEvent)
	if err != nil {
		e.log.Warn().Err(err).Msg("send action: encode event failed")
		return
	}
	target := resolveSendTarget(e.ref, action.SendTo)
	delay := time.Duration(action.SendDelay) * time.Millisecond
	if _, err := e.deferrer.Defer(ctx, e.ref, action.SendID, target, data, delay); err != nil {
		e.log.Warn().Err(err).Msg("send action: defer failed")
	}
}

// resolveSendTarget maps an evaluator's SendTo string ("", "parent", an
// activity id, or a chart ref URI) to a domain.EventTarget.
func resolveSendTarget(self chartref.Ref, sendTo string) *domain.EventTarget {
	switch sendTo {
	case "":
		return nil
	case "parent":
		return &domain.EventTarget{Kind: domain.EventTargetParent}
	default:
		if ref, err := chartref.Parse(sendTo); err == nil {
			return &domain.EventTarget{Kind: domain.EventTargetChart, ChartRef: ref}
		}
		return &domain.EventTarget{Kind: domain.EventTargetActivity, ActivityID: sendTo}
	}
}

func (e *Executor) dispatchStart(ctx context.Context, state evaluator.State, event evaluator.Event, action evaluator.Action) {
	if e.activities.IsRegistered(e.ref, action.ActivityID) {
		return
	}
	creator, ok := e.services[action.ActivityID]
	if !ok {
		e.log.Warn().Str("activityId", action.ActivityID).Msg("start action: no service creator registered")
		return
	}
	act, err := creator(ctx, action.ActivityID, action.ActivityKind, state.Context, event.Data)
	if err != nil {
		e.log.Warn().Err(err).Str("activityId", action.ActivityID).Msg("start action: service creator failed")
		return
	}
	if err := e.activities.RegisterActivity(ctx, e.ref, action.ActivityID, act, action.ActivityKind == "chart"); err != nil {
		e.log.Warn().Err(err).Str("activityId", action.ActivityID).Msg("start action: register failed")
	}
}

// sendForChartHandle adapts the multi-argument Send to activity.ChartHandle's signature,
// so an Executor can be spawned as a nested-chart activity (spec.md
// §4.6.1's "chart" spawn kind).
func (e *Executor) sendForChartHandle(ctx context.Context, event evaluator.Event) (evaluator.State, error) {
	next, err := e.Send(ctx, event, nil)
	if err != nil {
		return evaluator.State{}, err
	}
	return *next, nil
}

// AsChartHandle exposes e as an activity.ChartHandle for the nested-chart
// spawn kind.
func (e *Executor) AsChartHandle() activity.ChartHandle {
	return chartHandleAdapter{e}
}

type chartHandleAdapter struct{ e *Executor }

func (a chartHandleAdapter) Send(ctx context.Context, event evaluator.Event) (evaluator.State, error) {
	return a.e.sendForChartHandle(ctx, event)
}

func (a chartHandleAdapter) Subscribe() (<-chan evaluator.State, func()) {
	return a.e.Subscribe()
}

// Subscribe returns a channel of every subsequent state and an unsubscribe
// func, satisfying activity.ChartHandle for the nested-chart spawn kind.
func (e *Executor) Subscribe() (<-chan evaluator.State, func()) {
	ch := make(chan evaluator.State, 16)
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

func (e *Executor) notifySubscribers() {
	e.subsMu.Lock()
	for ch := range e.subs {
		select {
		case ch <- e.state:
		default:
		}
	}
	e.subsMu.Unlock()
}

func (e *Executor) closeSubscribers() {
	e.subsMu.Lock()
	for ch := range e.subs {
		close(ch)
	}
	e.subs = make(map[chan evaluator.State]struct{})
	e.subsMu.Unlock()
}
