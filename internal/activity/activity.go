// Package activity implements the ActivityManager (spec.md §4.5): the
// registry of running side effects (invoked services) a chart has spawned,
// their event forwarding into the owning chart, and their lifecycle.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/evaluator"
	"github.com/xjog/xjog/internal/store"
	"github.com/xjog/xjog/internal/timedmutex"
)

// EventKind classifies a value delivered on an Activity's Events channel.
type EventKind int

const (
	// EventMessage carries an already-encoded evaluator.Event to forward.
	EventMessage EventKind = iota
	// EventDone signals the activity finished; Data is the doneInvoke payload.
	EventDone
	// EventError signals the activity failed; Err is the cause.
	EventError
)

// Event is one value emitted by a running Activity.
type Event struct {
	Kind EventKind
	Data json.RawMessage
	Err  error
}

// Activity is the capability set of a spawned side effect (spec.md §4.5):
// send an event to it, observe what it emits, and stop it. The four spawn
// kinds (promise-like, callback, observable, nested chart) are adapters onto
// this interface, built in spawn.go.
type Activity interface {
	Send(ctx context.Context, event evaluator.Event) error
	Events() <-chan Event
	Stop(ctx context.Context) error
}

// Deferrer is the subset of DeferredEventManager the manager needs to
// forward activity-emitted events into the owning chart.
type Deferrer interface {
	Defer(ctx context.Context, ref chartref.Ref, eventID string, eventTo *domain.EventTarget, event []byte, delay time.Duration) (domain.DeferredEvent, error)
}

type entry struct {
	activity    Activity
	autoForward bool
	cancel      context.CancelFunc
}

// Manager is the ActivityManager. Zero value is not usable; construct with
// New.
type Manager struct {
	st       store.PersistenceStore
	deferrer Deferrer
	log      zerolog.Logger

	mu    sync.Mutex // guards the nested registry maps (the "activity mutex")
	dbMu  *timedmutex.Mutex
	byRef map[chartref.Ref]map[string]*entry
}

// New constructs a Manager. Call SetDeferrer before RegisterActivity.
func New(st store.PersistenceStore, log zerolog.Logger) *Manager {
	return &Manager{
		st:    st,
		log:   log.With().Str("component", "activity").Logger(),
		dbMu:  timedmutex.New(),
		byRef: make(map[chartref.Ref]map[string]*entry),
	}
}

// SetDeferrer wires the forwarding target.
func (m *Manager) SetDeferrer(d Deferrer) { m.deferrer = d }

// RegisterActivity adds act to the registry, persists its ongoingActivities
// row, and starts forwarding its emitted events to the owner chart.
func (m *Manager) RegisterActivity(ctx context.Context, ref chartref.Ref, activityID string, act Activity, autoForward bool) error {
	if err := m.dbMu.Lock(ctx, 2*time.Second); err != nil {
		return fmt.Errorf("activity: register db lock: %w", err)
	}
	err := m.st.RegisterActivity(ctx, domain.OngoingActivity{Ref: ref, ActivityID: activityID})
	m.dbMu.Unlock()
	if err != nil {
		return err
	}

	forwardCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.byRef[ref] == nil {
		m.byRef[ref] = make(map[string]*entry)
	}
	m.byRef[ref][activityID] = &entry{activity: act, autoForward: autoForward, cancel: cancel}
	m.mu.Unlock()

	go m.forward(forwardCtx, ref, activityID, act)
	return nil
}

// forward relays act's emitted events into the owning chart until act's
// Events channel closes or forwardCtx is cancelled by StopActivity.
func (m *Manager) forward(ctx context.Context, ref chartref.Ref, activityID string, act Activity) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-act.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case EventMessage:
				m.enqueue(ctx, ref, evt.Data)
			case EventDone:
				payload, _ := json.Marshal(struct {
					Type string          `json:"type"`
					Data json.RawMessage `json:"data,omitempty"`
				}{Type: "doneInvoke." + activityID, Data: evt.Data})
				m.enqueue(ctx, ref, payload)
				_ = m.StopActivity(context.Background(), ref, activityID)
				return
			case EventError:
				msg, _ := json.Marshal(evt.Err.Error())
				payload, _ := json.Marshal(struct {
					Type string          `json:"type"`
					Data json.RawMessage `json:"data,omitempty"`
				}{Type: "error." + activityID, Data: msg})
				m.enqueue(ctx, ref, payload)
				_ = m.StopActivity(context.Background(), ref, activityID)
				return
			}
		}
	}
}

func (m *Manager) enqueue(ctx context.Context, ref chartref.Ref, event []byte) {
	if m.deferrer == nil {
		m.log.Warn().Str("ref", ref.String()).Msg("activity event dropped, no deferrer wired")
		return
	}
	if _, err := m.deferrer.Defer(ctx, ref, uuid.NewString(), nil, event, 0); err != nil {
		m.log.Error().Err(err).Str("ref", ref.String()).Msg("failed to enqueue activity-forwarded event")
	}
}

// StopActivity stops act, then unregisters it. A deterministic no-op if
// activityID is not present.
func (m *Manager) StopActivity(ctx context.Context, ref chartref.Ref, activityID string) error {
	m.mu.Lock()
	byID := m.byRef[ref]
	var e *entry
	if byID != nil {
		e = byID[activityID]
		delete(byID, activityID)
		if len(byID) == 0 {
			delete(m.byRef, ref)
		}
	}
	m.mu.Unlock()

	if e == nil {
		return nil
	}
	e.cancel()
	if err := e.activity.Stop(ctx); err != nil {
		m.log.Warn().Err(err).Str("ref", ref.String()).Str("activityId", activityID).Msg("activity stop returned an error")
	}

	if err := m.dbMu.Lock(ctx, 2*time.Second); err != nil {
		return fmt.Errorf("activity: unregister db lock: %w", err)
	}
	defer m.dbMu.Unlock()
	return m.st.UnregisterActivity(ctx, ref, activityID)
}

// StopAllForChart stops every activity owned by ref.
func (m *Manager) StopAllForChart(ctx context.Context, ref chartref.Ref) error {
	m.mu.Lock()
	byID := m.byRef[ref]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopActivity(ctx, ref, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every activity registered on this instance, regardless of
// owning chart. Used by StartupManager's dying phase (spec.md §4.3).
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	refs := make([]chartref.Ref, 0, len(m.byRef))
	for ref := range m.byRef {
		refs = append(refs, ref)
	}
	m.mu.Unlock()

	for _, ref := range refs {
		if err := m.StopAllForChart(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

// SendTo looks up ref's activityID and sends event to it.
func (m *Manager) SendTo(ctx context.Context, ref chartref.Ref, activityID string, event []byte) error {
	m.mu.Lock()
	var act Activity
	if byID := m.byRef[ref]; byID != nil {
		if e, ok := byID[activityID]; ok {
			act = e.activity
		}
	}
	m.mu.Unlock()

	if act == nil {
		return fmt.Errorf("activity: %s has no activity %q", ref, activityID)
	}
	var evt evaluator.Event
	if err := json.Unmarshal(event, &evt); err != nil {
		return fmt.Errorf("activity: sendTo: decode event: %w", err)
	}
	return act.Send(ctx, evt)
}

// SendAutoForwardEvent relays event to every autoForward activity of ref.
// Called by ChartExecutor after a successful transition.
func (m *Manager) SendAutoForwardEvent(ctx context.Context, ref chartref.Ref, event evaluator.Event) {
	m.mu.Lock()
	var targets []Activity
	if byID := m.byRef[ref]; byID != nil {
		for _, e := range byID {
			if e.autoForward {
				targets = append(targets, e.activity)
			}
		}
	}
	m.mu.Unlock()

	for _, act := range targets {
		if err := act.Send(ctx, event); err != nil {
			m.log.Warn().Err(err).Str("ref", ref.String()).Msg("auto-forward send failed")
		}
	}
}

// IsRegistered reports whether ref currently has activityID registered
// in-memory (used by executor's "start" dispatch to avoid double-registering
// an activity already present in the rehydrated state, per §4.6.1).
func (m *Manager) IsRegistered(ref chartref.Ref, activityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.byRef[ref]
	if byID == nil {
		return false
	}
	_, ok := byID[activityID]
	return ok
}
