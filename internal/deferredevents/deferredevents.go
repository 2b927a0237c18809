// Package deferredevents implements the DeferredEventManager (spec.md §4.4):
// a batched-reservation, in-memory timer-backed delivery queue sitting on
// top of the persistent deferred_events table.
package deferredevents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/store"
)

// Delivery is the subset of Engine the manager needs to deliver events to
// chart targets. Engine implements this; the dependency runs manager->engine
// rather than the reverse to keep the manager constructible on its own.
type Delivery interface {
	SendEvent(ctx context.Context, ref chartref.Ref, event []byte, origin *chartref.Ref) error
}

// ActivitySender is the subset of ActivityManager needed to deliver events
// targeted at a running activity.
type ActivitySender interface {
	SendTo(ctx context.Context, owner chartref.Ref, activityID string, event []byte) error
}

// Options configure batch cadence; the zero value uses spec defaults.
type Options struct {
	Interval  time.Duration // regular batch-read cadence
	LookAhead time.Duration // reserve rows due within [now, now+LookAhead]
	BatchSize int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30000 * time.Millisecond
	}
	if o.Interval < 50*time.Millisecond {
		o.Interval = 50 * time.Millisecond
	}
	if o.LookAhead <= 0 {
		o.LookAhead = 30000 * time.Millisecond
	}
	if o.LookAhead < o.Interval {
		o.LookAhead = o.Interval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return o
}

type armedEvent struct {
	rowID int64
	ref   chartref.Ref
	timer *time.Timer
}

// Manager is the DeferredEventManager. Zero value is not usable; construct
// with New.
type Manager struct {
	st     store.PersistenceStore
	selfID string
	opts   Options
	log    zerolog.Logger

	delivery   Delivery
	activities ActivitySender

	mu         sync.Mutex
	armed      map[int64]*armedEvent
	byEventID  map[string]int64
	nextReadAt time.Time
	readTimer  *time.Timer

	stopped bool
}

// New constructs a Manager bound to selfID's reservation lock. Call
// SetDelivery and SetActivities before Start.
func New(st store.PersistenceStore, selfID string, opts Options, log zerolog.Logger) *Manager {
	return &Manager{
		st:        st,
		selfID:    selfID,
		opts:      opts.withDefaults(),
		log:       log.With().Str("component", "deferredevents").Logger(),
		armed:     make(map[int64]*armedEvent),
		byEventID: make(map[string]int64),
	}
}

// SetDelivery wires the chart-event delivery target. Must be called before
// Start.
func (m *Manager) SetDelivery(d Delivery) { m.delivery = d }

// SetActivities wires the activity delivery target. Must be called before
// Start.
func (m *Manager) SetActivities(a ActivitySender) { m.activities = a }

// Start begins the batch-read loop. Called once the engine reaches the
// adopting phase (spec.md §4.8).
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()
	m.rearmReadTimer(ctx, time.Now())
}

// Defer persists evt via InsertDeferredEvent, which computes due, and
// reschedules the next batch read if the new due beats it.
func (m *Manager) Defer(ctx context.Context, ref chartref.Ref, eventID string, eventTo *domain.EventTarget, event []byte, delay time.Duration) (domain.DeferredEvent, error) {
	evt, err := m.st.InsertDeferredEvent(ctx, domain.DeferredEvent{
		Ref:     ref,
		EventID: eventID,
		EventTo: eventTo,
		Event:   event,
		Delay:   delay,
	})
	if err != nil {
		return domain.DeferredEvent{}, err
	}

	m.mu.Lock()
	beatsNext := m.nextReadAt.IsZero() || evt.Due.Before(m.nextReadAt)
	m.mu.Unlock()
	if beatsNext {
		m.rearmReadTimer(ctx, evt.Due)
	}
	return evt, nil
}

// scheduleUpcoming reserves a batch of due rows and arms an in-memory timer
// for each, per spec.md §4.4.
func (m *Manager) scheduleUpcoming(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	now := time.Now()
	batch, err := m.st.ReadDeferredEventRowBatch(ctx, m.selfID, now, m.opts.LookAhead, m.opts.BatchSize)
	if err != nil {
		m.log.Error().Err(err).Msg("scheduleUpcoming: batch reservation failed")
		m.rearmReadTimer(ctx, now.Add(m.opts.Interval))
		return
	}

	m.mu.Lock()
	for _, evt := range batch {
		m.armLocked(ctx, evt)
	}
	m.mu.Unlock()

	if len(batch) == m.opts.BatchSize {
		// likely more due soon: reread right after the last one fires
		m.rearmReadTimer(ctx, batch[len(batch)-1].Due)
	} else {
		m.rearmReadTimer(ctx, now.Add(m.opts.Interval))
	}
}

// armLocked must be called with m.mu held.
func (m *Manager) armLocked(ctx context.Context, evt domain.DeferredEvent) {
	if _, exists := m.armed[evt.ID]; exists {
		return
	}
	wait := time.Until(evt.Due)
	if wait < 0 {
		wait = 0
	}
	ae := &armedEvent{rowID: evt.ID, ref: evt.Ref}
	ae.timer = time.AfterFunc(wait, func() { m.fire(ctx, evt) })
	m.armed[evt.ID] = ae
	m.byEventID[evt.EventID] = evt.ID
}

// fire delivers evt exactly once and deletes its row, per the invariant in
// spec.md §4.4.
func (m *Manager) fire(ctx context.Context, evt domain.DeferredEvent) {
	m.mu.Lock()
	if _, ok := m.armed[evt.ID]; !ok {
		m.mu.Unlock()
		return // cancelled concurrently
	}
	delete(m.armed, evt.ID)
	delete(m.byEventID, evt.EventID)
	m.mu.Unlock()

	if err := m.deliver(ctx, evt); err != nil {
		m.log.Error().Err(err).Str("ref", evt.Ref.String()).Msg("deferred event delivery failed")
	}
	if err := m.st.DeleteDeferredEvent(ctx, evt.ID); err != nil {
		m.log.Error().Err(err).Int64("id", evt.ID).Msg("deferred event delete failed after delivery")
	}
}

func (m *Manager) deliver(ctx context.Context, evt domain.DeferredEvent) error {
	target := evt.EventTo
	if target == nil {
		return m.delivery.SendEvent(ctx, evt.Ref, evt.Event, &evt.Ref)
	}
	switch target.Kind {
	case domain.EventTargetSelf:
		return m.delivery.SendEvent(ctx, evt.Ref, evt.Event, &evt.Ref)
	case domain.EventTargetChart:
		return m.delivery.SendEvent(ctx, target.ChartRef, evt.Event, &evt.Ref)
	case domain.EventTargetActivity:
		if m.activities == nil {
			return fmt.Errorf("deferredevents: no activity sender wired for %s", evt.Ref)
		}
		return m.activities.SendTo(ctx, evt.Ref, target.ActivityID, evt.Event)
	case domain.EventTargetParent:
		chart, err := m.st.ReadChart(ctx, evt.Ref)
		if err != nil {
			return err
		}
		if chart.ParentRef == nil {
			return nil // parent gone; drop silently, matches an unreachable target
		}
		return m.delivery.SendEvent(ctx, *chart.ParentRef, evt.Event, &evt.Ref)
	default:
		return fmt.Errorf("deferredevents: unknown event target kind %d", target.Kind)
	}
}

// Cancel stops the in-memory timer for eventID and deletes its row when this
// Manager has that event armed. An event whose row has not yet been reserved
// by a batch read is not known here; Cancel returns nil and leaves that row
// in place. Calling Cancel again for the same eventID returns nil.
func (m *Manager) Cancel(ctx context.Context, eventID string) error {
	m.mu.Lock()
	rowID, ok := m.byEventID[eventID]
	if ok {
		if ae, exists := m.armed[rowID]; exists {
			ae.timer.Stop()
			delete(m.armed, rowID)
		}
		delete(m.byEventID, eventID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.st.DeleteDeferredEvent(ctx, rowID)
}

// CancelAllForChart cancels every scheduled event whose ref matches.
func (m *Manager) CancelAllForChart(ctx context.Context, ref chartref.Ref) error {
	m.mu.Lock()
	var toDelete []int64
	for id, ae := range m.armed {
		if ae.ref == ref {
			ae.timer.Stop()
			delete(m.armed, id)
			toDelete = append(toDelete, id)
		}
	}
	for eid, id := range m.byEventID {
		for _, d := range toDelete {
			if id == d {
				delete(m.byEventID, eid)
			}
		}
	}
	m.mu.Unlock()

	return m.st.DeleteAllDeferredEvents(ctx, ref)
}

// ReleaseAll cancels every armed timer, clears the in-memory list, and
// releases this instance's reservation locks so another instance may claim
// them. Called on shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	for _, ae := range m.armed {
		ae.timer.Stop()
	}
	m.armed = make(map[int64]*armedEvent)
	m.byEventID = make(map[string]int64)
	if m.readTimer != nil {
		m.readTimer.Stop()
	}
	m.mu.Unlock()

	return m.st.UnmarkAllDeferredEventsForProcessing(ctx, m.selfID)
}

func (m *Manager) rearmReadTimer(ctx context.Context, at time.Time) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.readTimer != nil {
		m.readTimer.Stop()
	}
	m.nextReadAt = at
	wait := time.Until(at)
	if wait < 0 {
		wait = 0
	}
	m.readTimer = time.AfterFunc(wait, func() { m.scheduleUpcoming(ctx) })
	m.mu.Unlock()
}
