// Package domain holds the persistent and in-memory value types shared by
// every xjog component: instances, charts, deferred events, activities,
// external ids and the journal/state-change records derived from them.
package domain

import (
	"time"

	"github.com/xjog/xjog/internal/chartref"
)

// Instance is one engine process registered against the shared database.
type Instance struct {
	InstanceID string
	StartedAt  time.Time
	Dying      bool
}

// Chart is the persistent state of one running machine instance.
type Chart struct {
	Ref       chartref.Ref
	ParentRef *chartref.Ref
	OwnerID   string
	State     []byte // opaque evaluator snapshot, as encoded by serialization.Serializer
	Paused    bool
}

// EventTargetKind classifies where a DeferredEvent should be delivered.
type EventTargetKind int

const (
	// EventTargetSelf delivers to the chart the event was deferred against.
	EventTargetSelf EventTargetKind = iota
	// EventTargetChart delivers to another named chart.
	EventTargetChart
	// EventTargetActivity delivers to a running activity of the owning chart.
	EventTargetActivity
	// EventTargetParent delivers to the owning chart's parent, if any.
	EventTargetParent
)

// EventTarget is the resolved routing target of a DeferredEvent.
type EventTarget struct {
	Kind       EventTargetKind
	ChartRef   chartref.Ref // valid when Kind == EventTargetChart
	ActivityID string       // valid when Kind == EventTargetActivity
}

// DeferredEvent is a timer-scheduled event awaiting delivery.
type DeferredEvent struct {
	ID        int64
	Ref       chartref.Ref
	EventID   string // idempotency key, JSON-round-trip-preserving opaque value
	EventTo   *EventTarget
	Event     []byte // opaque, serialized payload
	Delay     time.Duration
	CreatedAt time.Time
	Due       time.Time
	Lock      *string // instanceId holding the reservation, or nil
}

// OngoingActivity is a marker row: this chart has a live side effect and
// cannot be gently adopted until the activity is stopped or forcibly wiped.
type OngoingActivity struct {
	Ref        chartref.Ref
	ActivityID string
}

// ExternalID maps an application-defined (key, value) pair to a chart.
type ExternalID struct {
	Key   string
	Value string
	Ref   chartref.Ref
}

// Digest is one business-key fact recorded against a chart (spec.md §6's
// digests table), keyed by (Ref, Key). RecordDigests upserts one row per
// entry of an evaluator.State.Digest map.
type Digest struct {
	Ref       chartref.Ref
	Key       string
	Value     string
	Created   time.Time
	Timestamp time.Time
}

// JournalEntry is one immutable delta record.
type JournalEntry struct {
	ID            int64
	Ref           chartref.Ref
	Timestamp     time.Time
	Event         []byte
	StateDelta    []byte
	ContextDelta  []byte
}

// FullStateEntry is the latest known full snapshot for one chart.
type FullStateEntry struct {
	ID        int64
	Ref       chartref.Ref
	ParentRef *chartref.Ref
	OwnerID   string
	Timestamp time.Time
	Event     []byte
	State     []byte
	Context   []byte
}

// ChangeType classifies a StateChange.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// StateSnapshot bundles a value/context/action-list triple, as observed
// immediately before or after a transition.
type StateSnapshot struct {
	Value   []byte
	Context []byte
	Actions []byte
}

// StateChange is the in-memory broadcast value describing one transition.
type StateChange struct {
	Type      ChangeType
	Ref       chartref.Ref
	ParentRef *chartref.Ref
	Event     []byte
	Old       *StateSnapshot
	New       *StateSnapshot
}
