// Package store declares the transactional persistence contracts xjog runs
// on top of (spec.md §4.1, §4.2, §6). Concrete backends live in the
// postgres and sqlite subpackages; both implement PersistenceStore and
// JournalStore against the schema in spec.md §6.
package store

import (
	"context"
	"time"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
)

// Tx is an in-flight transaction handle passed to the function given to
// PersistenceStore.WithTransaction. Nested calls must not share a Tx.
type Tx interface{}

// PersistenceStore is the transactional store for instances, charts,
// deferred events, activity registrations and external ids (§4.1).
type PersistenceStore interface {
	// WithTransaction runs fn within a single transaction. Any error
	// returned by fn aborts the transaction and propagates to the caller.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// OverthrowOtherInstances marks every existing instance dying, pauses
	// every chart, and inserts a fresh, non-dying row for selfID, all in
	// one transaction.
	OverthrowOtherInstances(ctx context.Context, selfID string) error

	// GentlyAdoptCharts adopts every paused chart with no ongoing activity.
	// Idempotent: re-running re-evaluates the idle criteria.
	GentlyAdoptCharts(ctx context.Context, selfID string) ([]chartref.Ref, error)

	// ForciblyAdoptCharts deletes ongoingActivities rows for paused charts
	// and adopts every remaining paused chart, in one transaction.
	ForciblyAdoptCharts(ctx context.Context, selfID string) ([]chartref.Ref, error)

	CountPausedCharts(ctx context.Context) (int, error)
	CountOwnCharts(ctx context.Context, selfID string) (int, error)
	CountAliveInstances(ctx context.Context) (int, error)

	InsertInstance(ctx context.Context, inst domain.Instance) error
	DeleteInstance(ctx context.Context, instanceID string) error
	// ListInstances returns every instance row, alive or dying, for
	// operator inspection.
	ListInstances(ctx context.Context) ([]domain.Instance, error)

	InsertChart(ctx context.Context, c domain.Chart) error
	ReadChart(ctx context.Context, ref chartref.Ref) (domain.Chart, error)
	UpdateChartState(ctx context.Context, ref chartref.Ref, state []byte) error
	DeleteChart(ctx context.Context, ref chartref.Ref) error
	// DestroyChart deletes the chart row together with every deferred
	// event and external id referencing it, in one transaction (§4.6
	// ChartExecutor.destroy).
	DestroyChart(ctx context.Context, ref chartref.Ref) error

	// OnDeathNote invokes cb once this instance's Dying flag becomes true.
	// Implementations may poll or use a native notification channel; the
	// contract is best-effort within a bounded interval. The returned
	// cancel func stops the subscription.
	OnDeathNote(ctx context.Context, selfID string, cb func()) (cancel func(), err error)

	InsertDeferredEvent(ctx context.Context, evt domain.DeferredEvent) (domain.DeferredEvent, error)
	// ReadDeferredEventRowBatch atomically reserves up to batchSize rows
	// due before `now.Add(lookAhead)` with no lock, marking them locked by
	// selfID.
	ReadDeferredEventRowBatch(ctx context.Context, selfID string, now time.Time, lookAhead time.Duration, batchSize int) ([]domain.DeferredEvent, error)
	ReleaseDeferredEvent(ctx context.Context, id int64) error
	DeleteDeferredEvent(ctx context.Context, id int64) error
	DeleteAllDeferredEvents(ctx context.Context, ref chartref.Ref) error
	// UnmarkAllDeferredEventsForProcessing releases every lock held by
	// selfID, used on shutdown so other instances may claim the rows.
	UnmarkAllDeferredEventsForProcessing(ctx context.Context, selfID string) error

	RegisterActivity(ctx context.Context, a domain.OngoingActivity) error
	UnregisterActivity(ctx context.Context, ref chartref.Ref, activityID string) error
	IsActivityRegistered(ctx context.Context, ref chartref.Ref, activityID string) (bool, error)

	RegisterExternalID(ctx context.Context, id domain.ExternalID) error
	DropExternalID(ctx context.Context, key, value string) error
	GetChartByExternalIdentifier(ctx context.Context, key, value string) (chartref.Ref, error)

	Close() error
}

// EntryFilter composes bounds for querying journal entries / full states.
type EntryFilter struct {
	Ref                 *chartref.Ref
	ParentRef           *chartref.Ref
	MachineID           string
	After               *int64
	AfterAndIncluding   *int64
	Before              *int64
	BeforeAndIncluding  *int64
	TimeAfter           *time.Time
	TimeBefore          *time.Time
	Limit               int
	Offset              int
	OrderDescending     bool
}

// JournalStore is the append-only delta log plus latest-snapshot table
// (§4.2).
type JournalStore interface {
	// Record computes stateDelta/contextDelta (new->old direction, §3),
	// inserts a journal entry, upserts the full-state snapshot guarded by
	// id monotonicity, and notifies subscribers. Returns the new entry id.
	Record(ctx context.Context, ownerID string, ref chartref.Ref, parentRef *chartref.Ref,
		event []byte, oldValue, oldContext, newValue, newContext []byte) (int64, error)

	ReadEntry(ctx context.Context, id int64) (domain.JournalEntry, error)
	QueryEntries(ctx context.Context, filter EntryFilter) ([]domain.JournalEntry, error)
	ReadFullState(ctx context.Context, ref chartref.Ref) (domain.FullStateEntry, error)
	QueryFullStates(ctx context.Context, filter EntryFilter) ([]domain.FullStateEntry, error)

	// ReadMergedJournalEntry reconstructs the full state as it was at the
	// moment journal entry id was recorded, by applying deltas newest-down
	// to id against the chart's current full state.
	ReadMergedJournalEntry(ctx context.Context, ref chartref.Ref, id int64) (domain.FullStateEntry, error)

	// NewJournalEntries and NewFullStateEntries subscribe to inserts.
	// Each delivers entries strictly greater than the subscription's own
	// high-water mark, in id order, with no duplicates. Filter may be zero.
	NewJournalEntries(ctx context.Context, filter EntryFilter) (Subscription[domain.JournalEntry], error)
	NewFullStateEntries(ctx context.Context, filter EntryFilter) (Subscription[domain.FullStateEntry], error)

	// RecordDigests upserts one row per (key, value) pair against ref's
	// digests table entry (spec.md §6), overwriting any prior value for the
	// same key, and fires the new-digest-entry notification. A nil or empty
	// digest is a no-op.
	RecordDigests(ctx context.Context, ref chartref.Ref, digest map[string]string) error
	// QueryDigests evaluates filter (spec.md §6's "Event query filters",
	// against digest keys and chart metadata) over every chart with at
	// least one digest entry.
	QueryDigests(ctx context.Context, filter Predicate) ([]domain.Digest, error)
	// QueryCharts evaluates filter (spec.md §6's "Delta query ChartFilter")
	// over every chart known to the journal, returning the matching refs.
	QueryCharts(ctx context.Context, filter ChartFilter) ([]chartref.Ref, error)
	// OnNewDigestEntry invokes cb, best-effort, whenever any chart's digest
	// changes. Digests have no monotonic id column, so unlike
	// NewJournalEntries/NewFullStateEntries this is a callback subscription
	// with no backlog replay, mirroring PersistenceStore.OnDeathNote.
	OnNewDigestEntry(ctx context.Context, cb func(ref chartref.Ref)) (cancel func(), err error)

	Close() error
}

// Subscription is a language-neutral observable (spec.md §9): C delivers
// values in order; Err delivers a terminal error if the underlying listener
// connection fails; Unsubscribe detaches and stops further deliveries.
type Subscription[T any] interface {
	C() <-chan T
	Err() <-chan error
	Unsubscribe()
}
