package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/store"
)

func (s *Store) Record(ctx context.Context, ownerID string, ref chartref.Ref, parentRef *chartref.Ref,
	event []byte, oldValue, oldContext, newValue, newContext []byte) (int64, error) {

	stateDelta, err := s.patcher.Diff(oldValue, newValue)
	if err != nil {
		return 0, err
	}
	contextDelta, err := s.patcher.Diff(oldContext, newContext)
	if err != nil {
		return 0, err
	}

	var newID int64
	err = s.WithTransaction(ctx, func(ctx context.Context, txv store.Tx) error {
		tx := txv.(*sql.Tx)
		now := time.Now().UnixMilli()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO journal_entries (machine_id, chart_id, timestamp, event, state_delta, context_delta)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ref.MachineID, ref.ChartID, now, event, []byte(stateDelta), []byte(contextDelta))
		if err != nil {
			return err
		}
		newID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		var pm, pc interface{}
		if parentRef != nil {
			pm, pc = parentRef.MachineID, parentRef.ChartID
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO full_journal_states (id, machine_id, chart_id, parent_machine_id, parent_chart_id, owner_id, timestamp, event, state, context)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (machine_id, chart_id) DO UPDATE SET
				id = excluded.id, parent_machine_id = excluded.parent_machine_id, parent_chart_id = excluded.parent_chart_id,
				owner_id = excluded.owner_id, timestamp = excluded.timestamp, event = excluded.event,
				state = excluded.state, context = excluded.context
			WHERE excluded.id > full_journal_states.id`,
			newID, ref.MachineID, ref.ChartID, pm, pc, ownerID, now, event, newValue, newContext)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.bc.Notify()
	return newID, nil
}

func (s *Store) ReadEntry(ctx context.Context, id int64) (domain.JournalEntry, error) {
	var e domain.JournalEntry
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, machine_id, chart_id, timestamp, event, state_delta, context_delta
		FROM journal_entries WHERE id = ?`, id).
		Scan(&e.ID, &e.Ref.MachineID, &e.Ref.ChartID, &ts, &e.Event, &e.StateDelta, &e.ContextDelta)
	if err == sql.ErrNoRows {
		return domain.JournalEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.JournalEntry{}, err
	}
	e.Timestamp = time.UnixMilli(ts)
	return e, nil
}

func (s *Store) QueryEntries(ctx context.Context, filter store.EntryFilter) ([]domain.JournalEntry, error) {
	q, args := buildEntryQuery(
		"SELECT id, machine_id, chart_id, timestamp, event, state_delta, context_delta FROM journal_entries",
		filter)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Ref.MachineID, &e.Ref.ChartID, &ts, &e.Event, &e.StateDelta, &e.ContextDelta); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ReadFullState(ctx context.Context, ref chartref.Ref) (domain.FullStateEntry, error) {
	var f domain.FullStateEntry
	var pm, pc sql.NullString
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, machine_id, chart_id, parent_machine_id, parent_chart_id, owner_id, timestamp, event, state, context
		FROM full_journal_states WHERE machine_id = ? AND chart_id = ?`, ref.MachineID, ref.ChartID).
		Scan(&f.ID, &f.Ref.MachineID, &f.Ref.ChartID, &pm, &pc, &f.OwnerID, &ts, &f.Event, &f.State, &f.Context)
	if err == sql.ErrNoRows {
		return domain.FullStateEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.FullStateEntry{}, err
	}
	f.Timestamp = time.UnixMilli(ts)
	if pm.Valid && pc.Valid {
		p := chartref.New(pm.String, pc.String)
		f.ParentRef = &p
	}
	return f, nil
}

func (s *Store) QueryFullStates(ctx context.Context, filter store.EntryFilter) ([]domain.FullStateEntry, error) {
	q, args := buildEntryQuery(
		"SELECT id, machine_id, chart_id, parent_machine_id, parent_chart_id, owner_id, timestamp, event, state, context FROM full_journal_states",
		filter)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FullStateEntry
	for rows.Next() {
		var f domain.FullStateEntry
		var pm, pc sql.NullString
		var ts int64
		if err := rows.Scan(&f.ID, &f.Ref.MachineID, &f.Ref.ChartID, &pm, &pc, &f.OwnerID, &ts, &f.Event, &f.State, &f.Context); err != nil {
			return nil, err
		}
		f.Timestamp = time.UnixMilli(ts)
		if pm.Valid && pc.Valid {
			p := chartref.New(pm.String, pc.String)
			f.ParentRef = &p
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ReadMergedJournalEntry reconstructs the chart's state as of entry id by
// walking every entry newer than id, applying its stateDelta/contextDelta
// (backwards, new->old) starting from the current full state.
func (s *Store) ReadMergedJournalEntry(ctx context.Context, ref chartref.Ref, id int64) (domain.FullStateEntry, error) {
	full, err := s.ReadFullState(ctx, ref)
	if err != nil {
		return domain.FullStateEntry{}, err
	}
	if full.ID <= id {
		return full, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state_delta, context_delta FROM journal_entries
		WHERE machine_id = ? AND chart_id = ? AND id > ?
		ORDER BY id DESC`, ref.MachineID, ref.ChartID, id)
	if err != nil {
		return domain.FullStateEntry{}, err
	}
	defer rows.Close()

	state, context := full.State, full.Context
	for rows.Next() {
		var entryID int64
		var stateDelta, contextDelta []byte
		if err := rows.Scan(&entryID, &stateDelta, &contextDelta); err != nil {
			return domain.FullStateEntry{}, err
		}
		state, err = s.patcher.Apply(state, stateDelta)
		if err != nil {
			return domain.FullStateEntry{}, err
		}
		context, err = s.patcher.Apply(context, contextDelta)
		if err != nil {
			return domain.FullStateEntry{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return domain.FullStateEntry{}, err
	}
	full.ID = id
	full.State = state
	full.Context = context
	return full, nil
}

// RecordDigests upserts one digests row per (key, value) pair (spec.md §6),
// run as the digest writer update hook after the journal writer and before
// user hooks.
func (s *Store) RecordDigests(ctx context.Context, ref chartref.Ref, digest map[string]string) error {
	if len(digest) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	err := s.WithTransaction(ctx, func(ctx context.Context, txv store.Tx) error {
		tx := txv.(*sql.Tx)
		for key, value := range digest {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO digests (created, timestamp, machine_id, chart_id, key, value)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (machine_id, chart_id, key) DO UPDATE SET
					timestamp = excluded.timestamp, value = excluded.value`,
				now, now, ref.MachineID, ref.ChartID, key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	// sqlite has no LISTEN/NOTIFY; Fire is the only delivery path.
	s.digestCB.Fire(ref)
	return nil
}

// buildSubjects assembles one store.Subject per chart known to the journal,
// joining full_journal_states with external_ids and digests. Filter trees
// are evaluated over the result in Go rather than compiled to SQL (see
// store.Eval's doc comment).
func (s *Store) buildSubjects(ctx context.Context) ([]store.Subject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.machine_id, f.chart_id, f.state, f.timestamp,
			COALESCE((SELECT MIN(timestamp) FROM journal_entries j
				WHERE j.machine_id = f.machine_id AND j.chart_id = f.chart_id), f.timestamp)
		FROM full_journal_states f`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []store.Subject
	for rows.Next() {
		var subj store.Subject
		var updated, created int64
		if err := rows.Scan(&subj.MachineID, &subj.ChartID, &subj.State, &updated, &created); err != nil {
			return nil, err
		}
		subj.Updated = time.UnixMilli(updated)
		subj.Created = time.UnixMilli(created)
		subjects = append(subjects, subj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range subjects {
		ref := chartref.New(subjects[i].MachineID, subjects[i].ChartID)
		extIDs, err := s.externalIDsFor(ctx, ref)
		if err != nil {
			return nil, err
		}
		subjects[i].ExternalIDs = extIDs
		digests, err := s.digestValuesFor(ctx, ref)
		if err != nil {
			return nil, err
		}
		subjects[i].DigestValues = digests
	}
	return subjects, nil
}

func (s *Store) externalIDsFor(ctx context.Context, ref chartref.Ref) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM external_ids WHERE machine_id = ? AND chart_id = ?`,
		ref.MachineID, ref.ChartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = append(out[key], value)
	}
	return out, rows.Err()
}

func (s *Store) digestValuesFor(ctx context.Context, ref chartref.Ref) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM digests WHERE machine_id = ? AND chart_id = ?`,
		ref.MachineID, ref.ChartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *Store) QueryCharts(ctx context.Context, filter store.ChartFilter) ([]chartref.Ref, error) {
	subjects, err := s.buildSubjects(ctx)
	if err != nil {
		return nil, err
	}
	var out []chartref.Ref
	for _, subj := range subjects {
		if store.Eval(filter, subj) {
			out = append(out, chartref.New(subj.MachineID, subj.ChartID))
		}
	}
	return out, nil
}

func (s *Store) QueryDigests(ctx context.Context, filter store.Predicate) ([]domain.Digest, error) {
	subjects, err := s.buildSubjects(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Digest
	for _, subj := range subjects {
		if len(subj.DigestValues) == 0 || !store.Eval(filter, subj) {
			continue
		}
		ref := chartref.New(subj.MachineID, subj.ChartID)
		rows, err := s.db.QueryContext(ctx, `SELECT key, value, created, timestamp FROM digests WHERE machine_id = ? AND chart_id = ?`,
			ref.MachineID, ref.ChartID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var d domain.Digest
			var created, ts int64
			d.Ref = ref
			if err := rows.Scan(&d.Key, &d.Value, &created, &ts); err != nil {
				rows.Close()
				return nil, err
			}
			d.Created = time.UnixMilli(created)
			d.Timestamp = time.UnixMilli(ts)
			out = append(out, d)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (s *Store) OnNewDigestEntry(ctx context.Context, cb func(ref chartref.Ref)) (func(), error) {
	return s.digestCB.Register(cb), nil
}

func (s *Store) NewJournalEntries(ctx context.Context, filter store.EntryFilter) (store.Subscription[domain.JournalEntry], error) {
	wake := s.bc.Subscribe()
	startAfter := int64(0)
	if filter.After != nil {
		startAfter = *filter.After
	}
	sub := store.NewPollingSubscription(ctx, wake, 2*time.Second, startAfter,
		func(e domain.JournalEntry) int64 { return e.ID },
		func(ctx context.Context, afterID int64) ([]domain.JournalEntry, error) {
			f := filter
			f.After = &afterID
			f.OrderDescending = false
			return s.QueryEntries(ctx, f)
		})
	return unsubscribeWrapper[domain.JournalEntry]{sub, s.bc, wake}, nil
}

func (s *Store) NewFullStateEntries(ctx context.Context, filter store.EntryFilter) (store.Subscription[domain.FullStateEntry], error) {
	wake := s.bc.Subscribe()
	startAfter := int64(0)
	if filter.After != nil {
		startAfter = *filter.After
	}
	sub := store.NewPollingSubscription(ctx, wake, 2*time.Second, startAfter,
		func(f domain.FullStateEntry) int64 { return f.ID },
		func(ctx context.Context, afterID int64) ([]domain.FullStateEntry, error) {
			f := filter
			f.After = &afterID
			f.OrderDescending = false
			return s.QueryFullStates(ctx, f)
		})
	return unsubscribeWrapper[domain.FullStateEntry]{sub, s.bc, wake}, nil
}

// unsubscribeWrapper releases the broadcaster's wake channel when the caller
// unsubscribes, in addition to cancelling the polling goroutine.
type unsubscribeWrapper[T any] struct {
	store.Subscription[T]
	bc   *store.Broadcaster
	wake chan struct{}
}

func (u unsubscribeWrapper[T]) Unsubscribe() {
	u.Subscription.Unsubscribe()
	u.bc.Unsubscribe(u.wake)
}

func buildEntryQuery(base string, f store.EntryFilter) (string, []interface{}) {
	q := base + " WHERE 1=1"
	var args []interface{}
	// journal_entries carries no parent columns per spec.md §6; only
	// full_journal_states does, so the ParentRef filter only applies there.
	hasParentColumns := strings.Contains(base, "full_journal_states")
	if f.Ref != nil {
		q += " AND machine_id = ? AND chart_id = ?"
		args = append(args, f.Ref.MachineID, f.Ref.ChartID)
	}
	if f.ParentRef != nil && hasParentColumns {
		q += " AND parent_machine_id = ? AND parent_chart_id = ?"
		args = append(args, f.ParentRef.MachineID, f.ParentRef.ChartID)
	}
	if f.MachineID != "" {
		q += " AND machine_id = ?"
		args = append(args, f.MachineID)
	}
	if f.After != nil {
		q += " AND id > ?"
		args = append(args, *f.After)
	}
	if f.AfterAndIncluding != nil {
		q += " AND id >= ?"
		args = append(args, *f.AfterAndIncluding)
	}
	if f.Before != nil {
		q += " AND id < ?"
		args = append(args, *f.Before)
	}
	if f.BeforeAndIncluding != nil {
		q += " AND id <= ?"
		args = append(args, *f.BeforeAndIncluding)
	}
	if f.TimeAfter != nil {
		q += " AND timestamp > ?"
		args = append(args, f.TimeAfter.UnixMilli())
	}
	if f.TimeBefore != nil {
		q += " AND timestamp < ?"
		args = append(args, f.TimeBefore.UnixMilli())
	}
	if f.OrderDescending {
		q += " ORDER BY id DESC"
	} else {
		q += " ORDER BY id ASC"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, f.Offset)
	}
	return q, args
}
