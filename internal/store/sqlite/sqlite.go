// Package sqlite implements store.PersistenceStore and store.JournalStore
// against modernc.org/sqlite, the teacher's own pure-Go SQLite driver. It is
// the default backend for tests and single-process deployments (SPEC_FULL.md
// "Test tooling").
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/patch"
	"github.com/xjog/xjog/internal/store"
)

// Store implements store.PersistenceStore and store.JournalStore over a
// single *sql.DB. Both interfaces are satisfied by the same type because
// SQLite has no separate connection-pool concerns to segregate them by, in
// contrast to the postgres backend.
type Store struct {
	db       *sql.DB
	patcher  patch.Patcher
	bc       *store.Broadcaster
	digestCB *store.RefCallbackRegistry
}

// Open creates (if needed) the schema at dsn and returns a ready Store.
// dsn is passed straight to database/sql, e.g. "file:/tmp/xjog.db" or
// ":memory:".
func Open(dsn string, patcher patch.Patcher) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db, patcher: patcher, bc: store.NewBroadcaster(), digestCB: store.NewRefCallbackRegistry()}, nil
}

func (s *Store) Close() error {
	s.bc.Close()
	return s.db.Close()
}

func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransaction, err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransaction, err)
	}
	return nil
}

func (s *Store) OverthrowOtherInstances(ctx context.Context, selfID string) error {
	return s.WithTransaction(ctx, func(ctx context.Context, txv store.Tx) error {
		tx := txv.(*sql.Tx)
		if _, err := tx.ExecContext(ctx, `UPDATE instances SET dying = 1`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE charts SET paused = 1`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO instances (instance_id, started_at, dying) VALUES (?, ?, 0)
			 ON CONFLICT(instance_id) DO UPDATE SET started_at = excluded.started_at, dying = 0`,
			selfID, time.Now().UnixMilli())
		return err
	})
}

func (s *Store) GentlyAdoptCharts(ctx context.Context, selfID string) ([]chartref.Ref, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.machine_id, c.chart_id FROM charts c
		WHERE c.paused = 1
		AND NOT EXISTS (
			SELECT 1 FROM ongoing_activities oa
			WHERE oa.machine_id = c.machine_id AND oa.chart_id = c.chart_id
		)`)
	if err != nil {
		return nil, err
	}
	refs, err := scanRefs(rows)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return refs, s.adoptRefs(ctx, selfID, refs)
}

func (s *Store) ForciblyAdoptCharts(ctx context.Context, selfID string) ([]chartref.Ref, error) {
	var refs []chartref.Ref
	err := s.WithTransaction(ctx, func(ctx context.Context, txv store.Tx) error {
		tx := txv.(*sql.Tx)
		rows, err := tx.QueryContext(ctx, `SELECT machine_id, chart_id FROM charts WHERE paused = 1`)
		if err != nil {
			return err
		}
		refs, err = scanRefs(rows)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM ongoing_activities WHERE (machine_id, chart_id) IN (
				SELECT machine_id, chart_id FROM charts WHERE paused = 1
			)`); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE charts SET paused = 0, owner_id = ? WHERE paused = 1`, selfID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *Store) adoptRefs(ctx context.Context, selfID string, refs []chartref.Ref) error {
	return s.WithTransaction(ctx, func(ctx context.Context, txv store.Tx) error {
		tx := txv.(*sql.Tx)
		stmt, err := tx.PrepareContext(ctx, `UPDATE charts SET owner_id = ?, paused = 0 WHERE machine_id = ? AND chart_id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range refs {
			if _, err := stmt.ExecContext(ctx, selfID, r.MachineID, r.ChartID); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanRefs(rows *sql.Rows) ([]chartref.Ref, error) {
	defer rows.Close()
	var refs []chartref.Ref
	for rows.Next() {
		var r chartref.Ref
		if err := rows.Scan(&r.MachineID, &r.ChartID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *Store) CountPausedCharts(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM charts WHERE paused = 1`)
}

func (s *Store) CountOwnCharts(ctx context.Context, selfID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM charts WHERE owner_id = ?`, selfID).Scan(&n)
	return n, err
}

func (s *Store) CountAliveInstances(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM instances WHERE dying = 0`)
}

func (s *Store) count(ctx context.Context, q string, args ...interface{}) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (s *Store) InsertInstance(ctx context.Context, inst domain.Instance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (instance_id, started_at, dying) VALUES (?, ?, ?)`,
		inst.InstanceID, inst.StartedAt.UnixMilli(), boolToInt(inst.Dying))
	return wrapConflict(err)
}

func (s *Store) DeleteInstance(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE instance_id = ?`, instanceID)
	return checkAffected(res, err)
}

func (s *Store) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id, started_at, dying FROM instances ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Instance
	for rows.Next() {
		var inst domain.Instance
		var startedAt int64
		var dying int
		if err := rows.Scan(&inst.InstanceID, &startedAt, &dying); err != nil {
			return nil, err
		}
		inst.StartedAt = time.UnixMilli(startedAt)
		inst.Dying = dying != 0
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) InsertChart(ctx context.Context, c domain.Chart) error {
	var pm, pc interface{}
	if c.ParentRef != nil {
		pm, pc = c.ParentRef.MachineID, c.ParentRef.ChartID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO charts (machine_id, chart_id, owner_id, parent_machine_id, parent_chart_id, state, paused)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Ref.MachineID, c.Ref.ChartID, c.OwnerID, pm, pc, c.State, boolToInt(c.Paused))
	return wrapConflict(err)
}

func (s *Store) ReadChart(ctx context.Context, ref chartref.Ref) (domain.Chart, error) {
	var c domain.Chart
	var pm, pc sql.NullString
	var paused int
	err := s.db.QueryRowContext(ctx, `
		SELECT machine_id, chart_id, owner_id, parent_machine_id, parent_chart_id, state, paused
		FROM charts WHERE machine_id = ? AND chart_id = ?`, ref.MachineID, ref.ChartID).
		Scan(&c.Ref.MachineID, &c.Ref.ChartID, &c.OwnerID, &pm, &pc, &c.State, &paused)
	if err == sql.ErrNoRows {
		return domain.Chart{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Chart{}, err
	}
	c.Paused = paused != 0
	if pm.Valid && pc.Valid {
		p := chartref.New(pm.String, pc.String)
		c.ParentRef = &p
	}
	return c, nil
}

func (s *Store) UpdateChartState(ctx context.Context, ref chartref.Ref, state []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE charts SET state = ? WHERE machine_id = ? AND chart_id = ?`,
		state, ref.MachineID, ref.ChartID)
	return checkAffected(res, err)
}

func (s *Store) DeleteChart(ctx context.Context, ref chartref.Ref) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM charts WHERE machine_id = ? AND chart_id = ?`, ref.MachineID, ref.ChartID)
	return checkAffected(res, err)
}

func (s *Store) DestroyChart(ctx context.Context, ref chartref.Ref) error {
	return s.WithTransaction(ctx, func(ctx context.Context, txv store.Tx) error {
		tx := txv.(*sql.Tx)
		res, err := tx.ExecContext(ctx, `DELETE FROM charts WHERE machine_id = ? AND chart_id = ?`, ref.MachineID, ref.ChartID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM deferred_events WHERE machine_id = ? AND chart_id = ?`, ref.MachineID, ref.ChartID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ongoing_activities WHERE machine_id = ? AND chart_id = ?`, ref.MachineID, ref.ChartID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM external_ids WHERE machine_id = ? AND chart_id = ?`, ref.MachineID, ref.ChartID)
		return err
	})
}

func (s *Store) OnDeathNote(ctx context.Context, selfID string, cb func()) (func(), error) {
	pollCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				var dying int
				err := s.db.QueryRowContext(pollCtx, `SELECT dying FROM instances WHERE instance_id = ?`, selfID).Scan(&dying)
				if err == nil && dying != 0 {
					cb()
					return
				}
			}
		}
	}()
	return cancel, nil
}

func (s *Store) InsertDeferredEvent(ctx context.Context, evt domain.DeferredEvent) (domain.DeferredEvent, error) {
	now := time.Now()
	due := now.Add(evt.Delay)
	eventTo, err := encodeEventTarget(evt.EventTo)
	if err != nil {
		return domain.DeferredEvent{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deferred_events (machine_id, chart_id, event_id, event_to, event, created_at, delay_ms, due, lock_owner)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		evt.Ref.MachineID, evt.Ref.ChartID, evt.EventID, eventTo, evt.Event,
		now.UnixMilli(), evt.Delay.Milliseconds(), due.UnixMilli())
	if err != nil {
		return domain.DeferredEvent{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.DeferredEvent{}, err
	}
	evt.ID = id
	evt.CreatedAt = now
	evt.Due = due
	s.bc.Notify()
	return evt, nil
}

func (s *Store) ReadDeferredEventRowBatch(ctx context.Context, selfID string, now time.Time, lookAhead time.Duration, batchSize int) ([]domain.DeferredEvent, error) {
	var out []domain.DeferredEvent
	err := s.WithTransaction(ctx, func(ctx context.Context, txv store.Tx) error {
		tx := txv.(*sql.Tx)
		cutoff := now.Add(lookAhead).UnixMilli()
		rows, err := tx.QueryContext(ctx, `
			SELECT id, machine_id, chart_id, event_id, event_to, event, created_at, delay_ms, due
			FROM deferred_events
			WHERE due < ? AND lock_owner IS NULL
			ORDER BY due ASC, id ASC
			LIMIT ?`, cutoff, batchSize)
		if err != nil {
			return err
		}
		ids := []int64{}
		for rows.Next() {
			var e domain.DeferredEvent
			var eventTo sql.NullString
			var createdAt, due, delayMs int64
			if err := rows.Scan(&e.ID, &e.Ref.MachineID, &e.Ref.ChartID, &e.EventID, &eventTo, &e.Event, &createdAt, &delayMs, &due); err != nil {
				rows.Close()
				return err
			}
			e.CreatedAt = time.UnixMilli(createdAt)
			e.Due = time.UnixMilli(due)
			e.Delay = time.Duration(delayMs) * time.Millisecond
			if eventTo.Valid {
				t, err := decodeEventTarget(eventTo.String)
				if err != nil {
					rows.Close()
					return err
				}
				e.EventTo = t
			}
			out = append(out, e)
			ids = append(ids, e.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `UPDATE deferred_events SET lock_owner = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, selfID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Lock = &selfID
	}
	return out, nil
}

func (s *Store) ReleaseDeferredEvent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deferred_events SET lock_owner = NULL WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteDeferredEvent(ctx context.Context, id int64) error {
	// Idempotent: deleting an already-deleted row is a no-op, not an error (§8.4).
	_, err := s.db.ExecContext(ctx, `DELETE FROM deferred_events WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteAllDeferredEvents(ctx context.Context, ref chartref.Ref) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deferred_events WHERE machine_id = ? AND chart_id = ?`, ref.MachineID, ref.ChartID)
	return err
}

func (s *Store) UnmarkAllDeferredEventsForProcessing(ctx context.Context, selfID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deferred_events SET lock_owner = NULL WHERE lock_owner = ?`, selfID)
	return err
}

func (s *Store) RegisterActivity(ctx context.Context, a domain.OngoingActivity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ongoing_activities (machine_id, chart_id, activity_id) VALUES (?, ?, ?)
		ON CONFLICT (machine_id, chart_id, activity_id) DO NOTHING`,
		a.Ref.MachineID, a.Ref.ChartID, a.ActivityID)
	return err
}

func (s *Store) UnregisterActivity(ctx context.Context, ref chartref.Ref, activityID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ongoing_activities WHERE machine_id = ? AND chart_id = ? AND activity_id = ?`,
		ref.MachineID, ref.ChartID, activityID)
	return err
}

func (s *Store) IsActivityRegistered(ctx context.Context, ref chartref.Ref, activityID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ongoing_activities WHERE machine_id = ? AND chart_id = ? AND activity_id = ?`,
		ref.MachineID, ref.ChartID, activityID).Scan(&n)
	return n > 0, err
}

func (s *Store) RegisterExternalID(ctx context.Context, id domain.ExternalID) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO external_ids (key, value, machine_id, chart_id) VALUES (?, ?, ?, ?)`,
		id.Key, id.Value, id.Ref.MachineID, id.Ref.ChartID)
	return wrapConflict(err)
}

func (s *Store) DropExternalID(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM external_ids WHERE key = ? AND value = ?`, key, value)
	return err
}

func (s *Store) GetChartByExternalIdentifier(ctx context.Context, key, value string) (chartref.Ref, error) {
	var r chartref.Ref
	err := s.db.QueryRowContext(ctx, `SELECT machine_id, chart_id FROM external_ids WHERE key = ? AND value = ?`, key, value).
		Scan(&r.MachineID, &r.ChartID)
	if err == sql.ErrNoRows {
		return chartref.Ref{}, domain.ErrNotFound
	}
	return r, err
}

func isConstraintError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "unique")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func wrapConflict(err error) error {
	if err == nil {
		return nil
	}
	// modernc.org/sqlite surfaces UNIQUE/PK violations as errors mentioning
	// "constraint"; string-matching is the only portable signal without
	// importing the driver's internal error codes package.
	if isConstraintError(err) {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func encodeEventTarget(t *domain.EventTarget) (interface{}, error) {
	if t == nil {
		return nil, nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeEventTarget(s string) (*domain.EventTarget, error) {
	if s == "" {
		return nil, nil
	}
	var t domain.EventTarget
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil, err
	}
	return &t, nil
}
