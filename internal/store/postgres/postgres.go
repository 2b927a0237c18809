// Package postgres implements store.PersistenceStore and store.JournalStore
// against PostgreSQL via github.com/jackc/pgx/v5, the teacher's own
// production database driver (internal/adapters/repository/postgres).
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/domain"
	"github.com/xjog/xjog/internal/patch"
	"github.com/xjog/xjog/internal/store"
)

// Store implements store.PersistenceStore and store.JournalStore over a
// pgxpool.Pool.
type Store struct {
	pool       *pgxpool.Pool
	patcher    patch.Patcher
	bc         *store.Broadcaster
	digestCB   *store.RefCallbackRegistry
	stopListen func()
}

// Open connects to dsn, migrates the schema, and starts the LISTEN loop
// backing NewJournalEntries/NewFullStateEntries.
func Open(ctx context.Context, dsn string, patcher patch.Patcher) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	s := &Store{pool: pool, patcher: patcher, bc: store.NewBroadcaster(), digestCB: store.NewRefCallbackRegistry()}
	s.startListener(ctx, "new-journal-entry", func(payload string) { s.bc.Notify() })
	s.startListener(ctx, "new-digest-entry", func(payload string) {
		var ref struct {
			MachineID string `json:"machineId"`
			ChartID   string `json:"chartId"`
		}
		if err := json.Unmarshal([]byte(payload), &ref); err == nil {
			s.digestCB.Fire(chartref.New(ref.MachineID, ref.ChartID))
		}
	})
	return s, nil
}

// startListener holds a dedicated connection LISTENing on channel and calls
// onNotify with each notification's payload (spec.md §6).
func (s *Store) startListener(ctx context.Context, channel string, onNotify func(payload string)) {
	listenCtx, cancel := context.WithCancel(ctx)
	prevCancel := s.stopListen
	s.stopListen = func() {
		cancel()
		if prevCancel != nil {
			prevCancel()
		}
	}
	go func() {
		for {
			select {
			case <-listenCtx.Done():
				return
			default:
			}
			conn, err := s.pool.Acquire(listenCtx)
			if err != nil {
				time.Sleep(time.Second)
				continue
			}
			if _, err := conn.Exec(listenCtx, fmt.Sprintf("LISTEN %q", channel)); err != nil {
				conn.Release()
				time.Sleep(time.Second)
				continue
			}
			for {
				n, err := conn.Conn().WaitForNotification(listenCtx)
				if err != nil {
					conn.Release()
					break
				}
				onNotify(n.Payload)
			}
		}
	}()
}

func (s *Store) Close() error {
	if s.stopListen != nil {
		s.stopListen()
	}
	s.bc.Close()
	s.pool.Close()
	return nil
}

func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransaction, err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransaction, err)
	}
	return nil
}

func (s *Store) OverthrowOtherInstances(ctx context.Context, selfID string) error {
	return s.WithTransaction(ctx, func(ctx context.Context, txv store.Tx) error {
		tx := txv.(pgx.Tx)
		if _, err := tx.Exec(ctx, `UPDATE instances SET dying = true`); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE charts SET paused = true`); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO instances (instance_id, started_at, dying) VALUES ($1, now(), false)
			ON CONFLICT (instance_id) DO UPDATE SET started_at = now(), dying = false`, selfID)
		return err
	})
}

func (s *Store) GentlyAdoptCharts(ctx context.Context, selfID string) ([]chartref.Ref, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.machine_id, c.chart_id FROM charts c
		WHERE c.paused = true
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
		tx := txv.(pgx.Tx)
		rows, err := tx.Query(ctx, `SELECT machine_id, chart_id FROM charts WHERE paused = true`)
		if err != nil {
			return err
		}
		refs, err = scanRefs(rows)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM ongoing_activities oa
			USING charts c
			WHERE oa.machine_id = c.machine_id AND oa.chart_id = c.chart_id AND c.paused = true`); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE charts SET paused = false, owner_id = $1 WHERE paused = true`, selfID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *Store) adoptRefs(ctx context.Context, selfID string, refs []chartref.Ref) error {
	return s.WithTransaction(ctx, func(ctx context.Context, txv store.Tx) error {
		tx := txv.(pgx.Tx)
		batch := &pgx.Batch{}
		for _, r := range refs {
			batch.Queue(`UPDATE charts SET owner_id = $1, paused = false WHERE machine_id = $2 AND chart_id = $3`,
				selfID, r.MachineID, r.ChartID)
		}
		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for range refs {
			if _, err := br.Exec(); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanRefs(rows pgx.Rows) ([]chartref.Ref, error) {
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
	return s.count(ctx, `SELECT COUNT(*) FROM charts WHERE paused = true`)
}

func (s *Store) CountOwnCharts(ctx context.Context, selfID string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM charts WHERE owner_id = $1`, selfID)
}

func (s *Store) CountAliveInstances(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM instances WHERE dying = false`)
}

func (s *Store) count(ctx context.Context, q string, args ...interface{}) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, q, args...).Scan(&n)
	return n, err
}

func (s *Store) InsertInstance(ctx context.Context, inst domain.Instance) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO instances (instance_id, started_at, dying) VALUES ($1, $2, $3)`,
		inst.InstanceID, inst.StartedAt, inst.Dying)
	return wrapConflict(err)
}

func (s *Store) DeleteInstance(ctx context.Context, instanceID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM instances WHERE instance_id = $1`, instanceID)
	return checkAffected(tag.RowsAffected(), err)
}

func (s *Store) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	rows, err := s.pool.Query(ctx, `SELECT instance_id, started_at, dying FROM instances ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Instance
	for rows.Next() {
		var inst domain.Instance
		if err := rows.Scan(&inst.InstanceID, &inst.StartedAt, &inst.Dying); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) InsertChart(ctx context.Context, c domain.Chart) error {
	var pm, pc interface{}
	if c.ParentRef != nil {
		pm, pc = c.ParentRef.MachineID, c.ParentRef.ChartID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO charts (machine_id, chart_id, owner_id, parent_machine_id, parent_chart_id, state, paused)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.Ref.MachineID, c.Ref.ChartID, c.OwnerID, pm, pc, c.State, c.Paused)
	return wrapConflict(err)
}

func (s *Store) ReadChart(ctx context.Context, ref chartref.Ref) (domain.Chart, error) {
	var c domain.Chart
	var pm, pc *string
	err := s.pool.QueryRow(ctx, `
		SELECT machine_id, chart_id, owner_id, parent_machine_id, parent_chart_id, state, paused
		FROM charts WHERE machine_id = $1 AND chart_id = $2`, ref.MachineID, ref.ChartID).
		Scan(&c.Ref.MachineID, &c.Ref.ChartID, &c.OwnerID, &pm, &pc, &c.State, &c.Paused)
	if err == pgx.ErrNoRows {
		return domain.Chart{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Chart{}, err
	}
	if pm != nil && pc != nil {
		p := chartref.New(*pm, *pc)
		c.ParentRef = &p
	}
	return c, nil
}

func (s *Store) UpdateChartState(ctx context.Context, ref chartref.Ref, state []byte) error {
	tag, err := s.pool.Exec(ctx, `UPDATE charts SET state = $1 WHERE machine_id = $2 AND chart_id = $3`,
		state, ref.MachineID, ref.ChartID)
	return checkAffected(tag.RowsAffected(), err)
}

func (s *Store) DeleteChart(ctx context.Context, ref chartref.Ref) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM charts WHERE machine_id = $1 AND chart_id = $2`, ref.MachineID, ref.ChartID)
	return checkAffected(tag.RowsAffected(), err)
}

func (s *Store) DestroyChart(ctx context.Context, ref chartref.Ref) error {
	return s.WithTransaction(ctx, func(ctx context.Context, txv store.Tx) error {
		tx := txv.(pgx.Tx)
		tag, err := tx.Exec(ctx, `DELETE FROM charts WHERE machine_id = $1 AND chart_id = $2`, ref.MachineID, ref.ChartID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM deferred_events WHERE machine_id = $1 AND chart_id = $2`, ref.MachineID, ref.ChartID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM ongoing_activities WHERE machine_id = $1 AND chart_id = $2`, ref.MachineID, ref.ChartID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM external_ids WHERE machine_id = $1 AND chart_id = $2`, ref.MachineID, ref.ChartID)
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
				var dying bool
				err := s.pool.QueryRow(pollCtx, `SELECT dying FROM instances WHERE instance_id = $1`, selfID).Scan(&dying)
				if err == nil && dying {
					cb()
					return
				}
			}
		}
	}()
	return cancel, nil
}

func (s *Store) InsertDeferredEvent(ctx context.Context, evt domain.DeferredEvent) (domain.DeferredEvent, error) {
	eventTo, err := encodeEventTarget(evt.EventTo)
	if err != nil {
		return domain.DeferredEvent{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO deferred_events (machine_id, chart_id, event_id, event_to, event, delay_ms, due)
		VALUES ($1, $2, $3, $4, $5, $6, now() + ($6 || ' milliseconds')::interval)
		RETURNING id, created_at, due`,
		evt.Ref.MachineID, evt.Ref.ChartID, evt.EventID, eventTo, evt.Event, evt.Delay.Milliseconds())
	if err := row.Scan(&evt.ID, &evt.CreatedAt, &evt.Due); err != nil {
		return domain.DeferredEvent{}, err
	}
	return evt, nil
}

func (s *Store) ReadDeferredEventRowBatch(ctx context.Context, selfID string, now time.Time, lookAhead time.Duration, batchSize int) ([]domain.DeferredEvent, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id FROM deferred_events
			WHERE due < $1 AND lock_owner IS NULL
			ORDER BY due ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE deferred_events d
		SET lock_owner = $3
		FROM candidates
		WHERE d.id = candidates.id
		RETURNING d.id, d.machine_id, d.chart_id, d.event_id, d.event_to, d.event, d.created_at, d.delay_ms, d.due`,
		now.Add(lookAhead), batchSize, selfID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeferredEvent
	for rows.Next() {
		var e domain.DeferredEvent
		var eventTo *string
		var delayMs int64
		if err := rows.Scan(&e.ID, &e.Ref.MachineID, &e.Ref.ChartID, &e.EventID, &eventTo, &e.Event, &e.CreatedAt, &delayMs, &e.Due); err != nil {
			return nil, err
		}
		e.Delay = time.Duration(delayMs) * time.Millisecond
		if eventTo != nil {
			t, err := decodeEventTarget(*eventTo)
			if err != nil {
				return nil, err
			}
			e.EventTo = t
		}
		lockOwner := selfID
		e.Lock = &lockOwner
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ReleaseDeferredEvent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE deferred_events SET lock_owner = NULL WHERE id = $1`, id)
	return err
}

func (s *Store) DeleteDeferredEvent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM deferred_events WHERE id = $1`, id)
	return err
}

func (s *Store) DeleteAllDeferredEvents(ctx context.Context, ref chartref.Ref) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM deferred_events WHERE machine_id = $1 AND chart_id = $2`, ref.MachineID, ref.ChartID)
	return err
}

func (s *Store) UnmarkAllDeferredEventsForProcessing(ctx context.Context, selfID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE deferred_events SET lock_owner = NULL WHERE lock_owner = $1`, selfID)
	return err
}

func (s *Store) RegisterActivity(ctx context.Context, a domain.OngoingActivity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ongoing_activities (machine_id, chart_id, activity_id) VALUES ($1, $2, $3)
		ON CONFLICT (machine_id, chart_id, activity_id) DO NOTHING`,
		a.Ref.MachineID, a.Ref.ChartID, a.ActivityID)
	return err
}

func (s *Store) UnregisterActivity(ctx context.Context, ref chartref.Ref, activityID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ongoing_activities WHERE machine_id = $1 AND chart_id = $2 AND activity_id = $3`,
		ref.MachineID, ref.ChartID, activityID)
	return err
}

func (s *Store) IsActivityRegistered(ctx context.Context, ref chartref.Ref, activityID string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ongoing_activities WHERE machine_id = $1 AND chart_id = $2 AND activity_id = $3`,
		ref.MachineID, ref.ChartID, activityID).Scan(&n)
	return n > 0, err
}

func (s *Store) RegisterExternalID(ctx context.Context, id domain.ExternalID) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO external_ids (key, value, machine_id, chart_id) VALUES ($1, $2, $3, $4)`,
		id.Key, id.Value, id.Ref.MachineID, id.Ref.ChartID)
	return wrapConflict(err)
}

func (s *Store) DropExternalID(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM external_ids WHERE key = $1 AND value = $2`, key, value)
	return err
}

func (s *Store) GetChartByExternalIdentifier(ctx context.Context, key, value string) (chartref.Ref, error) {
	var r chartref.Ref
	err := s.pool.QueryRow(ctx, `SELECT machine_id, chart_id FROM external_ids WHERE key = $1 AND value = $2`, key, value).
		Scan(&r.MachineID, &r.ChartID)
	if err == pgx.ErrNoRows {
		return chartref.Ref{}, domain.ErrNotFound
	}
	return r, err
}

func wrapConflict(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "SQLSTATE 23505") || strings.Contains(strings.ToLower(err.Error()), "duplicate key") {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}

func checkAffected(n int64, err error) error {
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
