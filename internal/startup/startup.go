// Package startup implements the StartupManager (spec.md §4.3): the
// per-instance lifecycle state machine that overthrows any prior owner,
// adopts orphaned charts gently then forcibly, and later drains this
// instance's charts back to the herd on shutdown.
package startup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xjog/xjog/internal/chartref"
	"github.com/xjog/xjog/internal/store"
)

// Phase is one state of the initial→starting→adopting→ready→dying→halted
// machine.
type Phase string

const (
	PhaseInitial  Phase = "initial"
	PhaseStarting Phase = "starting"
	PhaseAdopting Phase = "adopting"
	PhaseReady    Phase = "ready"
	PhaseDying    Phase = "dying"
	PhaseHalted   Phase = "halted"
)

// Adopter loads a chart and re-derives its entry actions, restarting
// activities. Engine supplies this: registry.GetChart + Executor.RunStep.
type Adopter interface {
	AdoptChart(ctx context.Context, ref chartref.Ref) error
}

// Deferrer is the subset of DeferredEventManager needed on shutdown.
type Deferrer interface {
	ReleaseAll(ctx context.Context) error
}

// ActivityStopper is the subset of ActivityManager needed on shutdown.
type ActivityStopper interface {
	StopAll(ctx context.Context) error
}

// Options configures timing per spec.md §9's "Configuration (all options
// normative)" table.
type Options struct {
	AdoptionFrequency        time.Duration
	GracePeriod              time.Duration
	OwnChartPollingFrequency time.Duration
}

func (o Options) withDefaults() Options {
	if o.AdoptionFrequency <= 0 {
		o.AdoptionFrequency = 2000 * time.Millisecond
	}
	if o.AdoptionFrequency < 10*time.Millisecond {
		o.AdoptionFrequency = 10 * time.Millisecond
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 30000 * time.Millisecond
	}
	if min := time.Duration(2.5 * float64(o.AdoptionFrequency)); o.GracePeriod < min {
		o.GracePeriod = min
	}
	if o.OwnChartPollingFrequency <= 0 {
		o.OwnChartPollingFrequency = 500 * time.Millisecond
	}
	if o.OwnChartPollingFrequency < 50*time.Millisecond {
		o.OwnChartPollingFrequency = 50 * time.Millisecond
	}
	return o
}

// Manager is the StartupManager. Construct with New.
type Manager struct {
	st     store.PersistenceStore
	selfID string
	opts   Options
	log    zerolog.Logger

	adopter    Adopter
	deferrer   Deferrer
	activities ActivityStopper
	onAdopting     func()
	onReady        func()
	onHalt         func()
	onAdoptionPass func(kind string, adopted int)

	mu              sync.Mutex
	phase           Phase
	deathNoteCancel func()
}

// New constructs a Manager in phase initial.
func New(st store.PersistenceStore, selfID string, opts Options, adopter Adopter, deferrer Deferrer, activities ActivityStopper, log zerolog.Logger) *Manager {
	return &Manager{
		st:         st,
		selfID:     selfID,
		opts:       opts.withDefaults(),
		adopter:    adopter,
		deferrer:   deferrer,
		activities: activities,
		phase:      PhaseInitial,
		log:        log.With().Str("component", "startup").Str("instance", selfID).Logger(),
	}
}

// OnAdopting registers a callback fired exactly once, when the machine
// reaches PhaseAdopting. Engine starts DeferredEventManager's loop here
// (spec.md §4.8's "once it reaches adopting").
func (m *Manager) OnAdopting(fn func()) { m.onAdopting = fn }

// OnReady registers a callback fired exactly once, when the machine reaches
// PhaseReady.
func (m *Manager) OnReady(fn func()) { m.onReady = fn }

// OnHalt registers a callback fired exactly once, when the machine reaches
// PhaseHalted.
func (m *Manager) OnHalt(fn func()) { m.onHalt = fn }

// OnAdoptionPass registers a callback fired after every gentle or forcible
// adoption pass, with the number of charts that pass adopted.
func (m *Manager) OnAdoptionPass(fn func(kind string, adopted int)) { m.onAdoptionPass = fn }

// Phase reports the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
	m.log.Info().Str("phase", string(p)).Msg("startup phase transition")
}

// Start drives initial→starting→adopting→ready, blocking until the instance
// is ready or ctx is cancelled. Machine registration must be refused by the
// caller once this returns (spec.md §4.3's "starting has begun").
func (m *Manager) Start(ctx context.Context) error {
	m.setPhase(PhaseStarting)
	if err := m.st.OverthrowOtherInstances(ctx, m.selfID); err != nil {
		return fmt.Errorf("startup: overthrow: %w", err)
	}

	cancel, err := m.st.OnDeathNote(ctx, m.selfID, func() {
		go func() {
			if err := m.Shutdown(context.Background()); err != nil {
				m.log.Error().Err(err).Msg("death-note triggered shutdown failed")
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("startup: register death-note listener: %w", err)
	}
	m.mu.Lock()
	m.deathNoteCancel = cancel
	m.mu.Unlock()

	m.setPhase(PhaseAdopting)
	if m.onAdopting != nil {
		m.onAdopting()
	}
	if err := m.runAdoptionLoop(ctx); err != nil {
		return fmt.Errorf("startup: adoption loop: %w", err)
	}

	m.setPhase(PhaseReady)
	if m.onReady != nil {
		m.onReady()
	}
	return nil
}

// runAdoptionLoop implements spec.md §4.3's "adopting" phase: gentle passes
// until countPausedCharts reaches zero, escalating to a forcible pass once
// the grace-period timer expires while paused charts remain.
func (m *Manager) runAdoptionLoop(ctx context.Context) error {
	deadline := time.Now().Add(m.opts.GracePeriod)
	forced := false

	for {
		refs, err := m.st.GentlyAdoptCharts(ctx, m.selfID)
		if err != nil {
			return err
		}
		m.runStepEach(ctx, refs)
		if m.onAdoptionPass != nil {
			m.onAdoptionPass("gentle", len(refs))
		}
		if len(refs) > 0 {
			deadline = time.Now().Add(m.opts.GracePeriod)
		}

		remaining, err := m.st.CountPausedCharts(ctx)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return nil
		}

		if !forced && time.Now().After(deadline) {
			forced = true
			m.log.Warn().Int("pausedCharts", remaining).Msg("grace period expired, forcibly adopting")
			forcedRefs, err := m.st.ForciblyAdoptCharts(ctx, m.selfID)
			if err != nil {
				return err
			}
			m.runStepEach(ctx, forcedRefs)
			if m.onAdoptionPass != nil {
				m.onAdoptionPass("forcible", len(forcedRefs))
			}

			remaining, err = m.st.CountPausedCharts(ctx)
			if err != nil {
				return err
			}
			if remaining == 0 {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.AdoptionFrequency):
		}
	}
}

func (m *Manager) runStepEach(ctx context.Context, refs []chartref.Ref) {
	for _, ref := range refs {
		if err := m.adopter.AdoptChart(ctx, ref); err != nil {
			m.log.Warn().Err(err).Str("ref", ref.String()).Msg("adoption runStep failed")
		}
	}
}

// Shutdown drives ready→dying→halted: cancels the death-note listener,
// removes this instance's row, releases deferred-event locks, stops every
// activity, then waits for other instances to adopt this instance's charts
// before emitting halt (spec.md §4.3's "dying").
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == PhaseDying || m.phase == PhaseHalted {
		m.mu.Unlock()
		return nil
	}
	cancel := m.deathNoteCancel
	m.mu.Unlock()

	m.setPhase(PhaseDying)
	if cancel != nil {
		cancel()
	}

	if err := m.st.DeleteInstance(ctx, m.selfID); err != nil {
		m.log.Warn().Err(err).Msg("delete instance row failed during shutdown")
	}
	if m.deferrer != nil {
		if err := m.deferrer.ReleaseAll(ctx); err != nil {
			m.log.Warn().Err(err).Msg("release deferred events failed during shutdown")
		}
	}
	if m.activities != nil {
		if err := m.activities.StopAll(ctx); err != nil {
			m.log.Warn().Err(err).Msg("stop all activities failed during shutdown")
		}
	}

	if err := m.waitForOwnChartsToDrain(ctx); err != nil {
		return err
	}

	m.setPhase(PhaseHalted)
	if m.onHalt != nil {
		m.onHalt()
	}
	return nil
}

func (m *Manager) waitForOwnChartsToDrain(ctx context.Context) error {
	for {
		alive, err := m.st.CountAliveInstances(ctx)
		if err != nil {
			return err
		}
		if alive == 0 {
			return nil
		}

		own, err := m.st.CountOwnCharts(ctx, m.selfID)
		if err != nil {
			return err
		}
		if own == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.OwnChartPollingFrequency):
		}
	}
}
