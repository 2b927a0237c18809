// Package reference implements a minimal, table-driven statechart evaluator
// used only to exercise the engine in tests (spec.md §8 scenarios S1-S4).
// It is deliberately small: flat states, one "on" transition table per
// state, optional delayed ("after") transitions to a target state, and a context-assign
// function per transition. Production users supply their own evaluator.Machine.
package reference

import (
	"encoding/json"
	"fmt"

	"github.com/xjog/xjog/internal/evaluator"
)

// Assign mutates a JSON context in response to an event, returning the new
// context. A nil Assign leaves the context unchanged.
type Assign func(ctx json.RawMessage, event evaluator.Event) (json.RawMessage, error)

// Transition describes moving to Target, running Assign and Actions.
type Transition struct {
	Target  string
	Assign  Assign
	Actions []evaluator.Action
	// Digest, if non-nil, is copied onto the resulting evaluator.State so
	// tests can exercise the digest writer.
	Digest map[string]string
}

// After describes a delayed transition to Target, armed on entering a state.
type After struct {
	DelayMs int64
	Target  string
	Assign  Assign
}

// StateDef is one node of the table.
type StateDef struct {
	On    map[string]Transition
	After []After
	Final bool
}

// Definition is the static machine table.
type Definition struct {
	MachineID      string
	Initial        string
	States         map[string]StateDef
	InitialContext json.RawMessage
}

// Machine is a evaluator.Machine backed by a Definition.
type Machine struct {
	def Definition
}

// New validates and wraps a Definition.
func New(def Definition) (*Machine, error) {
	if def.MachineID == "" {
		return nil, fmt.Errorf("reference: machine id required")
	}
	if _, ok := def.States[def.Initial]; !ok {
		return nil, fmt.Errorf("reference: unknown initial state %q", def.Initial)
	}
	if def.InitialContext == nil {
		def.InitialContext = json.RawMessage("{}")
	}
	return &Machine{def: def}, nil
}

func (m *Machine) ID() string { return m.def.MachineID }

// InitialState builds the machine's starting State, including any "after"
// timers armed by the initial state.
func (m *Machine) InitialState() (evaluator.State, error) {
	return m.enter(m.def.Initial, m.def.InitialContext, nil)
}

// Transition looks up event.Type in the current state's table and moves to
// the target state, applying Assign and re-arming After timers.
func (m *Machine) Transition(prev evaluator.State, event evaluator.Event) (evaluator.State, error) {
	current, err := stateName(prev)
	if err != nil {
		return prev, err
	}
	def, ok := m.def.States[current]
	if !ok {
		return prev, fmt.Errorf("reference: unknown state %q", current)
	}
	tr, ok := def.On[event.Type]
	if !ok {
		// No matching transition: stay put, no actions, per typical
		// statechart semantics of an unhandled event.
		prev.Actions = nil
		return prev, nil
	}
	ctx := prev.Context
	if tr.Assign != nil {
		ctx, err = tr.Assign(prev.Context, event)
		if err != nil {
			return prev, fmt.Errorf("reference: assign failed: %w", err)
		}
	}
	next, err := m.enter(tr.Target, ctx, tr.Actions)
	if err != nil {
		return prev, err
	}
	next.Digest = tr.Digest
	return next, nil
}

// RunStep re-derives the current state's entry actions (used to resume a
// chart after adoption) without changing Value or Context.
func (m *Machine) RunStep(prev evaluator.State) (evaluator.State, error) {
	current, err := stateName(prev)
	if err != nil {
		return prev, err
	}
	return m.enter(current, prev.Context, nil)
}

func (m *Machine) enter(stateName string, ctx json.RawMessage, extra []evaluator.Action) (evaluator.State, error) {
	def, ok := m.def.States[stateName]
	if !ok {
		return evaluator.State{}, fmt.Errorf("reference: unknown state %q", stateName)
	}
	value, err := json.Marshal(stateName)
	if err != nil {
		return evaluator.State{}, err
	}
	actions := make([]evaluator.Action, 0, len(extra)+len(def.After))
	actions = append(actions, extra...)
	for i, after := range def.After {
		afterEventType := fmt.Sprintf("$$after.%s.%d", stateName, i)
		actions = append(actions, evaluator.Action{
			Kind:      evaluator.ActionSend,
			SendEvent: evaluator.Event{Type: afterEventType},
			SendDelay: after.DelayMs,
		})
		// Register the synthetic transition lazily so Transition can find it.
		if def.On == nil {
			def.On = map[string]Transition{}
		}
		if _, exists := def.On[afterEventType]; !exists {
			def.On[afterEventType] = Transition{Target: after.Target, Assign: after.Assign}
			m.def.States[stateName] = def
		}
	}
	return evaluator.State{
		Value:   value,
		Context: ctx,
		Actions: actions,
		Done:    def.Final,
	}, nil
}

func stateName(s evaluator.State) (string, error) {
	var name string
	if err := json.Unmarshal(s.Value, &name); err != nil {
		return "", fmt.Errorf("reference: state value is not a string: %w", err)
	}
	return name, nil
}
