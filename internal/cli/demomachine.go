package cli

import (
	"encoding/json"
	"fmt"

	"github.com/xjog/xjog/internal/evaluator"
)

// switchMachine is a two-state toggle ("off" <-> "on") registered by serve
// and the one-shot chart subcommands so an operator can smoke-test a fresh
// deployment without first writing their own evaluator.Machine.
type switchMachine struct{}

func (m switchMachine) ID() string { return "switch" }

func (m switchMachine) InitialState() (evaluator.State, error) {
	return m.enter("off")
}

func (m switchMachine) Transition(prev evaluator.State, event evaluator.Event) (evaluator.State, error) {
	current, err := m.value(prev)
	if err != nil {
		return prev, err
	}
	switch {
	case current == "off" && event.Type == "flip":
		return m.enter("on")
	case current == "on" && event.Type == "flip":
		return m.enter("off")
	default:
		return prev, nil
	}
}

func (m switchMachine) RunStep(prev evaluator.State) (evaluator.State, error) {
	return prev, nil
}

func (m switchMachine) enter(state string) (evaluator.State, error) {
	value, err := json.Marshal(state)
	if err != nil {
		return evaluator.State{}, err
	}
	return evaluator.State{Value: value, Context: json.RawMessage("{}")}, nil
}

func (m switchMachine) value(s evaluator.State) (string, error) {
	var v string
	if err := json.Unmarshal(s.Value, &v); err != nil {
		return "", fmt.Errorf("switch: state value is not a string: %w", err)
	}
	return v, nil
}
