// Package evaluator declares the interface of the external statechart
// evaluator. xjog depends on this interface but does not implement the
// transition function, guards, or action resolution — those are supplied by
// a machine definition compiled elsewhere (spec.md §1: "treated as a pure
// library that produces a next State given a previous State and an event").
package evaluator

import "encoding/json"

// Event is an opaque, JSON-compatible value with at least a Type discriminator.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ActionKind enumerates the action verbs a machine definition's action list
// may contain (§4.6.1).
type ActionKind string

const (
	ActionExec   ActionKind = "exec"
	ActionSend   ActionKind = "send"
	ActionCancel ActionKind = "cancel"
	ActionStart  ActionKind = "start"
	ActionStop   ActionKind = "stop"
	ActionLog    ActionKind = "log"
	ActionInit   ActionKind = "init"
)

// Action is one entry of a state's action list, produced by the evaluator
// as a side effect of a transition.
type Action struct {
	Kind ActionKind `json:"kind"`

	// ActionExec
	Exec func(context json.RawMessage, eventData json.RawMessage) error `json:"-"`

	// ActionSend
	SendEvent Event  `json:"sendEvent,omitempty"`
	SendDelay int64  `json:"sendDelayMs,omitempty"`
	SendTo    string `json:"sendTo,omitempty"` // "", "parent", an activity id, or a chart ref URI
	SendID    string `json:"sendId,omitempty"`

	// ActionCancel
	CancelSendID string `json:"cancelSendId,omitempty"`

	// ActionStart / ActionStop
	ActivityID   string `json:"activityId,omitempty"`
	ActivityKind string `json:"activityKind,omitempty"` // "promise", "callback", "observable", "chart"

	// ActionLog
	LogMessage string `json:"logMessage,omitempty"`
}

// State is the opaque, evaluator-produced snapshot the engine persists and
// resumes from. The engine never inspects Value or Context beyond passing
// them to JSON-patch computation; it does inspect Done/Actions to drive the
// executor.
type State struct {
	Value   json.RawMessage `json:"value"`
	Context json.RawMessage `json:"context"`
	Actions []Action        `json:"-"`
	Done    bool            `json:"done"`
	// DoneData is delivered as a doneInvoke event's payload when Done is true
	// and the chart has a parent.
	DoneData json.RawMessage `json:"doneData,omitempty"`
	// Digest carries business-key facts a machine definition wants indexed
	// for querying independent of state shape (spec.md §6's digests table),
	// e.g. {"orderId": "A-123", "customer": "acme"}. Optional; a nil or empty
	// map means this transition writes no digest entries.
	Digest map[string]string `json:"digest,omitempty"`
}

// Machine is the static compiled definition of a chart. Evaluator.Transition
// is invoked with the Machine that produced the previous State.
type Machine interface {
	// ID is the machine id this definition answers to.
	ID() string
	// InitialState constructs the state a freshly created chart starts in.
	InitialState() (State, error)
	// Transition computes the next state given the previous state, the
	// current context (already patched, if the caller supplied a patch) and
	// an incoming event. It is pure: it must not perform I/O or mutate its
	// arguments.
	Transition(prev State, event Event) (State, error)
	// RunStep re-derives the entry actions of prev's current value, used to
	// resume a chart after adoption without re-running Transition. The
	// "init" action kind is skipped by the caller when rehydrating (§4.5).
	RunStep(prev State) (State, error)
}
