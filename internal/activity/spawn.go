package activity

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/xjog/xjog/internal/evaluator"
)

// promiseActivity adapts a single-resolution async computation: it fires
// exactly once with EventDone on success or EventError on failure, and
// Send is a no-op since a promise accepts no inbound messages.
type promiseActivity struct {
	events chan Event
	cancel context.CancelFunc
}

// NewPromiseActivity spawns fn in a goroutine and wraps its outcome as an
// Activity. Stop merely stops forwarding; fn itself is not preemptible,
// matching spec.md §4.6.1's "cancellation merely stops forwarding".
func NewPromiseActivity(fn func(ctx context.Context) (json.RawMessage, error)) Activity {
	ctx, cancel := context.WithCancel(context.Background())
	a := &promiseActivity{events: make(chan Event, 1), cancel: cancel}
	go func() {
		defer close(a.events)
		data, err := fn(ctx)
		if err != nil {
			select {
			case a.events <- Event{Kind: EventError, Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case a.events <- Event{Kind: EventDone, Data: data}:
		case <-ctx.Done():
		}
	}()
	return a
}

func (a *promiseActivity) Send(ctx context.Context, event evaluator.Event) error { return nil }
func (a *promiseActivity) Events() <-chan Event                                 { return a.events }
func (a *promiseActivity) Stop(ctx context.Context) error                       { a.cancel(); return nil }

// callbackActivity adapts an XState-style callback service: a function given
// a send func and an onReceive registration func, returning a cleanup.
type callbackActivity struct {
	events   chan Event
	toChild  chan evaluator.Event
	cancel   context.CancelFunc
	stopFn   func()
	stopOnce sync.Once
}

// CallbackFunc is invoked once at spawn time. It may emit events via send
// and register a receiver for events sent to the activity via onReceive; the
// returned cleanup runs on Stop.
type CallbackFunc func(ctx context.Context, send func(evaluator.Event), onReceive func(func(evaluator.Event))) (cleanup func())

// NewCallbackActivity spawns fn per spec.md §4.6.1's callback spawn kind.
func NewCallbackActivity(fn CallbackFunc) Activity {
	ctx, cancel := context.WithCancel(context.Background())
	a := &callbackActivity{
		events:  make(chan Event, 16),
		toChild: make(chan evaluator.Event, 16),
		cancel:  cancel,
	}

	var receiver func(evaluator.Event)
	var receiverMu sync.Mutex
	onReceive := func(r func(evaluator.Event)) {
		receiverMu.Lock()
		receiver = r
		receiverMu.Unlock()
	}
	send := func(e evaluator.Event) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		select {
		case a.events <- Event{Kind: EventMessage, Data: data}:
		case <-ctx.Done():
		}
	}

	a.stopFn = fn(ctx, send, onReceive)

	go func() {
		defer close(a.events)
		for {
			select {
			case e := <-a.toChild:
				receiverMu.Lock()
				r := receiver
				receiverMu.Unlock()
				if r != nil {
					r(e)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return a
}

func (a *callbackActivity) Send(ctx context.Context, event evaluator.Event) error {
	select {
	case a.toChild <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (a *callbackActivity) Events() <-chan Event { return a.events }
func (a *callbackActivity) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.cancel()
		if a.stopFn != nil {
			a.stopFn()
		}
	})
	return nil
}

// observableActivity forwards every value from a source channel, and yields
// EventDone when the source closes.
type observableActivity struct {
	events chan Event
	cancel context.CancelFunc
}

// NewObservableActivity subscribes to source and forwards each value as a
// message event until it closes, per spec.md §4.6.1's observable spawn kind.
func NewObservableActivity(source <-chan json.RawMessage) Activity {
	ctx, cancel := context.WithCancel(context.Background())
	a := &observableActivity{events: make(chan Event, 16), cancel: cancel}
	go func() {
		defer close(a.events)
		for {
			select {
			case v, ok := <-source:
				if !ok {
					select {
					case a.events <- Event{Kind: EventDone}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case a.events <- Event{Kind: EventMessage, Data: v}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return a
}

func (a *observableActivity) Send(ctx context.Context, event evaluator.Event) error { return nil }
func (a *observableActivity) Events() <-chan Event                                  { return a.events }
func (a *observableActivity) Stop(ctx context.Context) error                        { a.cancel(); return nil }

// ChartHandle is the minimal surface a nested chart executor exposes so it
// can be spawned as an activity, without this package importing the
// executor package (which imports activity for the other three kinds).
type ChartHandle interface {
	Send(ctx context.Context, event evaluator.Event) (evaluator.State, error)
	Subscribe() (<-chan evaluator.State, func())
}

// chartActivity adapts a nested chart to the Activity interface: state
// updates are forwarded as "update" events when sync is set, and the
// child's done state yields EventDone.
type chartActivity struct {
	handle ChartHandle
	events chan Event
	cancel context.CancelFunc
}

// NewChartActivity wraps handle as a nested-chart spawn kind (spec.md
// §4.6.1). When sync is true every state update of the child is forwarded to
// the owner as an "update" event; the child's completion always forwards a
// doneInvoke.
func NewChartActivity(handle ChartHandle, sync bool) Activity {
	ctx, cancel := context.WithCancel(context.Background())
	a := &chartActivity{handle: handle, events: make(chan Event, 16), cancel: cancel}
	updates, unsubscribe := handle.Subscribe()
	go func() {
		defer close(a.events)
		defer unsubscribe()
		for {
			select {
			case st, ok := <-updates:
				if !ok {
					return
				}
				if sync {
					payload, _ := json.Marshal(struct {
						Type string          `json:"type"`
						Data json.RawMessage `json:"data,omitempty"`
					}{Type: "update", Data: st.Value})
					select {
					case a.events <- Event{Kind: EventMessage, Data: payload}:
					case <-ctx.Done():
						return
					}
				}
				if st.Done {
					select {
					case a.events <- Event{Kind: EventDone, Data: st.DoneData}:
					case <-ctx.Done():
					}
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return a
}

func (a *chartActivity) Send(ctx context.Context, event evaluator.Event) error {
	_, err := a.handle.Send(ctx, event)
	return err
}
func (a *chartActivity) Events() <-chan Event   { return a.events }
func (a *chartActivity) Stop(ctx context.Context) error {
	a.cancel()
	return nil
}
