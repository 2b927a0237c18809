package store

import (
	"context"
	"sync"
	"time"

	"github.com/xjog/xjog/internal/chartref"
)

// pollingSubscription implements Subscription by re-querying "give me
// everything after id X" whenever wake fires, tracking a per-subscription
// high-water mark so entries are delivered exactly once, in order.
type pollingSubscription[T any] struct {
	c      chan T
	errc   chan error
	cancel context.CancelFunc
}

func (s *pollingSubscription[T]) C() <-chan T        { return s.c }
func (s *pollingSubscription[T]) Err() <-chan error  { return s.errc }
func (s *pollingSubscription[T]) Unsubscribe()       { s.cancel() }

// NewPollingSubscription starts a background goroutine that calls queryAfter
// whenever wake fires (and at least once every pollInterval, as a fallback
// for backends without a push notification channel), delivering results
// with id > the subscription's current high-water mark in order. A queryAfter
// error is delivered once on Err() and the subscription terminates.
func NewPollingSubscription[T any](
	ctx context.Context,
	wake <-chan struct{},
	pollInterval time.Duration,
	startAfter int64,
	idOf func(T) int64,
	queryAfter func(ctx context.Context, afterID int64) ([]T, error),
) Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	sub := &pollingSubscription[T]{
		c:      make(chan T, 64),
		errc:   make(chan error, 1),
		cancel: cancel,
	}

	go func() {
		defer close(sub.c)
		lastID := startAfter
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		fetch := func() bool {
			rows, err := queryAfter(ctx, lastID)
			if err != nil {
				select {
				case sub.errc <- err:
				default:
				}
				return false
			}
			for _, r := range rows {
				id := idOf(r)
				if id <= lastID {
					continue
				}
				select {
				case sub.c <- r:
					lastID = id
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				if !fetch() {
					return
				}
			case <-ticker.C:
				if !fetch() {
					return
				}
			}
		}
	}()

	return sub
}

// Broadcaster is a tiny in-process fan-out used by backends to wake every
// live subscription after a write, without requiring a database-level
// notification channel (used directly by the sqlite backend, and as the
// local half of the postgres backend's LISTEN/NOTIFY bridge).
type Broadcaster struct {
	subs map[chan struct{}]struct{}
	reg  chan chan struct{}
	unreg chan chan struct{}
	fire chan struct{}
	done chan struct{}
}

// NewBroadcaster starts the broadcaster's dispatch loop.
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{
		subs:  make(map[chan struct{}]struct{}),
		reg:   make(chan chan struct{}),
		unreg: make(chan chan struct{}),
		fire:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Broadcaster) loop() {
	for {
		select {
		case <-b.done:
			return
		case ch := <-b.reg:
			b.subs[ch] = struct{}{}
		case ch := <-b.unreg:
			delete(b.subs, ch)
		case <-b.fire:
			for ch := range b.subs {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Subscribe returns a wake channel that receives a value after every Notify.
func (b *Broadcaster) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	select {
	case b.reg <- ch:
	case <-b.done:
	}
	return ch
}

// Unsubscribe stops delivering to ch.
func (b *Broadcaster) Unsubscribe(ch chan struct{}) {
	select {
	case b.unreg <- ch:
	case <-b.done:
	}
}

// Notify wakes every current subscriber.
func (b *Broadcaster) Notify() {
	select {
	case b.fire <- struct{}{}:
	default:
	}
}

// Close stops the dispatch loop.
func (b *Broadcaster) Close() {
	close(b.done)
}

// RefCallbackRegistry is a best-effort fan-out of chartref-carrying
// notifications, backing OnNewDigestEntry the way OnDeathNote backs a
// single dying flag: no backlog, no ordering guarantee across callbacks,
// just "this ref changed, sometime after Fire was called".
type RefCallbackRegistry struct {
	mu    sync.Mutex
	next  int
	cbs   map[int]func(chartref.Ref)
}

// NewRefCallbackRegistry returns an empty registry.
func NewRefCallbackRegistry() *RefCallbackRegistry {
	return &RefCallbackRegistry{cbs: make(map[int]func(chartref.Ref))}
}

// Register adds cb and returns a cancel func that removes it.
func (r *RefCallbackRegistry) Register(cb func(chartref.Ref)) (cancel func()) {
	r.mu.Lock()
	id := r.next
	r.next++
	r.cbs[id] = cb
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.cbs, id)
		r.mu.Unlock()
	}
}

// Fire invokes every registered callback with ref, synchronously.
func (r *RefCallbackRegistry) Fire(ref chartref.Ref) {
	r.mu.Lock()
	cbs := make([]func(chartref.Ref), 0, len(r.cbs))
	for _, cb := range r.cbs {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(ref)
	}
}
