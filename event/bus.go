// Package event is the in-process notification path from the BLE core
// to the rest of the system.
package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/blecore/logger"
)

// Handler receives published events on its own goroutine.
type Handler func(ctx context.Context, ev Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[Type][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	wg      sync.WaitGroup
	closed  atomic.Bool
}

func NewBus() *Bus {
	return &Bus{typed: make(map[Type][]subscription)}
}

// Publish fans ev out to matching typed subscribers and all-event
// subscribers. It never blocks on a handler, so it is safe to call with
// the BT lock held.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b.closed.Load() {
		return
	}
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	typed := append([]subscription(nil), b.typed[ev.Type]...)
	all := append([]subscription(nil), b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range typed {
		b.dispatch(ctx, ev, sub)
	}
	for _, sub := range all {
		b.dispatch(ctx, ev, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, ev Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("event", "handler for %s panicked: %v", ev.Type, r)
			}
		}()
		sub.handler(ctx, ev)
	}()
}

// Subscribe registers a handler for one event type and returns its unsubscribe func.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[t] = append(b.typed[t], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[t]
		for i, s := range subs {
			if s.id == id {
				b.typed[t] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Flush waits for every handler dispatched so far to return.
func (b *Bus) Flush() {
	b.wg.Wait()
}

// Close prevents new publishes and waits for in-flight handlers.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

// Recorder collects events for inspection, typically in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record is a Handler.
func (r *Recorder) Record(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a snapshot of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
