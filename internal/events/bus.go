// Package events provides a small in-process publish/subscribe bus.
//
// Delivery is synchronous and best-effort: a listener that panics is
// recovered and logged, and the remaining listeners still run. Nothing is
// persisted, so subscribers must re-query their source of truth after a
// restart.
package events

import (
	"fmt"
	"sync"

	"github.com/kimhsiao/tripplanner/internal/logging"
)

// Listener receives published values.
type Listener[T any] func(T)

type subscription[T any] struct {
	id uint64
	fn Listener[T]
}

// Bus fans published values out to subscribed listeners.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

// NewBus creates an empty Bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers fn and returns a function that removes exactly that
// registration. Calling the returned function more than once is a no-op.
func (b *Bus[T]) Subscribe(fn Listener[T]) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			subs := make([]subscription[T], 0, len(b.subs)-1)
			subs = append(subs, b.subs[:i]...)
			b.subs = append(subs, b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers v to every listener registered at the time of the call.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s.fn, v)
	}
}

func (b *Bus[T]) deliver(fn Listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Event listener panicked", fmt.Errorf("%v", r),
				map[string]interface{}{"value": fmt.Sprint(v)})
		}
	}()
	fn(v)
}

// Len returns the number of registered listeners.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
