package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishOrder(t *testing.T) {
	bus := NewBus[string]()

	var got []string
	bus.Subscribe(func(kind string) { got = append(got, "a:"+kind) })
	bus.Subscribe(func(kind string) { got = append(got, "b:"+kind) })

	bus.Publish("trips")

	assert.Equal(t, []string{"a:trips", "b:trips"}, got)
}

func TestBus_UnsubscribeRemovesExactlyOne(t *testing.T) {
	bus := NewBus[string]()

	var calls []string
	listener := func(name string) Listener[string] {
		return func(string) { calls = append(calls, name) }
	}

	bus.Subscribe(listener("first"))
	unsub := bus.Subscribe(listener("second"))
	bus.Subscribe(listener("third"))

	unsub()
	unsub() // idempotent
	assert.Equal(t, 2, bus.Len())

	bus.Publish("notes")
	assert.Equal(t, []string{"first", "third"}, calls)
}

func TestBus_PanickingListenerIsIsolated(t *testing.T) {
	bus := NewBus[string]()

	var after int
	bus.Subscribe(func(string) { panic("render failed") })
	bus.Subscribe(func(string) { after++ })

	assert.NotPanics(t, func() { bus.Publish("columns") })
	assert.NotPanics(t, func() { bus.Publish("columns") })

	assert.Equal(t, 2, after)
	assert.Equal(t, 2, bus.Len(), "listener list must survive a panic")
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus[int]()

	var unsub func()
	var calls int
	unsub = bus.Subscribe(func(int) {
		calls++
		unsub()
	})
	bus.Subscribe(func(int) { calls++ })

	bus.Publish(1)
	bus.Publish(2)

	assert.Equal(t, 3, calls)
}

func TestBus_ConcurrentUse(t *testing.T) {
	bus := NewBus[int]()

	var mu sync.Mutex
	total := 0
	bus.Subscribe(func(n int) {
		mu.Lock()
		total += n
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); bus.Publish(1) }()
		go func() { defer wg.Done(); bus.Subscribe(func(int) {})() }()
	}
	wg.Wait()

	assert.Equal(t, 50, total)
}
