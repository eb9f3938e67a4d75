// Package connectivity reports whether the remote backend is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/tripplanner/internal/events"
	"github.com/kimhsiao/tripplanner/internal/logging"
)

// Source is a connectivity signal with "became reachable" and
// "became unreachable" events.
type Source interface {
	IsOnline() bool
	// Subscribe registers the two callbacks and returns a function that
	// removes them.
	Subscribe(onOnline, onOffline func()) (unsubscribe func())
}

// Manual is a Source whose state is set explicitly.
type Manual struct {
	mu     sync.RWMutex
	online bool
	bus    *events.Bus[bool]
}

// NewManual creates a Manual source in the given state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, bus: events.NewBus[bool]()}
}

// IsOnline returns the current state.
func (m *Manual) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline changes the state and notifies subscribers on a transition.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.bus.Publish(online)
	}
}

// Subscribe implements Source.
func (m *Manual) Subscribe(onOnline, onOffline func()) func() {
	return m.bus.Subscribe(func(online bool) {
		if online {
			if onOnline != nil {
				onOnline()
			}
		} else if onOffline != nil {
			onOffline()
		}
	})
}

// Pinger is anything that can check reachability, typically the remote backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober is a Source driven by periodically pinging the backend.
type Prober struct {
	*Manual

	pinger   Pinger
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber creates a Prober starting in the initial state.
func NewProber(pinger Pinger, interval, timeout time.Duration, initial bool) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Prober{
		Manual:   NewManual(initial),
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
	}
}

// Probe pings once and records the result.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	online := err == nil
	if online != p.IsOnline() {
		logging.Info("Connectivity changed", map[string]interface{}{
			"online": online,
			"error":  errString(err),
		})
	}
	p.SetOnline(online)
	return online
}

// Start probes immediately and then on every interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Stop ends probing and waits for the probe loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	_ Source = (*Manual)(nil)
	_ Source = (*Prober)(nil)
)
