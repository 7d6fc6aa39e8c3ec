// Package trigger models external edge sources that can pace an automatic
// SPI transfer engine: a digital line whose rising and falling edges are
// delivered to subscribed listeners.
package trigger

import (
	"context"
	"sync"
)

// Tick is a single edge event from a Source.
type Tick struct {
	// High is true for a rising edge and false for a falling edge.
	High bool
	// TimestampNanos is when the edge occurred.
	TimestampNanos uint64
}

// Source is something edges can be subscribed to. Listeners receive every
// edge; filtering by direction is up to the listener.
type Source interface {
	AddListener(ch chan<- Tick)
	RemoveListener(ch chan<- Tick)
}

// BasicSource is a software Source driven by explicit Tick calls. It also
// counts rising edges.
type BasicSource struct {
	mu        sync.Mutex
	count     int64
	listeners []chan<- Tick
}

// Value returns the number of rising edges seen so far.
func (s *BasicSource) Value() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Tick records an edge and delivers it to every listener. Delivery blocks
// until each listener receives it or ctx is done.
func (s *BasicSource) Tick(ctx context.Context, high bool, nanos uint64) error {
	s.mu.Lock()
	if high {
		s.count++
	}
	listeners := make([]chan<- Tick, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	tick := Tick{High: high, TimestampNanos: nanos}
	for _, ch := range listeners {
		select {
		case ch <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// AddListener subscribes a channel to all future edges.
func (s *BasicSource) AddListener(ch chan<- Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, ch)
}

// RemoveListener unsubscribes a channel.
func (s *BasicSource) RemoveListener(ch chan<- Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
}
