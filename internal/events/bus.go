// Package events carries position lifecycle and risk notifications between
// the executor, the monitor and whatever front end is attached.
package events

import "sync"

// Bus is a small in-process broker. Publishing never blocks: a subscriber
// that stops draining its channel loses messages rather than stalling the
// trading path.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Event][]chan any
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[Event][]chan any)}
}

// Subscribe registers a listener for one topic. The returned function
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	ch := make(chan any, buffer)

	b.mu.Lock()
	b.listeners[e] = append(b.listeners[e], ch)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			ls := b.listeners[e]
			for i, c := range ls {
				if c == ch {
					b.listeners[e] = append(ls[:i], ls[i+1:]...)
					close(c)
					break
				}
			}
		})
	}
	return ch, unsub
}

// Publish delivers payload to every listener on the topic, dropping it for
// any listener whose buffer is full.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.listeners[e] {
		select {
		case ch <- payload:
		default:
		}
	}
}
