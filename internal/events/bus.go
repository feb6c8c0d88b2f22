// Package events provides an in-process publish/subscribe bus used to
// decouple the trading engine from notification and monitoring consumers.
package events

import (
	"log"
	"sync"
	"time"
)

const defaultBuffer = 64

// Bus fans events out to topic subscribers. Publishing never blocks: a
// subscriber that falls behind loses messages rather than stalling trading.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a buffered channel receiving events for topic.
func (b *Bus) Subscribe(topic string) <-chan Event {
	ch := make(chan Event, defaultBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish delivers an event to current subscribers of its topic. Full
// subscriber buffers are skipped.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[ev.Topic] {
		select {
		case ch <- ev:
		default:
			log.Printf("events: dropping %s for slow subscriber", ev.Topic)
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
