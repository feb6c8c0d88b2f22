// Package monitor aggregates engine counters from the event bus for the
// status API.
package monitor

import (
	"context"
	"sync"
	"time"

	"tradebot-core/internal/events"
)

// Metrics is the counter set exposed by the system endpoint.
type Metrics struct {
	StartedAt       time.Time
	OrdersFilled    int64
	OrdersFailed    int64
	PositionsOpened int64
	PositionsClosed int64
	RiskExits       int64
	BotsStarted     int64
	BotsStopped     int64
	BotsAutoStopped int64
	RealizedTotal   float64
}

// Monitor consumes bus events and keeps running totals. It never feeds back
// into trading; losing an event only skews a counter.
type Monitor struct {
	mu sync.Mutex
	m  Metrics
}

// New creates a monitor with the uptime clock started.
func New() *Monitor {
	return &Monitor{m: Metrics{StartedAt: time.Now()}}
}

// Run subscribes to the engine topics and tallies until ctx ends.
func (mo *Monitor) Run(ctx context.Context, bus *events.Bus) {
	filled := bus.Subscribe(events.TopicOrderFilled)
	failed := bus.Subscribe(events.TopicOrderFailed)
	opened := bus.Subscribe(events.TopicPositionOpen)
	closed := bus.Subscribe(events.TopicPositionClose)
	riskEv := bus.Subscribe(events.TopicRiskTriggered)
	started := bus.Subscribe(events.TopicBotStarted)
	stopped := bus.Subscribe(events.TopicBotStopped)
	autoStop := bus.Subscribe(events.TopicBotAutoStop)

	for {
		select {
		case <-ctx.Done():
			return
		case <-filled:
			mo.bump(func(m *Metrics) { m.OrdersFilled++ })
		case <-failed:
			mo.bump(func(m *Metrics) { m.OrdersFailed++ })
		case <-opened:
			mo.bump(func(m *Metrics) { m.PositionsOpened++ })
		case ev := <-closed:
			realized, _ := ev.Payload["realized"].(float64)
			mo.bump(func(m *Metrics) {
				m.PositionsClosed++
				m.RealizedTotal += realized
			})
		case <-riskEv:
			mo.bump(func(m *Metrics) { m.RiskExits++ })
		case <-started:
			mo.bump(func(m *Metrics) { m.BotsStarted++ })
		case <-stopped:
			mo.bump(func(m *Metrics) { m.BotsStopped++ })
		case <-autoStop:
			mo.bump(func(m *Metrics) { m.BotsAutoStopped++ })
		}
	}
}

// Snapshot returns a copy of the current counters.
func (mo *Monitor) Snapshot() Metrics {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return mo.m
}

func (mo *Monitor) bump(f func(*Metrics)) {
	mo.mu.Lock()
	f(&mo.m)
	mo.mu.Unlock()
}
