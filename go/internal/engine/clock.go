package engine

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// stopAndDrainTimer safely stops a timer and drains its channel to prevent
// goroutine leaks, following the time.Timer.Stop() documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// matchClock is the whole-match countdown. It ticks at a fixed interval and
// never pauses; expiry always takes precedence over round boundaries.
type matchClock struct {
	clock    clockwork.Clock
	deadline time.Time
	interval time.Duration

	onTick   func(remaining time.Duration)
	onExpiry func()
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newMatchClock(clock clockwork.Clock, duration, interval time.Duration, onTick func(time.Duration), onExpiry func()) *matchClock {
	return &matchClock{
		clock:    clock,
		deadline: clock.Now().Add(duration),
		interval: interval,
		onTick:   onTick,
		onExpiry: onExpiry,
		stopCh:   make(chan struct{}),
	}
}

func (m *matchClock) run() {
	timer := m.clock.NewTimer(m.interval)
	defer stopAndDrainTimer(timer)

	for {
		select {
		case <-m.stopCh:
			return
		case <-timer.Chan():
		}

		remaining := m.deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			m.onExpiry()
			return
		}
		m.onTick(remaining)
		timer.Reset(m.interval)
	}
}

func (m *matchClock) stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}
