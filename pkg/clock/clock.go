package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

// Monotonic never hands out a timestamp earlier than one it already returned,
// even if the wall clock steps backwards.
type Monotonic struct {
	last atomic.Int64
	wall func() time.Time
}

func NewMonotonic() *Monotonic {
	return &Monotonic{wall: time.Now}
}

func (m *Monotonic) Now() time.Time {
	for {
		prev := m.last.Load()
		now := m.wall().UnixNano()
		if now <= prev {
			now = prev + 1
		}
		if m.last.CompareAndSwap(prev, now) {
			return time.Unix(0, now).UTC()
		}
	}
}

// Manual is a clock for tests that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
