package clock

import (
	"sync"
	"testing"
	"time"
)

func TestMonotonicSurvivesWallClockStepBack(t *testing.T) {
	wall := time.Unix(1000, 0)
	m := &Monotonic{wall: func() time.Time { return wall }}

	first := m.Now()
	wall = wall.Add(-time.Hour)
	second := m.Now()

	if !second.After(first) {
		t.Fatalf("expected %v after %v", second, first)
	}
}

func TestMonotonicConcurrentUnique(t *testing.T) {
	m := NewMonotonic()
	const workers, perWorker = 8, 200

	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ts := m.Now().UnixNano()
				mu.Lock()
				seen[ts] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique timestamps, got %d", workers*perWorker, len(seen))
	}
}

func TestManualAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)
	m.Advance(time.Minute)
	if got := m.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Fatalf("got %v", got)
	}
}
