package store

import (
	"sync"

	"eventdb/pkg/index"
)

// pendingStreams remembers writes the index has not seen yet, so that
// expected version checks and reads right after a write are consistent.
type pendingStreams struct {
	mu      sync.Mutex
	streams map[string]*pendingStream
}

type pendingStream struct {
	last int64
	// indexedAt is the position whose indexing makes every event visible.
	indexedAt int64
	events    map[int64]int64
}

func newPendingStreams() *pendingStreams {
	return &pendingStreams{streams: make(map[string]*pendingStream)}
}

// add records event number of stream at pos. The entry is kept until the
// index has passed indexedAt.
func (p *pendingStreams) add(stream string, number, pos, indexedAt int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[stream]
	if !ok {
		s = &pendingStream{events: make(map[int64]int64)}
		p.streams[stream] = s
	}
	s.events[number] = pos
	s.last = number
	s.indexedAt = max(s.indexedAt, indexedAt)
}

func (p *pendingStreams) last(stream string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[stream]
	if !ok {
		return 0, false
	}
	return s.last, true
}

func (p *pendingStreams) get(stream string, number int64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[stream]
	if !ok {
		return 0, false
	}
	pos, ok := s.events[number]
	return pos, ok
}

func (p *pendingStreams) events(stream string) []index.EventPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[stream]
	if !ok {
		return nil
	}
	out := make([]index.EventPosition, 0, len(s.events))
	for n, pos := range s.events {
		out = append(out, index.EventPosition{Number: n, Position: pos})
	}
	return out
}

// prune drops every stream the index has fully caught up with.
func (p *pendingStreams) prune(built int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, s := range p.streams {
		if s.indexedAt < built {
			delete(p.streams, name)
		}
	}
}

func (p *pendingStreams) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}
