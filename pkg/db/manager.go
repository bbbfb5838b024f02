package db

import (
	"fmt"
	"sort"
	"sync"

	"eventdb/pkg/chunk"
	"eventdb/pkg/dberrors"
)

// Manager owns the ordered list of live chunks. Slot i always holds chunk number i.
type Manager struct {
	mu     sync.RWMutex
	chunks []*chunk.Chunk
}

func NewManager() *Manager {
	return &Manager{}
}

// Add registers the next chunk in sequence.
func (m *Manager) Add(c *chunk.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(c.Number()) != len(m.chunks) {
		return fmt.Errorf("%w: adding chunk %d, expected %d", dberrors.ErrInvalidArgument, c.Number(), len(m.chunks))
	}
	if n := len(m.chunks); n > 0 {
		prev := m.chunks[n-1]
		if !prev.IsCompleted() {
			return fmt.Errorf("%w: chunk %d is still active", dberrors.ErrInvalidArgument, prev.Number())
		}
		if prev.LogicalEnd() != c.LogicalStart() {
			return fmt.Errorf("%w: chunk %d starts at %d, previous ends at %d",
				dberrors.ErrInvalidArgument, c.Number(), c.LogicalStart(), prev.LogicalEnd())
		}
	}
	m.chunks = append(m.chunks, c)
	return nil
}

// Switch atomically replaces a chunk with a new version covering the same
// logical range. The old version is deleted once its readers release it.
func (m *Manager) Switch(c *chunk.Chunk) error {
	m.mu.Lock()
	n := int(c.Number())
	if n >= len(m.chunks) {
		m.mu.Unlock()
		return fmt.Errorf("%w: switch of unknown chunk %d", dberrors.ErrInvalidArgument, n)
	}
	old := m.chunks[n]
	if !old.IsCompleted() || !c.IsCompleted() {
		m.mu.Unlock()
		return fmt.Errorf("%w: only completed chunks can be switched", dberrors.ErrInvalidArgument)
	}
	if old.LogicalStart() != c.LogicalStart() || old.LogicalEnd() != c.LogicalEnd() {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d range changed on switch", dberrors.ErrInvalidArgument, n)
	}
	if c.Version() <= old.Version() {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d version %d is not newer than %d", dberrors.ErrInvalidArgument, n, c.Version(), old.Version())
	}
	m.chunks[n] = c
	m.mu.Unlock()

	old.MarkForDeletion()
	return nil
}

// Acquire returns chunk number n with a reader reference taken.
func (m *Manager) Acquire(n int32) (*chunk.Chunk, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n < 0 || int(n) >= len(m.chunks) {
		return nil, false
	}
	c := m.chunks[n]
	if !c.Acquire() {
		return nil, false
	}
	return c, true
}

// AcquireFor returns the chunk whose logical range holds pos.
func (m *Manager) AcquireFor(pos int64) (*chunk.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.chunks), func(i int) bool { return m.chunks[i].LogicalStart() > pos }) - 1
	if i < 0 {
		return nil, fmt.Errorf("%w: no chunk for position %d", dberrors.ErrNotFound, pos)
	}
	c := m.chunks[i]
	if c.IsCompleted() && pos >= c.LogicalEnd() {
		return nil, fmt.Errorf("%w: position %d beyond last chunk", dberrors.ErrNotFound, pos)
	}
	if !c.Acquire() {
		return nil, fmt.Errorf("%w: chunk %d retired", dberrors.ErrNotFound, c.Number())
	}
	return c, nil
}

// Last returns the newest chunk without taking a reference. Only the writer may use it.
func (m *Manager) Last() *chunk.Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.chunks) == 0 {
		return nil
	}
	return m.chunks[len(m.chunks)-1]
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// AcquireAll references every chunk; call the returned func to release them.
func (m *Manager) AcquireAll() ([]*chunk.Chunk, func()) {
	m.mu.RLock()
	out := make([]*chunk.Chunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		if c.Acquire() {
			out = append(out, c)
		}
	}
	m.mu.RUnlock()

	return out, func() {
		for _, c := range out {
			c.Release()
		}
	}
}

// Close drops the owner reference of every chunk.
func (m *Manager) Close() error {
	m.mu.Lock()
	chunks := m.chunks
	m.chunks = nil
	m.mu.Unlock()

	var firstErr error
	for _, c := range chunks {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
