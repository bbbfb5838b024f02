package memtable

import (
	"slices"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

type stream struct {
	// event number -> positions in ascending order; more than one only on
	// hash collisions or rewrites of the same number
	numbers *skipmap.OrderedMap[int64, []int64]
}

// Table is the in-memory part of the stream index: hash -> event number ->
// log position. It allows one writer and any number of concurrent readers.
type Table struct {
	streams   *skipmap.OrderedMap[uint64, *stream]
	count     atomic.Int64
	coveredTo atomic.Int64
}

// New returns an empty table whose entries are complete up to coveredTo.
func New(coveredTo int64) *Table {
	t := &Table{streams: skipmap.New[uint64, *stream]()}
	t.coveredTo.Store(coveredTo)
	return t
}

// Put adds an entry. Only one goroutine may call Put.
func (t *Table) Put(hash uint64, number, position int64) {
	s, _ := t.streams.LoadOrStoreLazy(hash, func() *stream {
		return &stream{numbers: skipmap.New[int64, []int64]()}
	})

	old, _ := s.numbers.Load(number)
	i, found := slices.BinarySearch(old, position)
	if found {
		return
	}
	positions := slices.Insert(slices.Clone(old), i, position)
	s.numbers.Store(number, positions)
	t.count.Add(1)
}

// Lookup returns the positions stored for (hash, number), newest first.
func (t *Table) Lookup(hash uint64, number int64) []int64 {
	s, ok := t.streams.Load(hash)
	if !ok {
		return nil
	}
	positions, ok := s.numbers.Load(number)
	if !ok {
		return nil
	}
	out := slices.Clone(positions)
	slices.Reverse(out)
	return out
}

// Stream returns every entry of hash ordered by number and position.
func (t *Table) Stream(hash uint64) []Entry {
	s, ok := t.streams.Load(hash)
	if !ok {
		return nil
	}
	var out []Entry
	s.numbers.Range(func(number int64, positions []int64) bool {
		for _, pos := range positions {
			out = append(out, Entry{Hash: hash, Number: number, Position: pos})
		}
		return true
	})
	return out
}

func (t *Table) Len() int { return int(t.count.Load()) }

func (t *Table) CoveredTo() int64 { return t.coveredTo.Load() }

// Commit records that every log record before pos has been added.
func (t *Table) Commit(pos int64) {
	for {
		cur := t.coveredTo.Load()
		if pos <= cur || t.coveredTo.CompareAndSwap(cur, pos) {
			return
		}
	}
}
