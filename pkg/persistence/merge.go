package persistence

import (
	"cmp"
	"container/heap"
	"fmt"
	"slices"
	"time"

	"eventdb/pkg/memtable"
)

// DistinctFunc reports whether two entries with the same hash and number
// belong to different streams.
type DistinctFunc func(a, b memtable.Entry) (bool, error)

type mergeItem struct {
	entry  memtable.Entry
	source int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].entry == h[j].entry {
		return h[i].source < h[j].source
	}
	return h[i].entry.Less(h[j].entry)
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// Merge combines sources, ordered newest first, into one table at path. For a
// hash and number present in several sources the newest source wins; entries
// of older sources survive only when distinct says they belong to another
// stream. A nil distinct drops them.
func Merge(path string, id uint64, sources []*PTable, distinct DistinctFunc, fpRate float64, createdAt time.Time, opts TableOptions) (*PTable, error) {
	var (
		expected  int64
		coveredTo int64
	)
	iters := make([]*Iterator, len(sources))
	h := make(mergeHeap, 0, len(sources))
	for i, src := range sources {
		expected += src.Len()
		coveredTo = max(coveredTo, src.CoveredTo())
		iters[i] = src.Iterator()
		if e, ok := iters[i].Next(); ok {
			h = append(h, mergeItem{entry: e, source: i})
		}
	}
	heap.Init(&h)

	tw, err := NewTableWriter(path, id, int(expected), coveredTo, fpRate, createdAt, opts)
	if err != nil {
		return nil, err
	}

	var group []mergeItem
	flush := func() error {
		kept, err := resolveGroup(group, distinct)
		if err != nil {
			return err
		}
		for _, e := range kept {
			if err := tw.Add(e); err != nil {
				return err
			}
		}
		group = group[:0]
		return nil
	}

	for h.Len() > 0 {
		it := heap.Pop(&h).(mergeItem)
		if e, ok := iters[it.source].Next(); ok {
			heap.Push(&h, mergeItem{entry: e, source: it.source})
		}
		if len(group) > 0 && (group[0].entry.Hash != it.entry.Hash || group[0].entry.Number != it.entry.Number) {
			if err := flush(); err != nil {
				tw.Abort()
				return nil, err
			}
		}
		group = append(group, it)
	}
	if err := flush(); err != nil {
		tw.Abort()
		return nil, err
	}

	for i, it := range iters {
		if err := it.Err(); err != nil {
			tw.Abort()
			return nil, fmt.Errorf("failed to read ptable %d: %w", sources[i].ID(), err)
		}
	}
	return tw.Finish()
}

// resolveGroup picks the surviving entries among those sharing hash and number.
func resolveGroup(group []mergeItem, distinct DistinctFunc) ([]memtable.Entry, error) {
	if len(group) == 0 {
		return nil, nil
	}
	newest := group[0].source
	for _, it := range group {
		newest = min(newest, it.source)
	}

	var kept []memtable.Entry
	for _, it := range group {
		if it.source == newest && !slices.Contains(kept, it.entry) {
			kept = append(kept, it.entry)
		}
	}

	for _, it := range group {
		if it.source == newest || distinct == nil || slices.Contains(kept, it.entry) {
			continue
		}
		other := true
		for _, k := range kept {
			d, err := distinct(k, it.entry)
			if err != nil {
				return nil, err
			}
			if !d {
				other = false
				break
			}
		}
		if other {
			kept = append(kept, it.entry)
		}
	}

	slices.SortFunc(kept, func(a, b memtable.Entry) int { return cmp.Compare(a.Position, b.Position) })
	return kept, nil
}
