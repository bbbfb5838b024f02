package memtable

// SortedSet is a frozen table handed to the flusher.
type SortedSet interface {
	// Sorted returns every entry ordered by hash, number and position.
	Sorted() []Entry
	// CoveredTo is the log position up to which the entries are complete.
	CoveredTo() int64
	Len() int
}

func (t *Table) Sorted() []Entry {
	result := make([]Entry, 0, t.Len())
	t.streams.Range(func(hash uint64, s *stream) bool {
		s.numbers.Range(func(number int64, positions []int64) bool {
			for _, pos := range positions {
				result = append(result, Entry{Hash: hash, Number: number, Position: pos})
			}
			return true
		})
		return true
	})

	return result
}
