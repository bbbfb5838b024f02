package memtable

// Entry maps one event of a stream to its log position. Streams are known
// only by their hash here; callers resolve collisions by reading the record.
type Entry struct {
	Hash     uint64
	Number   int64
	Position int64
}

func (e Entry) Less(than Entry) bool {
	if e.Hash != than.Hash {
		return e.Hash < than.Hash
	}
	if e.Number != than.Number {
		return e.Number < than.Number
	}
	return e.Position < than.Position
}
