package index

import "github.com/cespare/xxhash/v2"

// Hasher maps a stream id to the 64-bit key stored in the index.
type Hasher interface {
	Hash(stream string) uint64
}

type HasherFunc func(stream string) uint64

func (f HasherFunc) Hash(stream string) uint64 { return f(stream) }

// XXHasher is the default hasher.
type XXHasher struct{}

func (XXHasher) Hash(stream string) uint64 { return xxhash.Sum64String(stream) }
