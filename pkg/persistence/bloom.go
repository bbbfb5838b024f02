package persistence

import (
	"encoding/binary"
	"math"
	"math/bits"

	"eventdb/pkg/dberrors"
)

const maxHashCount = 10

// BloomFilter answers "maybe present" for stream hashes of a PTable.
type BloomFilter struct {
	words []uint64
	k     uint32
}

// NewBloomFilter sizes the filter for expectedItems at falsePositiveRate.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	m := math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	nwords := max(int((m+63)/64), 1)

	// k = (m/n) * ln(2)
	k := uint32(math.Round(float64(nwords*64) / float64(expectedItems) * math.Ln2))
	k = min(max(k, 1), maxHashCount)

	return &BloomFilter{words: make([]uint64, nwords), k: k}
}

// Add and MayContain derive k probes from the stream hash by double hashing.
func (bf *BloomFilter) Add(hash uint64) {
	n := uint64(len(bf.words) * 64)
	h1, h2 := hash, bits.RotateLeft64(hash, 32)|1
	for i := uint64(0); i < uint64(bf.k); i++ {
		bit := (h1 + i*h2) % n
		bf.words[bit/64] |= 1 << (bit % 64)
	}
}

func (bf *BloomFilter) MayContain(hash uint64) bool {
	n := uint64(len(bf.words) * 64)
	h1, h2 := hash, bits.RotateLeft64(hash, 32)|1
	for i := uint64(0); i < uint64(bf.k); i++ {
		bit := (h1 + i*h2) % n
		if bf.words[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) marshal() []byte {
	buf := make([]byte, 8, 8+len(bf.words)*8)
	binary.LittleEndian.PutUint32(buf[0:4], bf.k)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(bf.words)))
	for _, w := range bf.words {
		buf = binary.LittleEndian.AppendUint64(buf, w)
	}
	return buf
}

func unmarshalBloom(path string, buf []byte) (*BloomFilter, error) {
	if len(buf) < 8 {
		return nil, dberrors.Corrupt(path, "bloom filter too short")
	}
	k := binary.LittleEndian.Uint32(buf[0:4])
	n := int(binary.LittleEndian.Uint32(buf[4:8]))
	if k == 0 || k > maxHashCount || n == 0 || len(buf) != 8+n*8 {
		return nil, dberrors.Corrupt(path, "bloom filter header k=%d words=%d size=%d", k, n, len(buf))
	}
	bf := &BloomFilter{words: make([]uint64, n), k: k}
	for i := range bf.words {
		bf.words[i] = binary.LittleEndian.Uint64(buf[8+i*8:])
	}
	return bf, nil
}
