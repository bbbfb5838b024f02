package persistence

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"eventdb/pkg/dberrors"
	"eventdb/pkg/memtable"
)

// PTable file layout:
//
//	header  [magic EVPT][version u32][entries u64][covered i64][created unix nano i64]
//	entries [hash u64][number i64][position i64] sorted by hash, number, position
//	bloom   [k u32][words u32][word u64]...
//	footer  [bloom offset u64][bloom size u64][xxhash64 u64][magic EVPF][reserved u32]
//
// The checksum covers everything before the footer.
const (
	tableMagic      = "EVPT"
	tableFootMagic  = "EVPF"
	tableVersion    = 1
	TableHeaderSize = 32
	TableFooterSize = 32
	EntrySize       = 24

	DefaultSparseInterval = 256
)

type TableOptions struct {
	// SparseInterval is the number of entries per page; the first entry of
	// every page is kept in memory to narrow searches.
	SparseInterval int
	Cache          *BlockCache
}

func (o TableOptions) interval() int {
	if o.SparseInterval > 0 {
		return o.SparseInterval
	}
	return DefaultSparseInterval
}

// PTable is an immutable, sorted on-disk table of index entries.
type PTable struct {
	id        uint64
	path      string
	file      *os.File
	count     int64
	coveredTo int64
	createdAt time.Time

	bloom     *BloomFilter
	midpoints []memtable.Entry
	interval  int
	cache     *BlockCache

	refs     atomic.Int64
	deleting atomic.Bool
}

// OpenTable loads the table at path and verifies its checksum.
func OpenTable(path string, id uint64, opts TableOptions) (*PTable, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrPTableNotFound, filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ptable: %w", err)
	}

	t := &PTable{id: id, path: path, file: file, interval: opts.interval(), cache: opts.Cache}
	if err := t.load(); err != nil {
		_ = file.Close()
		return nil, err
	}
	t.refs.Store(1)
	return t, nil
}

func (t *PTable) load() error {
	st, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat ptable: %w", err)
	}
	size := st.Size()
	if size < TableHeaderSize+TableFooterSize {
		return dberrors.Corrupt(t.path, "ptable of %d bytes is too small", size)
	}

	foot := make([]byte, TableFooterSize)
	if _, err := t.file.ReadAt(foot, size-TableFooterSize); err != nil {
		return fmt.Errorf("failed to read ptable footer: %w", err)
	}
	if string(foot[24:28]) != tableFootMagic {
		return dberrors.Corrupt(t.path, "bad ptable footer magic")
	}
	bloomOff := int64(binary.LittleEndian.Uint64(foot[0:8]))
	bloomLen := int64(binary.LittleEndian.Uint64(foot[8:16]))
	checksum := binary.LittleEndian.Uint64(foot[16:24])
	if bloomOff < TableHeaderSize || bloomLen < 0 || bloomOff+bloomLen+TableFooterSize != size {
		return dberrors.Corrupt(t.path, "ptable footer layout does not match file size %d", size)
	}

	digest := xxhash.New()
	r := bufio.NewReader(io.TeeReader(io.NewSectionReader(t.file, 0, bloomOff+bloomLen), digest))

	head := make([]byte, TableHeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return fmt.Errorf("failed to read ptable header: %w", err)
	}
	if string(head[0:4]) != tableMagic {
		return dberrors.Corrupt(t.path, "bad ptable magic")
	}
	if v := binary.LittleEndian.Uint32(head[4:8]); v != tableVersion {
		return dberrors.Corrupt(t.path, "unsupported ptable version %d", v)
	}
	t.count = int64(binary.LittleEndian.Uint64(head[8:16]))
	t.coveredTo = int64(binary.LittleEndian.Uint64(head[16:24]))
	t.createdAt = time.Unix(0, int64(binary.LittleEndian.Uint64(head[24:32]))).UTC()
	if TableHeaderSize+t.count*EntrySize != bloomOff {
		return dberrors.Corrupt(t.path, "ptable declares %d entries but bloom starts at %d", t.count, bloomOff)
	}

	buf := make([]byte, EntrySize)
	for i := int64(0); i < t.count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("failed to read ptable entries: %w", err)
		}
		if i%int64(t.interval) == 0 {
			t.midpoints = append(t.midpoints, decodeEntry(buf))
		}
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read ptable bloom filter: %w", err)
	}
	if digest.Sum64() != checksum {
		return dberrors.Corrupt(t.path, "ptable checksum mismatch")
	}
	t.bloom, err = unmarshalBloom(t.path, raw)
	return err
}

func (t *PTable) ID() uint64           { return t.id }
func (t *PTable) Path() string         { return t.path }
func (t *PTable) Len() int64           { return t.count }
func (t *PTable) CoveredTo() int64     { return t.coveredTo }
func (t *PTable) CreatedAt() time.Time { return t.createdAt }

// MayContain consults the bloom filter only.
func (t *PTable) MayContain(hash uint64) bool { return t.bloom.MayContain(hash) }

func (t *PTable) pages() int {
	return int((t.count + int64(t.interval) - 1) / int64(t.interval))
}

func (t *PTable) page(p int) ([]memtable.Entry, error) {
	if entries, ok := t.cache.Get(t.id, p); ok {
		return entries, nil
	}
	entries, err := t.readPage(p)
	if err != nil {
		return nil, err
	}
	t.cache.Set(t.id, p, entries)
	return entries, nil
}

func (t *PTable) readPage(p int) ([]memtable.Entry, error) {
	first := int64(p) * int64(t.interval)
	n := min(int64(t.interval), t.count-first)
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n*EntrySize)
	if _, err := t.file.ReadAt(buf, TableHeaderSize+first*EntrySize); err != nil {
		return nil, fmt.Errorf("failed to read ptable page %d: %w", p, err)
	}
	entries := make([]memtable.Entry, n)
	for i := range entries {
		entries[i] = decodeEntry(buf[i*EntrySize:])
	}
	return entries, nil
}

// scanFrom calls fn for entries at or after target until fn returns false.
func (t *PTable) scanFrom(target memtable.Entry, fn func(memtable.Entry) bool) error {
	i := sort.Search(len(t.midpoints), func(i int) bool { return !t.midpoints[i].Less(target) })
	for p := max(i-1, 0); p < t.pages(); p++ {
		entries, err := t.page(p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Less(target) {
				continue
			}
			if !fn(e) {
				return nil
			}
		}
	}
	return nil
}

// Lookup returns the positions stored for (hash, number), newest first.
func (t *PTable) Lookup(hash uint64, number int64) ([]int64, error) {
	if !t.bloom.MayContain(hash) {
		return nil, nil
	}
	var out []int64
	err := t.scanFrom(memtable.Entry{Hash: hash, Number: number, Position: math.MinInt64}, func(e memtable.Entry) bool {
		if e.Hash != hash || e.Number != number {
			return false
		}
		out = append(out, e.Position)
		return true
	})
	slices.Reverse(out)
	return out, err
}

// Stream returns every entry of hash in ascending order.
func (t *PTable) Stream(hash uint64) ([]memtable.Entry, error) {
	if !t.bloom.MayContain(hash) {
		return nil, nil
	}
	var out []memtable.Entry
	err := t.scanFrom(memtable.Entry{Hash: hash, Number: math.MinInt64, Position: math.MinInt64}, func(e memtable.Entry) bool {
		if e.Hash != hash {
			return false
		}
		out = append(out, e)
		return true
	})
	return out, err
}

// Iterator walks the whole table in order without touching the block cache.
type Iterator struct {
	t       *PTable
	page    int
	entries []memtable.Entry
	err     error
}

func (t *PTable) Iterator() *Iterator { return &Iterator{t: t} }

func (it *Iterator) Next() (memtable.Entry, bool) {
	for len(it.entries) == 0 {
		if it.err != nil || it.page >= it.t.pages() {
			return memtable.Entry{}, false
		}
		it.entries, it.err = it.t.readPage(it.page)
		it.page++
	}
	e := it.entries[0]
	it.entries = it.entries[1:]
	return e, true
}

func (it *Iterator) Err() error { return it.err }

// Acquire takes a reader reference. It fails once the table has been retired.
func (t *PTable) Acquire() bool {
	for {
		r := t.refs.Load()
		if r <= 0 {
			return false
		}
		if t.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// Release drops a reference; the last one closes the file and removes it
// when the table was retired.
func (t *PTable) Release() {
	if t.refs.Add(-1) != 0 {
		return
	}
	if err := t.file.Close(); err != nil {
		slog.Warn("failed to close ptable", "table", filepath.Base(t.path), "error", err)
	}
	t.cache.Drop(t.id)
	if t.deleting.Load() {
		if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to delete retired ptable", "table", filepath.Base(t.path), "error", err)
			return
		}
		slog.Debug("deleted retired ptable", "table", filepath.Base(t.path))
	}
}

// MarkForDeletion drops the owner reference and removes the file once unused.
func (t *PTable) MarkForDeletion() {
	t.deleting.Store(true)
	t.Release()
}

// Close drops the owner reference.
func (t *PTable) Close() error {
	t.Release()
	return nil
}

func decodeEntry(buf []byte) memtable.Entry {
	return memtable.Entry{
		Hash:     binary.LittleEndian.Uint64(buf[0:8]),
		Number:   int64(binary.LittleEndian.Uint64(buf[8:16])),
		Position: int64(binary.LittleEndian.Uint64(buf[16:24])),
	}
}

func appendEntry(buf []byte, e memtable.Entry) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, e.Hash)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Number))
	return binary.LittleEndian.AppendUint64(buf, uint64(e.Position))
}
