package index

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"eventdb/pkg/clock"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/logrecord"
	"eventdb/pkg/memtable"
	"eventdb/pkg/metrics"
	"eventdb/pkg/persistence"
)

// Log is the read side of the transaction log the index points into.
type Log interface {
	ReadRecord(pos int64) (logrecord.Record, error)
	ReadNext(pos, limit int64) (logrecord.Record, int64, error)
}

type Options struct {
	Dir                string
	MaxMemtableEntries int
	FlushChanBuffSize  int
	CompactThreshold   int
	SparseInterval     int
	BloomFPRate        float64
	CacheBlocks        int
	Hasher             Hasher
	Clock              clock.Clock
	Metrics            *metrics.Metrics

	// JobRetries bounds how often a failing flush or merge is retried
	// before OnFatal is called.
	JobRetries int
	Backoff    func() backoff.BackOff
	OnFatal    func(error)
}

// EventPosition is one resolved event of a stream.
type EventPosition struct {
	Number   int64
	Position int64
}

// view is an immutable snapshot of every index source. Readers load it
// with one atomic read, so a frozen memtable and the PTable built from it
// are never both missing.
type view struct {
	active *memtable.Table
	// frozen tables waiting for a flush, oldest first
	frozen []*memtable.Table
	// levels[0] holds the newest tables; within a level tables are oldest first
	levels [][]*persistence.PTable
}

// TableIndex maps (stream, event number) to log positions.
type TableIndex struct {
	opts     Options
	log      Log
	hasher   Hasher
	manifest *persistence.Manifest
	cache    *persistence.BlockCache
	m        *metrics.Metrics
	logger   *slog.Logger

	view   atomic.Pointer[view]
	viewMu sync.Mutex // serializes view writers

	flushMu   sync.Mutex
	compactMu sync.Mutex
	flushCh   chan struct{}
	mergeCh   chan struct{}

	rebuilt bool
	closed  atomic.Bool
}

// Open loads the index from opts.Dir. When a table listed in the manifest is
// missing or damaged the index is reset and NeedsRebuild reports true; the
// caller then replays the log from position zero.
func Open(log Log, opts Options) (*TableIndex, error) {
	if opts.Hasher == nil {
		opts.Hasher = XXHasher{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewMonotonic()
	}
	if opts.MaxMemtableEntries <= 0 {
		opts.MaxMemtableEntries = 1_000_000
	}
	if opts.CompactThreshold < 2 {
		opts.CompactThreshold = 4
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}

	idx := &TableIndex{
		opts:     opts,
		log:      log,
		hasher:   opts.Hasher,
		manifest: persistence.NewManifest(opts.Dir),
		cache:    persistence.NewBlockCache(opts.CacheBlocks),
		m:        metrics.Or(opts.Metrics),
		logger:   slog.Default().With("component", "index"),
		flushCh:  make(chan struct{}, max(opts.FlushChanBuffSize, 1)),
		mergeCh:  make(chan struct{}, 1),
	}

	levels, err := idx.load()
	if err != nil {
		if !errors.Is(err, dberrors.ErrPTableNotFound) && !errors.Is(err, dberrors.ErrCorruptDatabase) {
			return nil, err
		}
		idx.logger.Warn("index is damaged, rebuilding from the start of the log", "error", err)
		if err := idx.manifest.Reset(); err != nil {
			return nil, err
		}
		if _, err := idx.manifest.RemoveOrphans(); err != nil {
			return nil, err
		}
		idx.rebuilt = true
		idx.m.IndexRebuilds.Inc()
		levels = nil
	}

	idx.view.Store(&view{
		active: memtable.New(idx.manifest.CommittedPosition()),
		levels: levels,
	})
	idx.reportTables(levels)
	idx.logger.Info("index opened", "committed", idx.manifest.CommittedPosition(), "tables", countTables(levels))
	return idx, nil
}

func (idx *TableIndex) load() ([][]*persistence.PTable, error) {
	if err := idx.manifest.Load(); err != nil {
		if errors.Is(err, dberrors.ErrCorruptDatabase) {
			// a fresh manifest is needed before the reset can be saved
			idx.manifest = persistence.NewManifest(idx.opts.Dir)
		}
		return nil, err
	}
	removed, err := idx.manifest.RemoveOrphans()
	if err != nil {
		return nil, err
	}
	for _, name := range removed {
		idx.logger.Info("removed orphan ptable", "file", name)
	}

	infos := idx.manifest.Levels()
	levels := make([][]*persistence.PTable, len(infos))
	for i, level := range infos {
		for _, info := range level {
			t, err := persistence.OpenTable(filepath.Join(idx.opts.Dir, info.File), info.ID, idx.tableOptions())
			if err != nil {
				closeLevels(levels)
				return nil, fmt.Errorf("failed to open ptable %d: %w", info.ID, err)
			}
			levels[i] = append(levels[i], t)
		}
	}
	return levels, nil
}

func (idx *TableIndex) tableOptions() persistence.TableOptions {
	return persistence.TableOptions{SparseInterval: idx.opts.SparseInterval, Cache: idx.cache}
}

// NeedsRebuild reports whether Open discarded a damaged index.
func (idx *TableIndex) NeedsRebuild() bool { return idx.rebuilt }

// BuiltPosition is the log position below which every record is indexed.
func (idx *TableIndex) BuiltPosition() int64 { return idx.view.Load().active.CoveredTo() }

// Hash exposes the configured stream hasher.
func (idx *TableIndex) Hash(stream string) uint64 { return idx.hasher.Hash(stream) }

// Put adds an entry to the active memtable. Only the index builder calls it.
func (idx *TableIndex) Put(hash uint64, number, position int64) {
	idx.view.Load().active.Put(hash, number, position)
	idx.m.IndexEntries.Inc()
}

// Commit marks every record before next as indexed and freezes the active
// memtable once it is full.
func (idx *TableIndex) Commit(next int64) {
	active := idx.view.Load().active
	active.Commit(next)
	if active.Len() >= idx.opts.MaxMemtableEntries {
		idx.freeze()
	}
}

// acquire pins every PTable of the current view.
func (idx *TableIndex) acquire() (*view, func(), error) {
	for {
		if idx.closed.Load() {
			return nil, nil, dberrors.ErrClosed
		}
		v := idx.view.Load()
		var held []*persistence.PTable
		ok := true
	levels:
		for _, level := range v.levels {
			for _, t := range level {
				if !t.Acquire() {
					ok = false
					break levels
				}
				held = append(held, t)
			}
		}
		release := func() {
			for _, t := range held {
				t.Release()
			}
		}
		if ok {
			return v, release, nil
		}
		// a merge retired a table after the view was loaded; take the new view
		release()
	}
}

// source is one lookup layer in priority order.
type source interface {
	lookup(hash uint64, number int64) ([]int64, error)
	stream(hash uint64) ([]memtable.Entry, error)
}

type memSource struct{ t *memtable.Table }

func (s memSource) lookup(hash uint64, number int64) ([]int64, error) {
	return s.t.Lookup(hash, number), nil
}
func (s memSource) stream(hash uint64) ([]memtable.Entry, error) { return s.t.Stream(hash), nil }

type tableSource struct{ t *persistence.PTable }

func (s tableSource) lookup(hash uint64, number int64) ([]int64, error) {
	return s.t.Lookup(hash, number)
}
func (s tableSource) stream(hash uint64) ([]memtable.Entry, error) { return s.t.Stream(hash) }

// sources lists v from newest to oldest.
func (v *view) sources() []source {
	out := []source{memSource{v.active}}
	for i := len(v.frozen) - 1; i >= 0; i-- {
		out = append(out, memSource{v.frozen[i]})
	}
	for _, level := range v.levels {
		for i := len(level) - 1; i >= 0; i-- {
			out = append(out, tableSource{level[i]})
		}
	}
	return out
}

// Get returns the log position of event number of stream. Every candidate is
// checked against the record it points to; a hash collision falls through
// to older sources.
func (idx *TableIndex) Get(stream string, number int64) (int64, error) {
	v, release, err := idx.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	hash := idx.hasher.Hash(stream)
	for _, src := range v.sources() {
		positions, err := src.lookup(hash, number)
		if err != nil {
			return 0, err
		}
		for _, pos := range positions {
			ok, err := idx.verify(pos, stream)
			if err != nil {
				return 0, err
			}
			if ok {
				idx.m.IndexLookups.WithLabelValues("hit").Inc()
				return pos, nil
			}
			idx.m.IndexLookups.WithLabelValues("collision").Inc()
		}
	}
	idx.m.IndexLookups.WithLabelValues("miss").Inc()
	return 0, fmt.Errorf("%w: %s@%d", dberrors.ErrNotFound, stream, number)
}

// verify reports whether the record at pos is a prepare of stream. Records
// removed by a scavenge do not verify.
func (idx *TableIndex) verify(pos int64, stream string) (bool, error) {
	s, err := idx.streamAt(pos)
	if err != nil {
		return false, err
	}
	return s == stream, nil
}

func (idx *TableIndex) streamAt(pos int64) (string, error) {
	rec, err := idx.log.ReadRecord(pos)
	if errors.Is(err, dberrors.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read record at %d: %w", pos, err)
	}
	if p, ok := rec.(*logrecord.Prepare); ok {
		return p.EventStreamID, nil
	}
	return "", nil
}

// Range returns the events of stream, newest source winning per number,
// ordered by number. The tombstone entry is not included.
func (idx *TableIndex) Range(stream string) ([]EventPosition, error) {
	v, release, err := idx.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	hash := idx.hasher.Hash(stream)
	resolved := make(map[int64]int64)
	for _, src := range v.sources() {
		entries, err := src.stream(hash)
		if err != nil {
			return nil, err
		}
		// newest position first within a source
		slices.Reverse(entries)
		for _, e := range entries {
			if e.Number == logrecord.DeletedStreamEventNumber {
				continue
			}
			if _, done := resolved[e.Number]; done {
				continue
			}
			ok, err := idx.verify(e.Position, stream)
			if err != nil {
				return nil, err
			}
			if ok {
				resolved[e.Number] = e.Position
			}
		}
	}

	out := make([]EventPosition, 0, len(resolved))
	for n, pos := range resolved {
		out = append(out, EventPosition{Number: n, Position: pos})
	}
	slices.SortFunc(out, func(a, b EventPosition) int { return cmp.Compare(a.Number, b.Number) })
	return out, nil
}

// LastEventNumber returns the highest indexed event number of stream,
// DeletedStreamEventNumber for a deleted stream, or NoEventNumber.
func (idx *TableIndex) LastEventNumber(stream string) (int64, error) {
	v, release, err := idx.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	hash := idx.hasher.Hash(stream)
	var candidates []memtable.Entry
	for _, src := range v.sources() {
		entries, err := src.stream(hash)
		if err != nil {
			return 0, err
		}
		candidates = append(candidates, entries...)
	}
	slices.SortFunc(candidates, func(a, b memtable.Entry) int {
		if c := cmp.Compare(b.Number, a.Number); c != 0 {
			return c
		}
		return cmp.Compare(b.Position, a.Position)
	})

	for _, e := range candidates {
		ok, err := idx.verify(e.Position, stream)
		if err != nil {
			return 0, err
		}
		if ok {
			return e.Number, nil
		}
	}
	return logrecord.NoEventNumber, nil
}

// IsStreamDeleted reports whether stream has a hard-delete tombstone.
func (idx *TableIndex) IsStreamDeleted(stream string) (bool, error) {
	_, err := idx.Get(stream, logrecord.DeletedStreamEventNumber)
	if errors.Is(err, dberrors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (idx *TableIndex) reportTables(levels [][]*persistence.PTable) {
	for i, level := range levels {
		idx.m.IndexTables.WithLabelValues(strconv.Itoa(i)).Set(float64(len(level)))
	}
}

// Close releases every table. Entries not yet in a PTable are rebuilt from
// the log on the next start.
func (idx *TableIndex) Close() error {
	if idx.closed.Swap(true) {
		return nil
	}
	idx.flushMu.Lock()
	defer idx.flushMu.Unlock()
	idx.compactMu.Lock()
	defer idx.compactMu.Unlock()

	closeLevels(idx.view.Load().levels)
	return nil
}

func closeLevels(levels [][]*persistence.PTable) {
	for _, level := range levels {
		for _, t := range level {
			_ = t.Close()
		}
	}
}

func countTables(levels [][]*persistence.PTable) int {
	n := 0
	for _, level := range levels {
		n += len(level)
	}
	return n
}
