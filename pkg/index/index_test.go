package index

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"eventdb/pkg/dberrors"
	"eventdb/pkg/logrecord"
	"eventdb/pkg/persistence"
)

// fakeLog keeps records in memory; every record occupies one position.
type fakeLog struct {
	records map[int64]logrecord.Record
}

func newFakeLog() *fakeLog { return &fakeLog{records: make(map[int64]logrecord.Record)} }

func (l *fakeLog) add(rec logrecord.Record) { l.records[rec.Position()] = rec }

func (l *fakeLog) ReadRecord(pos int64) (logrecord.Record, error) {
	rec, ok := l.records[pos]
	if !ok {
		return nil, fmt.Errorf("%w: %d", dberrors.ErrNotFound, pos)
	}
	return rec, nil
}

func (l *fakeLog) ReadNext(pos, limit int64) (logrecord.Record, int64, error) {
	keys := make([]int64, 0, len(l.records))
	for k := range l.records {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k >= pos && k < limit {
			return l.records[k], k + 1, nil
		}
	}
	return nil, 0, io.EOF
}

func event(pos int64, stream string, number int64) *logrecord.Prepare {
	return &logrecord.Prepare{
		LogPosition:         pos,
		TransactionPosition: pos,
		Flags:               logrecord.FlagData | logrecord.FlagIsCommitted,
		EventStreamID:       stream,
		EventNumber:         number,
	}
}

type harness struct {
	t    *testing.T
	dir  string
	log  *fakeLog
	opts Options
	idx  *TableIndex
	b    *Builder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{t: t, dir: t.TempDir(), log: newFakeLog()}
	opts.Dir = h.dir
	h.opts = opts
	h.open()
	return h
}

func (h *harness) open() {
	h.t.Helper()
	idx, err := Open(h.log, h.opts)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = idx.Close() })
	h.idx = idx
	h.b = NewBuilder(idx, h.log)
}

func (h *harness) reopen() {
	h.t.Helper()
	require.NoError(h.t, h.idx.Close())
	h.open()
}

func (h *harness) write(recs ...logrecord.Record) {
	h.t.Helper()
	for _, rec := range recs {
		h.log.add(rec)
		require.NoError(h.t, h.b.Consume(rec, rec.Position()+1))
	}
}

func (h *harness) requireGet(stream string, number, want int64) {
	h.t.Helper()
	got, err := h.idx.Get(stream, number)
	require.NoError(h.t, err, "%s@%d", stream, number)
	require.Equal(h.t, want, got, "%s@%d", stream, number)
}

func TestGetRangeAndLastEventNumber(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(event(0, "a", 0), event(1, "b", 0), event(2, "a", 1), event(3, "a", 2))

	h.requireGet("a", 0, 0)
	h.requireGet("a", 2, 3)
	h.requireGet("b", 0, 1)

	_, err := h.idx.Get("a", 3)
	require.ErrorIs(t, err, dberrors.ErrNotFound)
	_, err = h.idx.Get("c", 0)
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	events, err := h.idx.Range("a")
	require.NoError(t, err)
	require.Equal(t, []EventPosition{{0, 0}, {1, 2}, {2, 3}}, events)

	last, err := h.idx.LastEventNumber("a")
	require.NoError(t, err)
	require.EqualValues(t, 2, last)
	last, err = h.idx.LastEventNumber("c")
	require.NoError(t, err)
	require.Equal(t, logrecord.NoEventNumber, last)

	require.EqualValues(t, 4, h.idx.BuiltPosition())
}

func TestDeletedStream(t *testing.T) {
	h := newHarness(t, Options{})
	tomb := event(2, "a", logrecord.DeletedStreamEventNumber)
	tomb.Flags |= logrecord.FlagStreamDelete
	h.write(event(0, "a", 0), event(1, "a", 1), tomb)

	deleted, err := h.idx.IsStreamDeleted("a")
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = h.idx.IsStreamDeleted("b")
	require.NoError(t, err)
	require.False(t, deleted)

	last, err := h.idx.LastEventNumber("a")
	require.NoError(t, err)
	require.Equal(t, logrecord.DeletedStreamEventNumber, last)

	events, err := h.idx.Range("a")
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestTwoPhaseTransaction(t *testing.T) {
	h := newHarness(t, Options{})
	prepare := func(pos int64, offset int32) *logrecord.Prepare {
		return &logrecord.Prepare{
			LogPosition:         pos,
			TransactionPosition: 10,
			TransactionOffset:   offset,
			Flags:               logrecord.FlagData,
			EventStreamID:       "tx",
			EventNumber:         logrecord.NoEventNumber,
		}
	}
	h.write(prepare(10, 0), prepare(11, 1))

	_, err := h.idx.Get("tx", 5)
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	h.write(&logrecord.Commit{LogPosition: 12, TransactionPosition: 10, FirstEventNumber: 5})
	h.requireGet("tx", 5, 10)
	h.requireGet("tx", 6, 11)
}

func TestCommitRereadsPreparesAfterRestart(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(&logrecord.Prepare{
		LogPosition:         0,
		TransactionPosition: 0,
		Flags:               logrecord.FlagData,
		EventStreamID:       "tx",
		EventNumber:         logrecord.NoEventNumber,
	})

	// a fresh builder has lost the buffered prepare
	h.b = NewBuilder(h.idx, h.log)
	h.write(&logrecord.Commit{LogPosition: 1, TransactionPosition: 0, FirstEventNumber: 0})
	h.requireGet("tx", 0, 0)
}

func TestCheckpointPersistsAcrossReopen(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(event(0, "a", 0), event(1, "a", 1))
	require.NoError(t, h.idx.Checkpoint())

	files, err := filepath.Glob(filepath.Join(h.dir, "*.ptable"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	// not flushed, lost on close
	h.write(event(2, "a", 2))
	h.reopen()

	require.False(t, h.idx.NeedsRebuild())
	require.EqualValues(t, 2, h.idx.BuiltPosition())
	h.requireGet("a", 1, 1)
	_, err = h.idx.Get("a", 2)
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	require.NoError(t, h.b.CatchUp(context.Background(), h.idx.BuiltPosition(), 3))
	h.requireGet("a", 2, 2)
}

func TestFullMemtableIsFrozenAndFlushed(t *testing.T) {
	h := newHarness(t, Options{MaxMemtableEntries: 2})
	h.write(event(0, "a", 0), event(1, "a", 1), event(2, "a", 2))

	v := h.idx.view.Load()
	require.Len(t, v.frozen, 1)
	require.Equal(t, 1, v.active.Len())
	// frozen entries stay readable until flushed
	h.requireGet("a", 0, 0)

	require.NoError(t, h.idx.FlushFrozen())
	v = h.idx.view.Load()
	require.Empty(t, v.frozen)
	require.Len(t, v.levels[0], 1)
	require.EqualValues(t, 2, h.idx.manifest.CommittedPosition())
	h.requireGet("a", 0, 0)
	h.requireGet("a", 2, 2)
}

func TestCompactionKeepsNewestEntry(t *testing.T) {
	h := newHarness(t, Options{CompactThreshold: 2})

	h.write(event(100, "s", 0))
	require.NoError(t, h.idx.Checkpoint())
	h.write(event(500, "s", 0))
	require.NoError(t, h.idx.Checkpoint())
	h.write(event(600, "s", 1))
	require.NoError(t, h.idx.Checkpoint())
	require.Len(t, h.idx.view.Load().levels[0], 3)

	require.NoError(t, h.idx.Compact())
	v := h.idx.view.Load()
	require.Empty(t, v.levels[0])
	require.Len(t, v.levels[1], 1)
	require.EqualValues(t, 2, v.levels[1][0].Len())

	h.requireGet("s", 0, 500)
	h.requireGet("s", 1, 600)

	files, err := filepath.Glob(filepath.Join(h.dir, "*.ptable"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	h.reopen()
	h.requireGet("s", 0, 500)
}

func TestHashCollisionsAreResolvedByStreamID(t *testing.T) {
	h := newHarness(t, Options{
		Hasher:           HasherFunc(func(string) uint64 { return 42 }),
		CompactThreshold: 2,
	})

	h.write(event(10, "a", 0))
	require.NoError(t, h.idx.Checkpoint())
	h.write(event(20, "b", 0))
	require.NoError(t, h.idx.Checkpoint())
	h.write(event(30, "a", 1))

	h.requireGet("a", 0, 10)
	h.requireGet("b", 0, 20)

	require.NoError(t, h.idx.Checkpoint())
	require.NoError(t, h.idx.Compact())
	h.requireGet("a", 0, 10)
	h.requireGet("b", 0, 20)
	h.requireGet("a", 1, 30)

	events, err := h.idx.Range("b")
	require.NoError(t, err)
	require.Equal(t, []EventPosition{{0, 20}}, events)

	last, err := h.idx.LastEventNumber("b")
	require.NoError(t, err)
	require.EqualValues(t, 0, last)
}

func TestMissingPTableTriggersRebuild(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(event(0, "a", 0), event(1, "a", 1))
	require.NoError(t, h.idx.Checkpoint())
	require.NoError(t, h.idx.Close())

	require.NoError(t, os.Remove(filepath.Join(h.dir, persistence.TableFileName(1))))
	h.open()

	require.True(t, h.idx.NeedsRebuild())
	require.EqualValues(t, 0, h.idx.BuiltPosition())
	_, err := h.idx.Get("a", 0)
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	require.NoError(t, h.b.CatchUp(context.Background(), 0, 2))
	h.requireGet("a", 0, 0)
	h.requireGet("a", 1, 1)
}

func TestScavengedRecordDoesNotVerify(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(event(0, "a", 0))
	delete(h.log.records, 0)

	_, err := h.idx.Get("a", 0)
	require.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestClosedIndexRejectsReads(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.idx.Close())
	_, err := h.idx.Get("a", 0)
	require.ErrorIs(t, err, dberrors.ErrClosed)
	require.ErrorIs(t, h.idx.FlushFrozen(), dberrors.ErrClosed)
}

func twoPhasePrepare(pos, txPos int64, stream string) *logrecord.Prepare {
	return &logrecord.Prepare{
		LogPosition:         pos,
		TransactionPosition: txPos,
		Flags:               logrecord.FlagData,
		EventStreamID:       stream,
		EventNumber:         logrecord.NoEventNumber,
	}
}

func TestUncommittedTransactionIsDroppedPastSpan(t *testing.T) {
	h := newHarness(t, Options{})
	h.b = NewBuilder(h.idx, h.log, WithTransactionSpan(4))

	h.write(twoPhasePrepare(0, 0, "tx"))
	require.Len(t, h.b.pending, 1)

	h.write(event(1, "a", 0), event(2, "a", 1), event(3, "a", 2))
	require.Len(t, h.b.pending, 1)
	h.write(event(4, "a", 3))
	require.Empty(t, h.b.pending)

	// a late commit still finds its prepare in the log
	h.write(&logrecord.Commit{LogPosition: 5, TransactionPosition: 0, FirstEventNumber: 0})
	h.requireGet("tx", 0, 0)
}

func TestCatchUpDropsIncompleteTransactions(t *testing.T) {
	h := newHarness(t, Options{})
	h.log.add(twoPhasePrepare(0, 0, "tx"))
	h.log.add(event(1, "a", 0))

	require.NoError(t, h.b.CatchUp(context.Background(), 0, 2))
	require.Empty(t, h.b.pending)
	h.requireGet("a", 0, 1)
	_, err := h.idx.Get("tx", 0)
	require.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestFailingFlushJobIsReportedAsFatal(t *testing.T) {
	fatal := make(chan error, 1)
	h := newHarness(t, Options{
		MaxMemtableEntries: 1,
		JobRetries:         2,
		Backoff:            func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})

	// a file in place of the directory makes every table write fail
	require.NoError(t, os.RemoveAll(h.dir))
	require.NoError(t, os.WriteFile(h.dir, nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.idx.RunJobs(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h.write(event(0, "a", 0), event(1, "a", 1))

	select {
	case err := <-fatal:
		require.ErrorContains(t, err, "index flush failed")
	case <-time.After(5 * time.Second):
		t.Fatal("flush failure was not reported")
	}
	// the frozen table stays readable
	h.requireGet("a", 0, 0)
}
