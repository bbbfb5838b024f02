package wal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"eventdb/pkg/checkpoint"
	"eventdb/pkg/chunk"
	"eventdb/pkg/db"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/logrecord"
)

func newWriter(t *testing.T, chunkSize int64, opts Options) (*Writer, *db.DB, *checkpoint.File) {
	t.Helper()
	dir := t.TempDir()
	cp, err := checkpoint.OpenFile(dir, checkpoint.Writer)
	require.NoError(t, err)
	d, err := db.Open(db.Options{Dir: dir, ChunkSize: chunkSize}, cp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	w, err := New(d, cp, opts)
	require.NoError(t, err)
	return w, d, cp
}

func event(stream, data string) *logrecord.Prepare {
	return &logrecord.Prepare{
		TransactionPosition: -1,
		Flags:               logrecord.FlagData | logrecord.FlagIsCommitted,
		EventStreamID:       stream,
		EventType:           "test",
		Data:                []byte(data),
	}
}

func TestFlushAdvancesCheckpointToRecordEnd(t *testing.T) {
	w, d, cp := newWriter(t, 4096, Options{})

	first, err := w.Append(event("orders", "one"))
	require.NoError(t, err)
	require.EqualValues(t, 0, first)
	second, err := w.Append(event("orders", "two"))
	require.NoError(t, err)
	require.Greater(t, second, first)

	// nothing is durable before the flush
	require.EqualValues(t, 0, cp.Read())
	require.NoError(t, w.Flush())
	require.Equal(t, w.Position(), cp.Read())

	rec, err := d.ReadRecord(second)
	require.NoError(t, err)
	p := rec.(*logrecord.Prepare)
	require.Equal(t, "two", string(p.Data))
	require.Equal(t, second, p.TransactionPosition)
}

func TestAppendRollsOverToContiguousChunk(t *testing.T) {
	var completed []int32
	w, d, cp := newWriter(t, 512, Options{
		OnChunkCompleted: func(c *chunk.Chunk) { completed = append(completed, c.Number()) },
	})

	var positions []int64
	for i := 0; i < 20; i++ {
		pos, err := w.Append(event("s", strings.Repeat("x", 64)))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, w.Flush())
	require.Greater(t, d.Manager().Count(), 1)
	require.Len(t, completed, d.Manager().Count()-1)

	for n := 1; n < d.Manager().Count(); n++ {
		prev, ok := d.Manager().Acquire(int32(n - 1))
		require.True(t, ok)
		cur, ok := d.Manager().Acquire(int32(n))
		require.True(t, ok)
		require.Equal(t, prev.LogicalEnd(), cur.LogicalStart())
		prev.Release()
		cur.Release()
	}

	pos := int64(0)
	for _, want := range positions {
		rec, next, err := d.ReadNext(pos, cp.Read())
		require.NoError(t, err)
		require.Equal(t, want, rec.Position())
		pos = next
	}
	require.Equal(t, cp.Read(), pos)
}

func TestAppendRejectsOversizeRecord(t *testing.T) {
	w, _, _ := newWriter(t, 256, Options{})

	_, err := w.Append(event("s", strings.Repeat("x", 1024)))
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	// the writer stays usable
	_, err = w.Append(event("s", "small"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
}

func TestAppendBatchIsContiguous(t *testing.T) {
	w, _, _ := newWriter(t, 4096, Options{})

	positions, err := w.AppendBatch([]logrecord.Record{event("a", "1"), event("a", "2"), event("a", "3")})
	require.NoError(t, err)
	require.Len(t, positions, 3)
	for i := 1; i < len(positions); i++ {
		require.Greater(t, positions[i], positions[i-1])
	}
}

func TestAppendTransactionSharesTransactionPosition(t *testing.T) {
	w, d, _ := newWriter(t, 4096, Options{})
	_, err := w.Append(event("other", "x"))
	require.NoError(t, err)

	prepare := func(offset int32) *logrecord.Prepare {
		return &logrecord.Prepare{
			TransactionPosition: -1,
			TransactionOffset:   offset,
			Flags:               logrecord.FlagData,
			EventStreamID:       "tx",
			EventNumber:         logrecord.NoEventNumber,
			Data:                []byte("e"),
		}
	}
	positions, err := w.AppendTransaction([]logrecord.Record{
		prepare(0),
		prepare(1),
		&logrecord.Commit{TransactionPosition: -1, FirstEventNumber: 0},
	})
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	for _, pos := range positions {
		rec, err := d.ReadRecord(pos)
		require.NoError(t, err)
		switch r := rec.(type) {
		case *logrecord.Prepare:
			require.Equal(t, positions[0], r.TransactionPosition)
		case *logrecord.Commit:
			require.Equal(t, positions[0], r.TransactionPosition)
		}
	}
}

func TestFlushFailureMovesWriterToFailedState(t *testing.T) {
	var fatal error
	w, _, cp := newWriter(t, 4096, Options{
		FlushRetries: 2,
		OnFatal:      func(err error) { fatal = err },
	})
	calls := 0
	w.syncFn = func(*chunk.Chunk) error {
		calls++
		return errors.New("disk on fire")
	}

	_, err := w.Append(event("s", "x"))
	require.NoError(t, err)

	err = w.Flush()
	require.ErrorIs(t, err, dberrors.ErrWriterFailed)
	require.Equal(t, 3, calls)
	require.Error(t, fatal)
	require.EqualValues(t, 0, cp.Read())

	_, err = w.Append(event("s", "y"))
	require.ErrorIs(t, err, dberrors.ErrWriterFailed)
	require.Error(t, w.Err())
}

func TestFlushRetriesTransientFailure(t *testing.T) {
	w, _, cp := newWriter(t, 4096, Options{FlushRetries: 3})
	calls := 0
	w.syncFn = func(c *chunk.Chunk) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return c.Sync()
	}

	_, err := w.Append(event("s", "x"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.Equal(t, w.Position(), cp.Read())
}

func TestAppendRejectsNilRecords(t *testing.T) {
	w, _, _ := newWriter(t, 4096, Options{})

	for _, rec := range []logrecord.Record{nil, (*logrecord.Prepare)(nil), (*logrecord.Commit)(nil)} {
		_, err := w.Append(rec)
		require.ErrorIs(t, err, dberrors.ErrInvalidArgument, "%T", rec)
	}
	require.Zero(t, w.Position())

	_, err := w.Append(event("s", "x"))
	require.NoError(t, err)
}

func TestCloseRejectsAppends(t *testing.T) {
	w, _, cp := newWriter(t, 4096, Options{})
	_, err := w.Append(event("s", "x"))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.Equal(t, w.Position(), cp.Read())

	_, err = w.Append(event("s", "y"))
	require.ErrorIs(t, err, dberrors.ErrClosed)
	require.NoError(t, w.Close())
}

func TestFlusherPublishesAppends(t *testing.T) {
	w, _, cp := newWriter(t, 4096, Options{})
	f := NewFlusher(w, time.Millisecond)
	f.Start(context.Background())
	defer f.Stop()

	_, err := w.Append(event("s", "x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := cp.Wait(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, w.Position(), got)
}
