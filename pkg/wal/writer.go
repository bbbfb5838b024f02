package wal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"eventdb/pkg/checkpoint"
	"eventdb/pkg/chunk"
	"eventdb/pkg/db"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/logrecord"
	"eventdb/pkg/metrics"
)

type Options struct {
	// FlushRetries bounds how often a failing flush is retried before the
	// writer gives up for good.
	FlushRetries int
	// Backoff builds the retry schedule; exponential by default.
	Backoff func() backoff.BackOff
	// OnChunkCompleted runs on the appending goroutine after a chunk is sealed.
	OnChunkCompleted func(*chunk.Chunk)
	// OnFatal is called once when the writer enters the failed state.
	OnFatal func(error)
	Metrics *metrics.Metrics
}

// Writer is the single append path into the log.
type Writer struct {
	db   *db.DB
	cp   checkpoint.Checkpoint
	opts Options
	log  *slog.Logger
	m    *metrics.Metrics

	mu     sync.Mutex
	active *chunk.Chunk
	pos    int64
	failed error
	closed bool

	flushMu sync.Mutex
	syncFn  func(*chunk.Chunk) error
}

// New attaches a writer to the active chunk of a recovered db.
func New(database *db.DB, cp checkpoint.Checkpoint, opts Options) (*Writer, error) {
	active := database.Manager().Last()
	if active == nil || active.IsCompleted() {
		return nil, fmt.Errorf("%w: db has no active chunk", dberrors.ErrInvalidArgument)
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		}
	}

	w := &Writer{
		db:     database,
		cp:     cp,
		opts:   opts,
		log:    slog.Default().With("component", "writer"),
		m:      metrics.Or(opts.Metrics),
		active: active,
		pos:    active.LogicalEnd(),
		syncFn: (*chunk.Chunk).Sync,
	}
	if w.pos != cp.Read() {
		return nil, dberrors.Corrupt("", "writer checkpoint %d does not match log end %d", cp.Read(), w.pos)
	}
	w.m.Checkpoint.WithLabelValues(cp.Name()).Set(float64(w.pos))
	return w, nil
}

// Append buffers rec and returns its log position. The record is durable
// only after a Flush that covers the position.
func (w *Writer) Append(rec logrecord.Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(rec)
}

// AppendBatch appends records at contiguous positions without interleaving other writers.
func (w *Writer) AppendBatch(recs []logrecord.Record) ([]int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	positions := make([]int64, 0, len(recs))
	for _, rec := range recs {
		pos, err := w.appendLocked(rec)
		if err != nil {
			return positions, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// AppendTransaction appends recs like AppendBatch. Records without a
// transaction position join the transaction started by the first record.
func (w *Writer) AppendTransaction(recs []logrecord.Record) ([]int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	positions := make([]int64, 0, len(recs))
	for i, rec := range recs {
		if i > 0 && !logrecord.IsNil(rec) {
			rec = logrecord.WithTransaction(rec, positions[0])
		}
		pos, err := w.appendLocked(rec)
		if err != nil {
			return positions, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (w *Writer) appendLocked(rec logrecord.Record) (int64, error) {
	if err := w.usableLocked(); err != nil {
		return 0, err
	}
	if logrecord.IsNil(rec) {
		return 0, fmt.Errorf("%w: nil record", dberrors.ErrInvalidArgument)
	}

	body, err := logrecord.Encode(logrecord.WithPosition(rec, w.pos))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
	}
	size := chunk.FrameSize(len(body))

	if !w.active.Fits(len(body)) {
		if w.active.LogicalEnd() == w.active.LogicalStart() || size > w.db.ChunkSize() {
			return 0, fmt.Errorf("%w: record of %d bytes does not fit in a chunk", dberrors.ErrInvalidArgument, size)
		}
		if err := w.rollOverLocked(); err != nil {
			w.failLocked(err)
			return 0, fmt.Errorf("%w: %v", dberrors.ErrWriterFailed, err)
		}
	}

	pos, err := w.active.Append(body)
	if err != nil {
		w.failLocked(err)
		return 0, fmt.Errorf("%w: %v", dberrors.ErrWriterFailed, err)
	}
	w.pos = pos + size

	w.m.AppendedRecords.Inc()
	w.m.AppendedBytes.Add(float64(size))
	return pos, nil
}

// rollOverLocked seals the active chunk and opens the next one at the same logical position.
func (w *Writer) rollOverLocked() error {
	old := w.active
	if err := old.Complete(); err != nil {
		return fmt.Errorf("failed to complete chunk %d: %w", old.Number(), err)
	}
	next, err := w.db.CreateChunk(old.Number()+1, old.LogicalEnd())
	if err != nil {
		return fmt.Errorf("failed to create chunk %d: %w", old.Number()+1, err)
	}
	w.active = next
	w.m.ChunksCompleted.Inc()
	w.log.Info("chunk completed", "chunk", old.Number(), "end", old.LogicalEnd())

	if w.opts.OnChunkCompleted != nil {
		w.opts.OnChunkCompleted(old)
	}
	return nil
}

// CompleteChunk seals the active chunk early. An empty chunk is left as is.
func (w *Writer) CompleteChunk() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usableLocked(); err != nil {
		return err
	}
	if w.active.LogicalEnd() == w.active.LogicalStart() {
		return nil
	}
	if err := w.rollOverLocked(); err != nil {
		w.failLocked(err)
		return fmt.Errorf("%w: %v", dberrors.ErrWriterFailed, err)
	}
	return nil
}

// Flush makes every record appended so far durable and then advances the
// writer checkpoint. Appends continue while the fsync is in flight.
func (w *Writer) Flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if err := w.usableLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	target, active := w.pos, w.active
	if target == w.cp.Read() {
		w.mu.Unlock()
		return nil
	}
	err := w.retry(active.Flush)
	w.mu.Unlock()

	start := time.Now()
	if err == nil {
		err = w.retry(func() error { return w.syncFn(active) })
	}
	if err == nil {
		err = w.retry(func() error { return w.cp.Write(target) })
	}
	if err != nil {
		w.mu.Lock()
		w.failLocked(err)
		w.mu.Unlock()
		return fmt.Errorf("%w: %v", dberrors.ErrWriterFailed, err)
	}

	w.m.Flushes.Inc()
	w.m.FlushDuration.Observe(time.Since(start).Seconds())
	w.m.Checkpoint.WithLabelValues(w.cp.Name()).Set(float64(target))
	return nil
}

func (w *Writer) retry(op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			w.m.FlushRetries.Inc()
		}
		attempt++
		err := op()
		if errors.Is(err, dberrors.ErrCheckpointRegression) {
			return backoff.Permanent(err)
		}
		if err != nil {
			w.log.Warn("flush attempt failed", "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithMaxRetries(w.opts.Backoff(), uint64(w.opts.FlushRetries)))
}

func (w *Writer) usableLocked() error {
	if w.failed != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrWriterFailed, w.failed)
	}
	if w.closed {
		return dberrors.ErrClosed
	}
	return nil
}

func (w *Writer) failLocked(err error) {
	if w.failed != nil {
		return
	}
	w.failed = err
	w.log.Error("writer failed, no further writes are accepted", "error", err)
	if w.opts.OnFatal != nil {
		w.opts.OnFatal(err)
	}
}

// Position is the log position the next appended record will get.
func (w *Writer) Position() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

// Err reports the error that put the writer into the failed state.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// Close flushes outstanding records and rejects further appends.
func (w *Writer) Close() error {
	err := w.Flush()
	if errors.Is(err, dberrors.ErrClosed) {
		return nil
	}

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return err
}
