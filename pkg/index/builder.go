package index

import (
	"context"
	"errors"
	"fmt"
	"io"

	"eventdb/pkg/logrecord"
)

const defaultTransactionSpan = 256 << 20

// Builder feeds log records into a TableIndex. It is meant to run as a
// chaser consumer, so records arrive exactly once and in log order.
type Builder struct {
	idx *TableIndex
	log Log

	// two-phase prepares waiting for their commit, by transaction position
	pending map[int64][]*logrecord.Prepare
	// buffered transactions starting further back than span are dropped;
	// a late commit re-reads them from the log
	span int64
}

type BuilderOption func(*Builder)

// WithTransactionSpan sets how far behind the log a transaction may start
// and still be buffered in memory.
func WithTransactionSpan(span int64) BuilderOption {
	return func(b *Builder) {
		if span > 0 {
			b.span = span
		}
	}
}

func NewBuilder(idx *TableIndex, log Log, opts ...BuilderOption) *Builder {
	b := &Builder{
		idx:     idx,
		log:     log,
		pending: make(map[int64][]*logrecord.Prepare),
		span:    defaultTransactionSpan,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Consume indexes rec. next is the position following rec.
func (b *Builder) Consume(rec logrecord.Record, next int64) error {
	if rec.Position() < b.idx.BuiltPosition() {
		return nil
	}

	switch r := rec.(type) {
	case *logrecord.Prepare:
		if r.SelfCommitted() {
			b.put(r, r.EventNumber)
			break
		}
		b.pending[r.TransactionPosition] = append(b.pending[r.TransactionPosition], r)
	case *logrecord.Commit:
		prepares, ok := b.pending[r.TransactionPosition]
		delete(b.pending, r.TransactionPosition)
		if !ok {
			var err error
			prepares, err = b.reread(r)
			if err != nil {
				return err
			}
		}
		for _, p := range prepares {
			b.put(p, p.ResolvedEventNumber(r.FirstEventNumber))
		}
	}

	b.expire(next)
	b.idx.Commit(next)
	return nil
}

func (b *Builder) expire(next int64) {
	for txPos, prepares := range b.pending {
		if next-txPos > b.span {
			delete(b.pending, txPos)
			b.idx.logger.Debug("dropped uncommitted transaction", "transaction", txPos, "prepares", len(prepares))
		}
	}
}

func (b *Builder) put(p *logrecord.Prepare, number int64) {
	if p.IsTombstone() {
		number = logrecord.DeletedStreamEventNumber
	}
	b.idx.Put(b.idx.Hash(p.EventStreamID), number, p.LogPosition)
}

// reread collects the prepares of a transaction whose start was consumed
// before a restart.
func (b *Builder) reread(c *logrecord.Commit) ([]*logrecord.Prepare, error) {
	var out []*logrecord.Prepare
	pos := c.TransactionPosition
	for pos < c.LogPosition {
		rec, next, err := b.log.ReadNext(pos, c.LogPosition)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to re-read transaction at %d: %w", c.TransactionPosition, err)
		}
		if p, ok := rec.(*logrecord.Prepare); ok && !p.SelfCommitted() && p.TransactionPosition == c.TransactionPosition {
			out = append(out, p)
		}
		pos = next
	}
	return out, nil
}

// CatchUp replays [from, to) into the index. It is used at startup to cover
// the records between the last flushed PTable and the end of the log.
func (b *Builder) CatchUp(ctx context.Context, from, to int64) error {
	pos := from
	n := 0
	for pos < to {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, next, err := b.log.ReadNext(pos, to)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to replay log at %d: %w", pos, err)
		}
		if err := b.Consume(rec, next); err != nil {
			return err
		}
		pos = next
		n++
	}
	if to > b.idx.BuiltPosition() {
		b.idx.Commit(to)
	}
	// a commit that shows up later re-reads its prepares from the log
	if len(b.pending) > 0 {
		b.idx.logger.Info("dropped incomplete transactions", "count", len(b.pending))
		clear(b.pending)
	}
	b.idx.logger.Info("index caught up", "from", from, "to", to, "records", n)
	return nil
}
