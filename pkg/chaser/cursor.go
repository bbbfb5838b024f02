package chaser

import (
	"context"
	"errors"
	"io"

	"eventdb/pkg/checkpoint"
	"eventdb/pkg/logrecord"
)

// Log is the part of the db a cursor reads from.
type Log interface {
	ReadNext(pos, limit int64) (logrecord.Record, int64, error)
}

// Result is one record read by a cursor.
type Result struct {
	Record logrecord.Record
	// Next is the position right after the record.
	Next int64
}

func (r Result) Position() int64 { return r.Record.Position() }

// Cursor reads the log sequentially, never past the writer checkpoint.
// A cursor is not safe for concurrent use.
type Cursor struct {
	log    Log
	writer checkpoint.Checkpoint
	pos    int64
}

func NewCursor(log Log, writer checkpoint.Checkpoint, from int64) *Cursor {
	return &Cursor{log: log, writer: writer, pos: from}
}

// Position is where the next read starts.
func (c *Cursor) Position() int64 { return c.pos }

// TryReadNext returns the next durable record without blocking. The bool is
// false when the cursor has caught up with the writer.
func (c *Cursor) TryReadNext() (Result, bool, error) {
	rec, next, err := c.log.ReadNext(c.pos, c.writer.Read())
	if errors.Is(err, io.EOF) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	c.pos = next
	return Result{Record: rec, Next: next}, true, nil
}

// ReadNext blocks until a record is available or ctx is done.
func (c *Cursor) ReadNext(ctx context.Context) (Result, error) {
	for {
		// take the wake channel before reading so a write in between is not missed
		changed := c.writer.Changed()
		res, ok, err := c.TryReadNext()
		if err != nil || ok {
			return res, err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}
