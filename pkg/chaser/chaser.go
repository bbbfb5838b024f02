package chaser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"eventdb/pkg/checkpoint"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/logrecord"
	"eventdb/pkg/metrics"
)

const defaultCheckpointEvery = 1024

// Consumer processes records in log order. next is the position after rec.
type Consumer interface {
	Consume(rec logrecord.Record, next int64) error
}

type ConsumerFunc func(rec logrecord.Record, next int64) error

func (f ConsumerFunc) Consume(rec logrecord.Record, next int64) error { return f(rec, next) }

// CaughtUpNotifier is implemented by consumers that want to know when the
// chaser has processed everything the writer published so far.
type CaughtUpNotifier interface {
	CaughtUp(pos int64) error
}

type Options struct {
	CheckpointEvery int
	Metrics         *metrics.Metrics
}

// Chaser follows the writer and feeds every durable record to its consumers.
// The chaser checkpoint never passes the writer checkpoint.
type Chaser struct {
	cursor *Cursor
	cp     checkpoint.Checkpoint
	every  int
	m      *metrics.Metrics
	log    *slog.Logger
}

func New(log Log, writer, chaser checkpoint.Checkpoint, opts Options) (*Chaser, error) {
	if chaser.Read() > writer.Read() {
		return nil, dberrors.Corrupt("", "chaser checkpoint %d is ahead of writer %d", chaser.Read(), writer.Read())
	}
	every := opts.CheckpointEvery
	if every <= 0 {
		every = defaultCheckpointEvery
	}
	return &Chaser{
		cursor: NewCursor(log, writer, chaser.Read()),
		cp:     chaser,
		every:  every,
		m:      metrics.Or(opts.Metrics),
		log:    slog.Default().With("component", "chaser"),
	}, nil
}

// Position is the position after the last record handed to consumers.
func (c *Chaser) Position() int64 { return c.cursor.Position() }

// Run chases the log until ctx is done. A consumer error stops the chaser
// without moving the checkpoint past the failed record.
func (c *Chaser) Run(ctx context.Context, consumers ...Consumer) error {
	c.log.Info("chaser started", "position", c.cursor.Position())

	pending := 0
	for {
		res, ok, err := c.cursor.TryReadNext()
		if err != nil {
			return fmt.Errorf("failed to read log at %d: %w", c.cursor.Position(), err)
		}

		if !ok {
			if err := c.caughtUp(consumers); err != nil {
				return err
			}
			pending = 0

			// re-check after taking the wake channel so a write in between is not missed
			changed := c.cursor.writer.Changed()
			res, ok, err = c.cursor.TryReadNext()
			if err != nil {
				return fmt.Errorf("failed to read log at %d: %w", c.cursor.Position(), err)
			}
			if !ok {
				select {
				case <-changed:
					continue
				case <-ctx.Done():
					return c.stop(ctx.Err())
				}
			}
		}

		for _, consumer := range consumers {
			if err := consumer.Consume(res.Record, res.Next); err != nil {
				return fmt.Errorf("consumer failed at %d: %w", res.Position(), err)
			}
		}
		c.m.ChasedRecords.Inc()

		pending++
		if pending >= c.every {
			if err := c.writeCheckpoint(); err != nil {
				return err
			}
			pending = 0
		}

		if ctx.Err() != nil {
			return c.stop(ctx.Err())
		}
	}
}

func (c *Chaser) caughtUp(consumers []Consumer) error {
	pos := c.cursor.Position()
	for _, consumer := range consumers {
		if n, ok := consumer.(CaughtUpNotifier); ok {
			if err := n.CaughtUp(pos); err != nil {
				return fmt.Errorf("consumer failed to catch up at %d: %w", pos, err)
			}
		}
	}
	return c.writeCheckpoint()
}

func (c *Chaser) writeCheckpoint() error {
	pos := c.cursor.Position()
	if err := c.cp.Write(pos); err != nil {
		return fmt.Errorf("failed to write chaser checkpoint: %w", err)
	}
	c.m.Checkpoint.WithLabelValues(c.cp.Name()).Set(float64(pos))
	return nil
}

// stop persists progress on shutdown. Cancellation is a clean exit.
func (c *Chaser) stop(cause error) error {
	if err := c.writeCheckpoint(); err != nil {
		return err
	}
	c.log.Info("chaser stopped", "position", c.cursor.Position())
	if errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}
