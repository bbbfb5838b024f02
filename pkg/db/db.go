package db

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"eventdb/pkg/checkpoint"
	"eventdb/pkg/chunk"
	"eventdb/pkg/clock"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/logrecord"
)

type Options struct {
	Dir             string
	ChunkSize       int64
	BufferSize      int
	VerifyOnOpen    bool
	DeleteLeftovers bool
	Clock           clock.Clock
}

// DB is the chunked transaction log on disk.
type DB struct {
	opts    Options
	namer   *Namer
	manager *Manager
	log     *slog.Logger
}

// Open recovers the log in opts.Dir. It selects the newest version of every
// chunk, truncates a torn tail of the last chunk and brings the writer
// checkpoint in line with the last valid record.
func Open(opts Options, writerCp checkpoint.Restorable) (*DB, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d", dberrors.ErrInvalidArgument, opts.ChunkSize)
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewMonotonic()
	}
	opts.Dir = filepath.Clean(opts.Dir)
	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	d := &DB{
		opts:    opts,
		namer:   NewNamer(opts.Dir),
		manager: NewManager(),
		log:     slog.Default().With("component", "db"),
	}

	if err := d.recover(writerCp); err != nil {
		_ = d.manager.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) recover(writerCp checkpoint.Restorable) error {
	temps, err := d.namer.TempFiles()
	if err != nil {
		return err
	}
	for _, tmp := range temps {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove temp file: %w", err)
		}
		d.log.Info("removed temp file", "file", filepath.Base(tmp))
	}

	files, err := d.namer.AllPresentFiles()
	if err != nil {
		return err
	}
	current, leftovers := Select(files)
	for _, f := range leftovers {
		if !d.opts.DeleteLeftovers {
			d.log.Info("ignoring superseded chunk version", "file", filepath.Base(f.Path))
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove superseded chunk: %w", err)
		}
		d.log.Info("removed superseded chunk version", "file", filepath.Base(f.Path))
	}

	writerPos := writerCp.Read()
	if len(current) == 0 {
		if writerPos != 0 {
			return dberrors.Corrupt(d.opts.Dir, "writer checkpoint is %d but no chunk files exist", writerPos)
		}
		_, err := d.CreateChunk(0, 0)
		return err
	}

	copts := d.chunkOptions()
	for i, f := range current {
		if f.Number != int32(i) {
			return dberrors.Corrupt(d.opts.Dir, "chunk %d is missing", i)
		}
		copts.Verify = d.opts.VerifyOnOpen && i < len(current)-1
		c, err := chunk.Open(f.Path, copts)
		if err != nil {
			return fmt.Errorf("failed to open chunk %d: %w", f.Number, err)
		}
		if c.Number() != f.Number || c.Version() != f.Version {
			c.Release()
			return dberrors.Corrupt(f.Path, "header says chunk %d.%d", c.Number(), c.Version())
		}
		if i < len(current)-1 && !c.IsCompleted() {
			c.Release()
			return dberrors.Corrupt(f.Path, "chunk is not completed but is not the last one")
		}
		if err := d.manager.Add(c); err != nil {
			c.Release()
			return dberrors.Corrupt(f.Path, "%v", err)
		}
	}

	last := d.manager.Last()
	if last.IsCompleted() {
		if d.opts.VerifyOnOpen {
			if err := last.Verify(); err != nil {
				return err
			}
		}
		if _, err := d.CreateChunk(last.Number()+1, last.LogicalEnd()); err != nil {
			return err
		}
		last = d.manager.Last()
	}

	validEnd := last.LogicalEnd()
	capacityEnd := last.LogicalStart() + last.Header().Capacity
	switch {
	case writerPos > capacityEnd:
		return dberrors.Corrupt(d.opts.Dir, "writer checkpoint %d is beyond the last chunk (ends at %d)", writerPos, capacityEnd)
	case writerPos > validEnd:
		d.log.Info("writer checkpoint moved back to last valid record", "checkpoint", writerPos, "position", validEnd)
	case writerPos < validEnd:
		d.log.Info("writer checkpoint advanced over records found in chunk", "checkpoint", writerPos, "position", validEnd)
	}
	if writerPos != validEnd {
		if err := writerCp.Restore(validEnd); err != nil {
			return fmt.Errorf("failed to restore writer checkpoint: %w", err)
		}
	}

	d.log.Info("db opened", "chunks", d.manager.Count(), "writer", validEnd)
	return nil
}

func (d *DB) chunkOptions() chunk.Options {
	return chunk.Options{BufferSize: d.opts.BufferSize}
}

// CreateChunk durably creates chunk number n at logical start and registers it.
func (d *DB) CreateChunk(n int32, start int64) (*chunk.Chunk, error) {
	h := chunk.Header{
		Number:       n,
		Version:      0,
		LogicalStart: start,
		Capacity:     d.opts.ChunkSize,
		CreatedAt:    d.opts.Clock.Now(),
	}
	c, err := chunk.Create(d.namer.TempFilename(), h, d.chunkOptions())
	if err != nil {
		return nil, err
	}
	if err := c.Rename(d.namer.FilenameFor(n, 0)); err != nil {
		c.Discard()
		return nil, err
	}
	if err := d.manager.Add(c); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

func (d *DB) Namer() *Namer      { return d.namer }
func (d *DB) Manager() *Manager  { return d.manager }
func (d *DB) ChunkSize() int64   { return d.opts.ChunkSize }
func (d *DB) Clock() clock.Clock { return d.opts.Clock }
func (d *DB) BufferSize() int    { return d.opts.BufferSize }

// ReadRecord returns the record stored at exactly pos.
func (d *DB) ReadRecord(pos int64) (logrecord.Record, error) {
	c, err := d.manager.AcquireFor(pos)
	if err != nil {
		return nil, err
	}
	defer c.Release()

	body, _, err := c.ReadRecordAt(pos)
	if err != nil {
		return nil, err
	}
	return decodeAt(c, body, pos)
}

// ReadNext returns the first record at or after pos that starts before limit,
// together with the position following it. It returns io.EOF when none exists.
func (d *DB) ReadNext(pos, limit int64) (logrecord.Record, int64, error) {
	for pos < limit {
		c, err := d.manager.AcquireFor(pos)
		if err != nil {
			return nil, 0, err
		}
		body, recPos, next, err := c.ReadNext(pos)
		completed, end := c.IsCompleted(), c.LogicalEnd()
		if err == nil {
			rec, derr := decodeAt(c, body, recPos)
			c.Release()
			if derr != nil {
				return nil, 0, derr
			}
			if recPos >= limit {
				return nil, 0, io.EOF
			}
			return rec, next, nil
		}
		c.Release()

		if !errors.Is(err, io.EOF) {
			return nil, 0, err
		}
		if !completed {
			return nil, 0, io.EOF
		}
		pos = end
	}
	return nil, 0, io.EOF
}

func decodeAt(c *chunk.Chunk, body []byte, pos int64) (logrecord.Record, error) {
	rec, err := logrecord.Decode(body)
	if err != nil {
		return nil, dberrors.Corrupt(c.Path(), "record at %d: %v", pos, err)
	}
	if rec.Position() != pos {
		return nil, dberrors.Corrupt(c.Path(), "record at %d claims position %d", pos, rec.Position())
	}
	return rec, nil
}

// Verify checks the checksum of every completed chunk.
func (d *DB) Verify() error {
	chunks, release := d.manager.AcquireAll()
	defer release()

	for _, c := range chunks {
		if !c.IsCompleted() {
			continue
		}
		if err := c.Verify(); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) Close() error {
	return d.manager.Close()
}
