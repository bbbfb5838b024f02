package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"eventdb/pkg/dberrors"
)

const (
	Writer  = "writer"
	Chaser  = "chaser"
	Epoch   = "epoch"
	Archive = "archive"

	fileExt  = ".chk"
	tmpExt   = ".chk.tmp"
	fileSize = 12
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checkpoint is a named durable log position.
type Checkpoint interface {
	Name() string
	Read() int64
	Write(pos int64) error
	// Changed returns a channel closed on the next successful Write.
	Changed() <-chan struct{}
	Wait(ctx context.Context, after int64) (int64, error)
	Close() error
}

// Restorable is a checkpoint recovery may move backwards.
type Restorable interface {
	Checkpoint
	Restore(pos int64) error
}

// notifier is the wake signal shared by the checkpoint implementations.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *notifier) changed() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
	n.mu.Unlock()
}

func wait(ctx context.Context, cp Checkpoint, after int64) (int64, error) {
	for {
		ch := cp.Changed()
		if v := cp.Read(); v > after {
			return v, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return cp.Read(), ctx.Err()
		}
	}
}

// File persists the position with write-new-then-rename so a crash leaves
// either the old or the new value on disk.
type File struct {
	name string
	dir  string
	path string

	mu  sync.Mutex
	pos atomic.Int64
	notifier
}

// OpenFile loads the checkpoint called name from dir. A missing file reads as zero.
func OpenFile(dir, name string) (*File, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	c := &File{
		name: name,
		dir:  dir,
		path: filepath.Join(dir, name+fileExt),
	}

	// a leftover from an interrupted write is never the current value
	if err := os.Remove(filepath.Join(dir, name+tmpExt)); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove stale checkpoint temp file", "checkpoint", name, "error", err)
	}

	pos, err := readFile(c.path)
	if err != nil {
		return nil, err
	}
	c.pos.Store(pos)

	return c, nil
}

func readFile(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if len(data) == 0 {
		return 0, nil
	}
	if len(data) != fileSize {
		return 0, dberrors.Corrupt(path, "checkpoint has %d bytes, want %d", len(data), fileSize)
	}

	value := binary.LittleEndian.Uint64(data[:8])
	sum := binary.LittleEndian.Uint32(data[8:])
	if crc32.Checksum(data[:8], crcTable) != sum {
		return 0, dberrors.Corrupt(path, "checkpoint checksum mismatch")
	}

	return int64(value), nil
}

func (c *File) Name() string { return c.name }

func (c *File) Read() int64 { return c.pos.Load() }

func (c *File) Changed() <-chan struct{} { return c.changed() }

func (c *File) Wait(ctx context.Context, after int64) (int64, error) {
	return wait(ctx, c, after)
}

// Write durably stores pos. The new value becomes visible to Read only after it is on disk.
func (c *File) Write(pos int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.pos.Load()
	if pos < cur {
		return fmt.Errorf("%w: %s checkpoint %d -> %d", dberrors.ErrCheckpointRegression, c.name, cur, pos)
	}
	if pos == cur {
		return nil
	}

	return c.store(pos)
}

// Restore sets the checkpoint to pos even when that moves it backwards.
// It exists for crash recovery, before any reader has observed the value.
func (c *File) Restore(pos int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pos == c.pos.Load() {
		return nil
	}
	return c.store(pos)
}

func (c *File) store(pos int64) error {
	if pos < 0 {
		return fmt.Errorf("%w: negative checkpoint %d", dberrors.ErrInvalidArgument, pos)
	}

	var buf [fileSize]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(pos))
	binary.LittleEndian.PutUint32(buf[8:], crc32.Checksum(buf[:8], crcTable))

	tmp := filepath.Join(c.dir, c.name+tmpExt)
	if err := writeSynced(tmp, buf[:]); err != nil {
		return fmt.Errorf("failed to write %s checkpoint: %w", c.name, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to rename %s checkpoint: %w", c.name, err)
	}
	if err := SyncDir(c.dir); err != nil {
		return fmt.Errorf("failed to sync checkpoint directory: %w", err)
	}

	c.pos.Store(pos)
	c.broadcast()
	return nil
}

func (c *File) Close() error { return nil }

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// SyncDir fsyncs a directory so renames and creates inside it survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			slog.Warn("failed to close directory", "dir", dir, "error", cerr)
		}
	}()
	return d.Sync()
}

// Mem is an in-memory checkpoint for tests and read-only tooling.
type Mem struct {
	name string
	mu   sync.Mutex
	pos  atomic.Int64
	notifier
}

func NewMem(name string, init int64) *Mem {
	m := &Mem{name: name}
	m.pos.Store(init)
	return m
}

func (m *Mem) Name() string { return m.name }

func (m *Mem) Read() int64 { return m.pos.Load() }

func (m *Mem) Changed() <-chan struct{} { return m.changed() }

func (m *Mem) Wait(ctx context.Context, after int64) (int64, error) {
	return wait(ctx, m, after)
}

func (m *Mem) Write(pos int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.pos.Load()
	if pos < cur {
		return fmt.Errorf("%w: %s checkpoint %d -> %d", dberrors.ErrCheckpointRegression, m.name, cur, pos)
	}
	if pos == cur {
		return nil
	}
	m.pos.Store(pos)
	m.broadcast()
	return nil
}

func (m *Mem) Restore(pos int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos.Store(pos)
	m.broadcast()
	return nil
}

func (m *Mem) Close() error { return nil }
