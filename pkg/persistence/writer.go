package persistence

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"

	"eventdb/pkg/dberrors"
	"eventdb/pkg/memtable"
)

// TableWriter streams sorted entries into a new PTable. The table appears
// under its final name only after Finish succeeds.
type TableWriter struct {
	id        uint64
	path      string
	tmp       string
	file      *os.File
	w         *bufio.Writer
	bloom     *BloomFilter
	count     int64
	coveredTo int64
	createdAt time.Time
	last      memtable.Entry
	opts      TableOptions
}

// NewTableWriter starts a table expected to hold about expected entries.
func NewTableWriter(path string, id uint64, expected int, coveredTo int64, fpRate float64, createdAt time.Time, opts TableOptions) (*TableWriter, error) {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create ptable: %w", err)
	}

	tw := &TableWriter{
		id:        id,
		path:      path,
		tmp:       tmp,
		file:      file,
		w:         bufio.NewWriterSize(file, 64*1024),
		bloom:     NewBloomFilter(expected, fpRate),
		coveredTo: coveredTo,
		createdAt: createdAt,
		opts:      opts,
	}
	// the header is rewritten with the final count in Finish
	if _, err := tw.w.Write(make([]byte, TableHeaderSize)); err != nil {
		tw.Abort()
		return nil, fmt.Errorf("failed to write ptable header: %w", err)
	}
	return tw, nil
}

// Add appends e, which must sort strictly after the previous entry.
func (tw *TableWriter) Add(e memtable.Entry) error {
	if tw.count > 0 && !tw.last.Less(e) {
		return fmt.Errorf("%w: ptable entry %+v does not sort after %+v", dberrors.ErrInvalidArgument, e, tw.last)
	}
	var buf [EntrySize]byte
	if _, err := tw.w.Write(appendEntry(buf[:0], e)); err != nil {
		return fmt.Errorf("failed to write ptable entry: %w", err)
	}
	tw.bloom.Add(e.Hash)
	tw.last = e
	tw.count++
	return nil
}

func (tw *TableWriter) Count() int64 { return tw.count }

// Finish seals the table, moves it into place and opens it for reading.
func (tw *TableWriter) Finish() (*PTable, error) {
	if err := tw.finish(); err != nil {
		tw.Abort()
		return nil, err
	}
	return OpenTable(tw.path, tw.id, tw.opts)
}

func (tw *TableWriter) finish() error {
	bloom := tw.bloom.marshal()
	if _, err := tw.w.Write(bloom); err != nil {
		return fmt.Errorf("failed to write ptable bloom filter: %w", err)
	}
	if err := tw.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush ptable: %w", err)
	}

	head := make([]byte, 0, TableHeaderSize)
	head = append(head, tableMagic...)
	head = binary.LittleEndian.AppendUint32(head, tableVersion)
	head = binary.LittleEndian.AppendUint64(head, uint64(tw.count))
	head = binary.LittleEndian.AppendUint64(head, uint64(tw.coveredTo))
	head = binary.LittleEndian.AppendUint64(head, uint64(tw.createdAt.UnixNano()))
	if _, err := tw.file.WriteAt(head, 0); err != nil {
		return fmt.Errorf("failed to write ptable header: %w", err)
	}

	bloomOff := TableHeaderSize + tw.count*EntrySize
	bloomLen := int64(len(bloom))
	digest := xxhash.New()
	if _, err := io.Copy(digest, io.NewSectionReader(tw.file, 0, bloomOff+bloomLen)); err != nil {
		return fmt.Errorf("failed to checksum ptable: %w", err)
	}

	foot := make([]byte, 0, TableFooterSize)
	foot = binary.LittleEndian.AppendUint64(foot, uint64(bloomOff))
	foot = binary.LittleEndian.AppendUint64(foot, uint64(bloomLen))
	foot = binary.LittleEndian.AppendUint64(foot, digest.Sum64())
	foot = append(foot, tableFootMagic...)
	foot = binary.LittleEndian.AppendUint32(foot, 0)
	if _, err := tw.file.WriteAt(foot, bloomOff+bloomLen); err != nil {
		return fmt.Errorf("failed to write ptable footer: %w", err)
	}

	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ptable: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close ptable: %w", err)
	}
	tw.file = nil
	if err := os.Rename(tw.tmp, tw.path); err != nil {
		return fmt.Errorf("failed to rename ptable: %w", err)
	}
	return syncDir(filepath.Dir(tw.path))
}

// Abort discards a table that was not finished.
func (tw *TableWriter) Abort() {
	if tw.file != nil {
		_ = tw.file.Close()
		tw.file = nil
	}
	_ = os.Remove(tw.tmp)
}

// WriteSortedSet persists a frozen memtable as a new table.
func WriteSortedSet(path string, id uint64, set memtable.SortedSet, fpRate float64, createdAt time.Time, opts TableOptions) (*PTable, error) {
	entries := set.Sorted()
	tw, err := NewTableWriter(path, id, len(entries), set.CoveredTo(), fpRate, createdAt, opts)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := tw.Add(e); err != nil {
			tw.Abort()
			return nil, err
		}
	}
	return tw.Finish()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
