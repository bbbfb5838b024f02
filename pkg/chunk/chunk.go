package chunk

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"eventdb/pkg/dberrors"
)

var (
	ErrChunkFull      = errors.New("chunk: not enough space for record")
	ErrChunkCompleted = errors.New("chunk: already completed")
	ErrNotScavenged   = errors.New("chunk: positioned append on a regular chunk")
)

const defaultBufferSize = 64 * 1024

type Options struct {
	BufferSize int
	// Verify checks the whole-chunk checksum when opening a completed chunk.
	Verify bool
}

// Chunk is one file of the transaction log. A chunk is active until Complete
// seals it with a footer, after which it is read-only.
type Chunk struct {
	path   string
	header Header
	file   *os.File

	wmu         sync.Mutex
	w           *bufio.Writer
	digest      *xxhash.Digest
	dataSize    int64
	recordCount int32
	posMap      []PosMapEntry

	flushed   atomic.Int64
	footer    atomic.Pointer[Footer]
	truncated int64

	refs     atomic.Int64
	deleting atomic.Bool
}

// Create makes a new, empty active chunk at path. The header is on disk when Create returns.
func Create(path string, h Header, opts Options) (*Chunk, error) {
	if h.Capacity <= 0 {
		return nil, fmt.Errorf("%w: chunk capacity %d", dberrors.ErrInvalidArgument, h.Capacity)
	}
	h.FormatVersion = CurrentFormat

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk file: %w", err)
	}

	raw := h.marshal()
	if _, err := file.Write(raw); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to write chunk header: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to sync chunk header: %w", err)
	}

	c := &Chunk{
		path:   path,
		header: h,
		file:   file,
		w:      bufio.NewWriterSize(file, bufferSize(opts)),
		digest: xxhash.New(),
	}
	_, _ = c.digest.Write(raw)
	c.refs.Store(1)

	return c, nil
}

// Open loads an existing chunk. An incomplete chunk is scanned and any torn
// tail after the last valid record is truncated away.
func Open(path string, opts Options) (*Chunk, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk file: %w", err)
	}

	c, err := load(path, file, opts)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	c.refs.Store(1)
	return c, nil
}

func load(path string, file *os.File, opts Options) (*Chunk, error) {
	st, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat chunk: %w", err)
	}
	size := st.Size()

	raw := make([]byte, HeaderSize)
	if _, err := file.ReadAt(raw, 0); err != nil {
		return nil, dberrors.Corrupt(path, "failed to read header: %v", err)
	}
	h, err := unmarshalHeader(path, raw)
	if err != nil {
		return nil, err
	}

	c := &Chunk{path: path, header: h, file: file}

	if size >= HeaderSize+FooterSize {
		buf := make([]byte, FooterSize)
		if _, err := file.ReadAt(buf, size-FooterSize); err != nil {
			return nil, fmt.Errorf("failed to read chunk footer: %w", err)
		}
		if f, ok := unmarshalFooter(buf); ok {
			if err := c.loadCompleted(f, size); err != nil {
				return nil, err
			}
			if opts.Verify {
				if err := c.Verify(); err != nil {
					return nil, err
				}
			}
			return c, nil
		}
	}

	if h.Scavenged {
		return nil, dberrors.Corrupt(path, "scavenged chunk has no footer")
	}
	if err := c.recoverActive(raw, size, opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chunk) loadCompleted(f Footer, size int64) error {
	expected := HeaderSize + f.DataSize + int64(f.MapCount)*PosMapEntrySize + FooterSize
	if expected != size {
		return dberrors.Corrupt(c.path, "chunk size %d does not match footer layout %d", size, expected)
	}
	if f.LogicalEnd < c.header.LogicalStart || f.DataSize > c.header.Capacity {
		return dberrors.Corrupt(c.path, "footer logical end %d out of range", f.LogicalEnd)
	}

	if c.header.Scavenged && f.MapCount > 0 {
		buf := make([]byte, int64(f.MapCount)*PosMapEntrySize)
		if _, err := c.file.ReadAt(buf, HeaderSize+f.DataSize); err != nil {
			return fmt.Errorf("failed to read position map: %w", err)
		}
		c.posMap = make([]PosMapEntry, f.MapCount)
		for i := range c.posMap {
			off := i * PosMapEntrySize
			c.posMap[i] = PosMapEntry{
				LogicalPosition: int64(binary.LittleEndian.Uint64(buf[off : off+8])),
				PhysicalOffset:  int64(binary.LittleEndian.Uint64(buf[off+8 : off+16])),
			}
		}
	}

	c.dataSize = f.DataSize
	c.recordCount = f.RecordCount
	c.flushed.Store(f.DataSize)
	c.footer.Store(&f)
	return nil
}

func (c *Chunk) recoverActive(rawHeader []byte, size int64, opts Options) error {
	c.digest = xxhash.New()
	_, _ = c.digest.Write(rawHeader)

	available := size - HeaderSize
	r := bufio.NewReaderSize(io.NewSectionReader(c.file, HeaderSize, available), defaultBufferSize)

	var (
		valid   int64
		records int32
		lenBuf  [4]byte
	)
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			break
		}
		n := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		if n == 0 || valid+n+FrameOverhead > c.header.Capacity || valid+n+FrameOverhead > available {
			break
		}
		rest := make([]byte, n+4)
		if _, err := io.ReadFull(r, rest); err != nil {
			break
		}
		body := rest[:n]
		if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(rest[n:]) {
			break
		}
		_, _ = c.digest.Write(lenBuf[:])
		_, _ = c.digest.Write(rest)
		valid += n + FrameOverhead
		records++
	}

	if valid < available {
		c.truncated = available - valid
		if err := c.file.Truncate(HeaderSize + valid); err != nil {
			return fmt.Errorf("failed to truncate torn chunk tail: %w", err)
		}
		if err := c.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync truncated chunk: %w", err)
		}
		slog.Info("truncated torn write", "chunk", filepath.Base(c.path), "bytes", c.truncated, "valid_data", valid)
	}

	if _, err := c.file.Seek(HeaderSize+valid, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek chunk end: %w", err)
	}
	c.w = bufio.NewWriterSize(c.file, bufferSize(opts))
	c.dataSize = valid
	c.recordCount = records
	c.flushed.Store(valid)
	return nil
}

func bufferSize(opts Options) int {
	if opts.BufferSize > 0 {
		return opts.BufferSize
	}
	return defaultBufferSize
}

func (c *Chunk) Path() string         { return c.path }
func (c *Chunk) Header() Header       { return c.header }
func (c *Chunk) Number() int32        { return c.header.Number }
func (c *Chunk) Version() int32       { return c.header.Version }
func (c *Chunk) LogicalStart() int64  { return c.header.LogicalStart }
func (c *Chunk) IsCompleted() bool    { return c.footer.Load() != nil }
func (c *Chunk) IsScavenged() bool    { return c.header.Scavenged }
func (c *Chunk) TruncatedBytes() int64 { return c.truncated }

// Footer returns nil while the chunk is active.
func (c *Chunk) Footer() *Footer { return c.footer.Load() }

// LogicalEnd is the position right after the chunk's last record. For an
// active chunk it includes records still sitting in the write buffer.
func (c *Chunk) LogicalEnd() int64 {
	if f := c.footer.Load(); f != nil {
		return f.LogicalEnd
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.header.LogicalStart + c.dataSize
}

// Fits reports whether a record body of n bytes can still be appended.
func (c *Chunk) Fits(n int) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.footer.Load() == nil && c.dataSize+FrameSize(n) <= c.header.Capacity
}

// Append writes a framed record to the buffer and returns its logical position.
func (c *Chunk) Append(body []byte) (int64, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.header.Scavenged {
		return 0, ErrNotScavenged
	}
	pos := c.header.LogicalStart + c.dataSize
	if err := c.writeFrame(body); err != nil {
		return 0, err
	}
	return pos, nil
}

// AppendAt writes a record into a scavenged chunk, keeping its original logical position.
func (c *Chunk) AppendAt(pos int64, body []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if !c.header.Scavenged {
		return fmt.Errorf("%w: chunk %d", dberrors.ErrInvalidArgument, c.header.Number)
	}
	if n := len(c.posMap); n > 0 && c.posMap[n-1].LogicalPosition >= pos {
		return fmt.Errorf("%w: position %d is not after %d", dberrors.ErrInvalidArgument, pos, c.posMap[n-1].LogicalPosition)
	}
	entry := PosMapEntry{LogicalPosition: pos, PhysicalOffset: c.dataSize}
	if err := c.writeFrame(body); err != nil {
		return err
	}
	c.posMap = append(c.posMap, entry)
	return nil
}

func (c *Chunk) writeFrame(body []byte) error {
	if c.footer.Load() != nil {
		return ErrChunkCompleted
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: empty record", dberrors.ErrInvalidArgument)
	}
	size := FrameSize(len(body))
	if c.dataSize+size > c.header.Capacity {
		return ErrChunkFull
	}

	head, tail := frameHeader(body), frameTrailer(body)
	for _, part := range [][]byte{head[:], body, tail[:]} {
		if _, err := c.w.Write(part); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		_, _ = c.digest.Write(part)
	}

	c.dataSize += size
	c.recordCount++
	return nil
}

// Flush hands buffered records to the OS. It does not fsync.
func (c *Chunk) Flush() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.flushLocked()
}

func (c *Chunk) flushLocked() error {
	if c.w == nil {
		return nil
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush chunk buffer: %w", err)
	}
	c.flushed.Store(c.dataSize)
	return nil
}

func (c *Chunk) Sync() error {
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync chunk: %w", err)
	}
	return nil
}

// Complete seals a regular chunk at its current data end.
func (c *Chunk) Complete() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.header.Scavenged {
		return ErrNotScavenged
	}
	return c.completeLocked(c.header.LogicalStart + c.dataSize)
}

// CompleteScavenged seals a scavenged chunk; logicalEnd is the end of the chunk it replaces.
func (c *Chunk) CompleteScavenged(logicalEnd int64) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !c.header.Scavenged {
		return fmt.Errorf("%w: chunk %d is not scavenged", dberrors.ErrInvalidArgument, c.header.Number)
	}
	if n := len(c.posMap); n > 0 && c.posMap[n-1].LogicalPosition >= logicalEnd {
		return fmt.Errorf("%w: logical end %d before last record", dberrors.ErrInvalidArgument, logicalEnd)
	}
	return c.completeLocked(logicalEnd)
}

func (c *Chunk) completeLocked(logicalEnd int64) error {
	if c.footer.Load() != nil {
		return ErrChunkCompleted
	}

	if len(c.posMap) > 0 {
		buf := make([]byte, 0, len(c.posMap)*PosMapEntrySize)
		for _, e := range c.posMap {
			buf = e.appendTo(buf)
		}
		if _, err := c.w.Write(buf); err != nil {
			return fmt.Errorf("failed to write position map: %w", err)
		}
		_, _ = c.digest.Write(buf)
	}

	f := Footer{
		Completed:   true,
		RecordCount: c.recordCount,
		MapCount:    int32(len(c.posMap)),
		LogicalEnd:  logicalEnd,
		DataSize:    c.dataSize,
		Checksum:    c.digest.Sum64(),
	}
	if _, err := c.w.Write(f.marshal()); err != nil {
		return fmt.Errorf("failed to write chunk footer: %w", err)
	}
	if err := c.flushLocked(); err != nil {
		return err
	}
	if err := c.Sync(); err != nil {
		return err
	}

	c.footer.Store(&f)
	c.w = nil
	return nil
}

// Rename moves the chunk file and fsyncs the directory. Only valid before the chunk is shared.
func (c *Chunk) Rename(path string) error {
	if err := os.Rename(c.path, path); err != nil {
		return fmt.Errorf("failed to rename chunk: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to sync chunk directory: %w", err)
	}
	c.path = path
	return nil
}

// Verify recomputes the whole-chunk checksum of a completed chunk.
func (c *Chunk) Verify() error {
	f := c.footer.Load()
	if f == nil {
		return fmt.Errorf("%w: chunk %d is not completed", dberrors.ErrInvalidArgument, c.header.Number)
	}
	n := HeaderSize + f.DataSize + int64(f.MapCount)*PosMapEntrySize
	d := xxhash.New()
	if _, err := io.Copy(d, io.NewSectionReader(c.file, 0, n)); err != nil {
		return fmt.Errorf("failed to read chunk for verification: %w", err)
	}
	if d.Sum64() != f.Checksum {
		return dberrors.Corrupt(c.path, "chunk checksum mismatch")
	}
	return nil
}

func (c *Chunk) readable() int64 {
	return c.flushed.Load()
}

// ReadRecordAt returns the body of the record at exactly pos and the position after it.
func (c *Chunk) ReadRecordAt(pos int64) ([]byte, int64, error) {
	if c.header.Scavenged {
		i := sort.Search(len(c.posMap), func(i int) bool { return c.posMap[i].LogicalPosition >= pos })
		if i == len(c.posMap) || c.posMap[i].LogicalPosition != pos {
			return nil, 0, fmt.Errorf("%w: no record at %d in chunk %d", dberrors.ErrNotFound, pos, c.header.Number)
		}
		body, err := c.readFrame(c.posMap[i].PhysicalOffset, c.readable())
		if err != nil {
			return nil, 0, err
		}
		return body, pos + FrameSize(len(body)), nil
	}

	off := pos - c.header.LogicalStart
	if off < 0 || off >= c.readable() {
		return nil, 0, fmt.Errorf("%w: position %d outside chunk %d", dberrors.ErrNotFound, pos, c.header.Number)
	}
	body, err := c.readFrame(off, c.readable())
	if err != nil {
		return nil, 0, err
	}
	return body, pos + FrameSize(len(body)), nil
}

// ReadNext returns the first record at or after pos. It returns io.EOF when
// no readable record remains in the chunk.
func (c *Chunk) ReadNext(pos int64) (body []byte, recPos, next int64, err error) {
	if pos < c.header.LogicalStart {
		pos = c.header.LogicalStart
	}

	if c.header.Scavenged {
		i := sort.Search(len(c.posMap), func(i int) bool { return c.posMap[i].LogicalPosition >= pos })
		if i == len(c.posMap) {
			return nil, 0, 0, io.EOF
		}
		e := c.posMap[i]
		body, err = c.readFrame(e.PhysicalOffset, c.readable())
		if err != nil {
			return nil, 0, 0, err
		}
		return body, e.LogicalPosition, e.LogicalPosition + FrameSize(len(body)), nil
	}

	off := pos - c.header.LogicalStart
	if off >= c.readable() {
		return nil, 0, 0, io.EOF
	}
	body, err = c.readFrame(off, c.readable())
	if err != nil {
		return nil, 0, 0, err
	}
	return body, pos, pos + FrameSize(len(body)), nil
}

// Scan calls fn for every record of the chunk in position order.
func (c *Chunk) Scan(fn func(pos int64, body []byte) error) error {
	pos := c.header.LogicalStart
	for {
		body, recPos, next, err := c.ReadNext(pos)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(recPos, body); err != nil {
			return err
		}
		pos = next
	}
}

func (c *Chunk) readFrame(off, limit int64) ([]byte, error) {
	var lenBuf [4]byte
	if off+FrameOverhead > limit {
		return nil, dberrors.Corrupt(c.path, "record frame at %d crosses data end %d", off, limit)
	}
	if _, err := c.file.ReadAt(lenBuf[:], HeaderSize+off); err != nil {
		return nil, fmt.Errorf("failed to read record length: %w", err)
	}
	n := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	if n == 0 || off+n+FrameOverhead > limit {
		return nil, dberrors.Corrupt(c.path, "record at offset %d has invalid length %d", off, n)
	}

	buf := make([]byte, n+4)
	if _, err := c.file.ReadAt(buf, HeaderSize+off+4); err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	body := buf[:n]
	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(buf[n:]) {
		return nil, dberrors.Corrupt(c.path, "record checksum mismatch at offset %d", off)
	}
	return body, nil
}

// Acquire takes a reader reference. It fails once the chunk has been retired.
func (c *Chunk) Acquire() bool {
	for {
		r := c.refs.Load()
		if r <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// Release drops a reference; the last one closes the file and, if the chunk
// was marked for deletion, removes it.
func (c *Chunk) Release() {
	if c.refs.Add(-1) != 0 {
		return
	}
	if err := c.file.Close(); err != nil {
		slog.Warn("failed to close chunk file", "chunk", filepath.Base(c.path), "error", err)
	}
	if c.deleting.Load() {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to delete retired chunk", "chunk", filepath.Base(c.path), "error", err)
			return
		}
		slog.Debug("deleted retired chunk", "chunk", filepath.Base(c.path))
	}
}

// MarkForDeletion drops the owner reference and removes the file once unused.
func (c *Chunk) MarkForDeletion() {
	c.deleting.Store(true)
	c.Release()
}

// Close drops the owner reference. Pending buffered writes are flushed first.
func (c *Chunk) Close() error {
	var err error
	if c.footer.Load() == nil {
		err = c.Flush()
	}
	c.Release()
	return err
}

// Discard closes and removes a chunk that was never shared, such as a failed scavenge output.
func (c *Chunk) Discard() {
	c.MarkForDeletion()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
