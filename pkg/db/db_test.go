package db

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"eventdb/pkg/checkpoint"
	"eventdb/pkg/chunk"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/logrecord"
)

func openDB(t *testing.T, dir string, chunkSize int64) (*DB, *checkpoint.File) {
	t.Helper()
	cp, err := checkpoint.OpenFile(dir, checkpoint.Writer)
	require.NoError(t, err)
	d, err := Open(Options{Dir: dir, ChunkSize: chunkSize, DeleteLeftovers: true}, cp)
	require.NoError(t, err)
	return d, cp
}

func appendPrepare(t *testing.T, c *chunk.Chunk, stream string, data string) int64 {
	t.Helper()
	pos := c.LogicalEnd()
	rec := logrecord.WithPosition(&logrecord.Prepare{
		TransactionPosition: -1,
		Flags:               logrecord.FlagData | logrecord.FlagIsCommitted,
		EventStreamID:       stream,
		Data:                []byte(data),
	}, pos)
	body, err := logrecord.Encode(rec)
	require.NoError(t, err)
	got, err := c.Append(body)
	require.NoError(t, err)
	require.Equal(t, pos, got)
	return pos
}

func TestOpenFreshCreatesFirstChunk(t *testing.T) {
	dir := t.TempDir()
	d, cp := openDB(t, dir, 4096)
	defer d.Close()

	require.Equal(t, 1, d.Manager().Count())
	require.EqualValues(t, 0, cp.Read())
	_, err := os.Stat(filepath.Join(dir, "chunk-000000.000000"))
	require.NoError(t, err)
}

func TestOpenFailsWhenCheckpointHasNoChunks(t *testing.T) {
	dir := t.TempDir()
	cp, err := checkpoint.OpenFile(dir, checkpoint.Writer)
	require.NoError(t, err)
	require.NoError(t, cp.Write(80))

	_, err = Open(Options{Dir: dir, ChunkSize: 4096}, cp)
	require.ErrorIs(t, err, dberrors.ErrCorruptDatabase)
}

func TestOpenFailsOnCheckpointBeyondLastChunk(t *testing.T) {
	dir := t.TempDir()
	d, cp := openDB(t, dir, 1024)
	require.NoError(t, d.Close())
	require.NoError(t, cp.Write(5000))

	_, err := Open(Options{Dir: dir, ChunkSize: 1024}, cp)
	require.ErrorIs(t, err, dberrors.ErrCorruptDatabase)
}

func TestOpenFailsOnMissingChunk(t *testing.T) {
	dir := t.TempDir()
	d, _ := openDB(t, dir, 1024)
	c := d.Manager().Last()
	appendPrepare(t, c, "s", "x")
	require.NoError(t, c.Complete())
	_, err := d.CreateChunk(1, c.LogicalEnd())
	require.NoError(t, err)
	require.NoError(t, d.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, "chunk-000000.000000")))
	cp, err := checkpoint.OpenFile(dir, checkpoint.Writer)
	require.NoError(t, err)
	_, err = Open(Options{Dir: dir, ChunkSize: 1024}, cp)
	require.ErrorIs(t, err, dberrors.ErrCorruptDatabase)
}

func TestOpenRecoversTornWrite(t *testing.T) {
	dir := t.TempDir()
	d, cp := openDB(t, dir, 4096)
	c := d.Manager().Last()
	appendPrepare(t, c, "stream-a", "first")
	posB := appendPrepare(t, c, "stream-a", "second")
	end := c.LogicalEnd()
	require.NoError(t, c.Flush())
	require.NoError(t, cp.Write(end))
	require.NoError(t, d.Close())

	// keep half of the second record on disk
	torn := posB + (end-posB)/2
	require.NoError(t, os.Truncate(filepath.Join(dir, "chunk-000000.000000"), chunk.HeaderSize+torn))

	d, cp = openDB(t, dir, 4096)
	defer d.Close()
	require.Equal(t, posB, cp.Read())

	rec, err := d.ReadRecord(0)
	require.NoError(t, err)
	require.Equal(t, "first", string(rec.(*logrecord.Prepare).Data))

	_, _, err = d.ReadNext(posB, cp.Read())
	require.ErrorIs(t, err, io.EOF)
}

func TestOpenCreatesNextChunkAfterCompletedLast(t *testing.T) {
	dir := t.TempDir()
	d, cp := openDB(t, dir, 4096)
	c := d.Manager().Last()
	appendPrepare(t, c, "s", "payload")
	require.NoError(t, c.Complete())
	require.NoError(t, cp.Write(c.LogicalEnd()))
	end := c.LogicalEnd()
	require.NoError(t, d.Close())

	d, cp = openDB(t, dir, 4096)
	defer d.Close()
	require.Equal(t, 2, d.Manager().Count())
	require.Equal(t, end, d.Manager().Last().LogicalStart())
	require.Equal(t, end, cp.Read())
}

func TestOpenPicksHighestVersionAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	d, _ := openDB(t, dir, 4096)
	c := d.Manager().Last()
	appendPrepare(t, c, "s", "v0")
	require.NoError(t, c.Complete())
	_, err := d.CreateChunk(1, c.LogicalEnd())
	require.NoError(t, err)

	// a newer version of chunk 0 holding the same range
	h := c.Header()
	h.Version, h.Scavenged = 1, true
	nc, err := chunk.Create(d.Namer().TempFilename(), h, chunk.Options{})
	require.NoError(t, err)
	require.NoError(t, nc.CompleteScavenged(c.LogicalEnd()))
	require.NoError(t, nc.Rename(d.Namer().FilenameFor(0, 1)))
	require.NoError(t, nc.Close())
	require.NoError(t, d.Close())

	stray := filepath.Join(dir, "deadbeef.tmp")
	require.NoError(t, os.WriteFile(stray, []byte("junk"), 0600))

	d, _ = openDB(t, dir, 4096)
	defer d.Close()

	first, ok := d.Manager().Acquire(0)
	require.True(t, ok)
	require.EqualValues(t, 1, first.Version())
	first.Release()

	_, err = os.Stat(filepath.Join(dir, "chunk-000000.000000"))
	require.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(stray)
	require.True(t, errors.Is(err, os.ErrNotExist))

	_, err = d.ReadRecord(0)
	require.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestReadNextCrossesChunkBoundaries(t *testing.T) {
	dir := t.TempDir()
	d, _ := openDB(t, dir, 4096)
	defer d.Close()

	var positions []int64
	for i := 0; i < 3; i++ {
		c := d.Manager().Last()
		positions = append(positions, appendPrepare(t, c, "s", "a"))
		positions = append(positions, appendPrepare(t, c, "s", "b"))
		require.NoError(t, c.Complete())
		_, err := d.CreateChunk(int32(i+1), c.LogicalEnd())
		require.NoError(t, err)
	}
	last := d.Manager().Last()
	positions = append(positions, appendPrepare(t, last, "s", "tail"))
	require.NoError(t, last.Flush())
	limit := last.LogicalEnd()

	var got []int64
	pos := int64(0)
	for {
		rec, next, err := d.ReadNext(pos, limit)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, rec.Position())
		pos = next
	}
	require.Equal(t, positions, got)
	require.Equal(t, limit, pos)

	// the limit hides records beyond it
	_, _, err := d.ReadNext(positions[len(positions)-1], positions[len(positions)-1])
	require.ErrorIs(t, err, io.EOF)
}

func TestVerifyReportsCorruptChunk(t *testing.T) {
	dir := t.TempDir()
	d, _ := openDB(t, dir, 4096)
	c := d.Manager().Last()
	appendPrepare(t, c, "s", "some data to damage")
	require.NoError(t, c.Complete())
	_, err := d.CreateChunk(1, c.LogicalEnd())
	require.NoError(t, err)
	require.NoError(t, d.Verify())
	require.NoError(t, d.Close())

	path := filepath.Join(dir, "chunk-000000.000000")
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("!!"), chunk.HeaderSize+30)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cp, err := checkpoint.OpenFile(dir, checkpoint.Writer)
	require.NoError(t, err)
	_, err = Open(Options{Dir: dir, ChunkSize: 4096, VerifyOnOpen: true}, cp)
	require.ErrorIs(t, err, dberrors.ErrCorruptDatabase)
}
