package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"eventdb/pkg/dberrors"
	"eventdb/pkg/memtable"
)

var created = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func writeTable(t *testing.T, dir string, id uint64, opts TableOptions, entries ...memtable.Entry) *PTable {
	t.Helper()
	tbl := memtable.New(0)
	covered := int64(0)
	for _, e := range entries {
		tbl.Put(e.Hash, e.Number, e.Position)
		covered = max(covered, e.Position+1)
	}
	tbl.Commit(covered)
	pt, err := WriteSortedSet(filepath.Join(dir, TableFileName(id)), id, tbl, 0.01, created, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pt.Close() })
	return pt
}

func TestPTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	var entries []memtable.Entry
	for h := uint64(1); h <= 20; h++ {
		for n := int64(0); n < 50; n++ {
			entries = append(entries, memtable.Entry{Hash: h * 1000, Number: n, Position: int64(h)*10000 + n})
		}
	}
	pt := writeTable(t, dir, 1, TableOptions{SparseInterval: 16, Cache: NewBlockCache(8)}, entries...)

	require.EqualValues(t, len(entries), pt.Len())
	require.Equal(t, created, pt.CreatedAt())
	require.EqualValues(t, 20*10000+49+1, pt.CoveredTo())

	for _, e := range entries {
		got, err := pt.Lookup(e.Hash, e.Number)
		require.NoError(t, err)
		require.Equal(t, []int64{e.Position}, got)
	}

	got, err := pt.Lookup(5000, 50)
	require.NoError(t, err)
	require.Empty(t, got)
	got, err = pt.Lookup(5001, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	stream, err := pt.Stream(7000)
	require.NoError(t, err)
	require.Len(t, stream, 50)
	require.EqualValues(t, 0, stream[0].Number)
	require.EqualValues(t, 49, stream[49].Number)
}

func TestPTableLookupNewestFirst(t *testing.T) {
	pt := writeTable(t, t.TempDir(), 1, TableOptions{SparseInterval: 2},
		memtable.Entry{Hash: 9, Number: 0, Position: 10},
		memtable.Entry{Hash: 9, Number: 0, Position: 90},
		memtable.Entry{Hash: 9, Number: 1, Position: 20},
	)
	got, err := pt.Lookup(9, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{90, 10}, got)
}

func TestPTableIterator(t *testing.T) {
	entries := []memtable.Entry{
		{Hash: 1, Number: 0, Position: 5},
		{Hash: 1, Number: 1, Position: 6},
		{Hash: 3, Number: 0, Position: 1},
	}
	pt := writeTable(t, t.TempDir(), 1, TableOptions{SparseInterval: 2}, entries...)

	var got []memtable.Entry
	it := pt.Iterator()
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		got = append(got, e)
	}
	require.NoError(t, it.Err())
	require.Equal(t, entries, got)
}

func TestEmptyPTable(t *testing.T) {
	pt := writeTable(t, t.TempDir(), 1, TableOptions{})
	require.EqualValues(t, 0, pt.Len())
	got, err := pt.Lookup(1, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestOpenTableErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenTable(filepath.Join(dir, TableFileName(42)), 42, TableOptions{})
	require.ErrorIs(t, err, dberrors.ErrPTableNotFound)

	pt := writeTable(t, dir, 1, TableOptions{}, memtable.Entry{Hash: 1, Number: 0, Position: 0})
	path := pt.Path()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[TableHeaderSize+3] ^= 0xff
	damaged := filepath.Join(dir, TableFileName(2))
	require.NoError(t, os.WriteFile(damaged, data, 0600))

	_, err = OpenTable(damaged, 2, TableOptions{})
	require.ErrorIs(t, err, dberrors.ErrCorruptDatabase)

	require.NoError(t, os.WriteFile(damaged, data[:10], 0600))
	_, err = OpenTable(damaged, 2, TableOptions{})
	require.ErrorIs(t, err, dberrors.ErrCorruptDatabase)
}

func TestTableWriterRejectsUnsortedEntries(t *testing.T) {
	dir := t.TempDir()
	tw, err := NewTableWriter(filepath.Join(dir, TableFileName(1)), 1, 2, 0, 0.01, created, TableOptions{})
	require.NoError(t, err)
	require.NoError(t, tw.Add(memtable.Entry{Hash: 2, Number: 0, Position: 1}))
	require.ErrorIs(t, tw.Add(memtable.Entry{Hash: 1, Number: 0, Position: 2}), dberrors.ErrInvalidArgument)
	tw.Abort()

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestRetiredTableIsDeletedAfterLastReader(t *testing.T) {
	dir := t.TempDir()
	tbl := memtable.New(1)
	tbl.Put(1, 0, 0)
	pt, err := WriteSortedSet(filepath.Join(dir, TableFileName(1)), 1, tbl, 0.01, created, TableOptions{})
	require.NoError(t, err)

	require.True(t, pt.Acquire())
	pt.MarkForDeletion()
	_, err = os.Stat(pt.Path())
	require.NoError(t, err)

	pt.Release()
	_, err = os.Stat(pt.Path())
	require.True(t, os.IsNotExist(err))
	require.False(t, pt.Acquire())
}

func TestBloomFilter(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := uint64(0); i < 1000; i++ {
		bf.Add(i * 7919)
	}
	for i := uint64(0); i < 1000; i++ {
		require.True(t, bf.MayContain(i*7919))
	}

	falsePositives := 0
	for i := uint64(0); i < 10000; i++ {
		if bf.MayContain(i*7919 + 1) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 500)

	back, err := unmarshalBloom("test", bf.marshal())
	require.NoError(t, err)
	require.Equal(t, bf, back)
}

func TestBlockCacheEvictsLeastRecentlyUsed(t *testing.T) {
	bc := NewBlockCache(2)
	page := []memtable.Entry{{Hash: 1}}

	bc.Set(1, 0, page)
	bc.Set(1, 1, page)
	_, ok := bc.Get(1, 0)
	require.True(t, ok)
	bc.Set(2, 0, page)

	_, ok = bc.Get(1, 1)
	require.False(t, ok)
	_, ok = bc.Get(1, 0)
	require.True(t, ok)

	bc.Drop(1)
	require.Equal(t, 1, bc.Len())
	_, ok = bc.Get(2, 0)
	require.True(t, ok)
}
