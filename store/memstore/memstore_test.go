package memstore

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quadkv/quadkv/store"
)

func TestCreateAndDropTable(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.TableExists(ctx, "t")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.CreateTable(ctx, "t", "f"))
	require.ErrorIs(t, s.CreateTable(ctx, "t", "f"), store.ErrTableExists)

	ok, err = s.TableExists(ctx, "t")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.DropTable(ctx, "t"))
	require.ErrorIs(t, s.DropTable(ctx, "t"), store.ErrTableNotFound)
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTable(ctx, "t", "f"))

	require.NoError(t, s.Put(ctx, "t", []byte("row1"), "f", []byte("q1"), []byte("v1")))
	require.NoError(t, s.Put(ctx, "t", []byte("row1"), "f", []byte("q2"), []byte("v2")))

	cells, err := s.Get(ctx, "t", []byte("row1"), "f")
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"q1": []byte("v1"), "q2": []byte("v2")}, cells)

	// missing row yields an empty map, not an error
	cells, err = s.Get(ctx, "t", []byte("nope"), "f")
	require.NoError(t, err)
	require.Empty(t, cells)

	require.ErrorIs(t, s.Put(ctx, "nope", []byte("r"), "f", []byte("q"), []byte("v")), store.ErrTableNotFound)
}

func TestFloorGet(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTable(ctx, "t", "f"))
	require.NoError(t, s.Put(ctx, "t", []byte{0x10}, "f", []byte("q"), []byte("a")))
	require.NoError(t, s.Put(ctx, "t", []byte{0x20}, "f", []byte("q"), []byte("b")))

	row, cells, err := s.FloorGet(ctx, "t", []byte{0x15}, "f")
	require.NoError(t, err)
	require.Equal(t, []byte{0x10}, row)
	require.Equal(t, []byte("a"), cells["q"])

	// exact hit
	row, _, err = s.FloorGet(ctx, "t", []byte{0x20}, "f")
	require.NoError(t, err)
	require.Equal(t, []byte{0x20}, row)

	// everything is greater than the key
	_, _, err = s.FloorGet(ctx, "t", []byte{0x05}, "f")
	require.ErrorIs(t, err, store.ErrNoFloor)
}

func TestAtomicIncrement(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTable(ctx, "t", "f"))

	got, err := s.AtomicIncrement(ctx, "t", []byte("r"), "f", []byte("c"), 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), got)

	got, err = s.AtomicIncrement(ctx, "t", []byte("r"), "f", []byte("c"), 41)
	require.NoError(t, err)
	require.Equal(t, int64(42), got)

	// the counter cell is 8 bytes big-endian
	cells, err := s.Get(ctx, "t", []byte("r"), "f")
	require.NoError(t, err)
	require.Equal(t, uint64(42), binary.BigEndian.Uint64(cells["c"]))
}

func TestPutBatchVisibleTogether(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTable(ctx, "t", "f"))

	err := s.PutBatch(ctx, "t", []store.PutOp{
		{Row: []byte{1}, Family: "f", Qualifier: []byte("q"), Value: []byte("a")},
		{Row: []byte{2}, Family: "f", Qualifier: []byte("q"), Value: []byte("b")},
	})
	require.NoError(t, err)

	cells, err := s.Get(ctx, "t", []byte{1}, "f")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), cells["q"])
	cells, err = s.Get(ctx, "t", []byte{2}, "f")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), cells["q"])
}

func collectRows(t *testing.T, sc store.Scanner) [][]byte {
	t.Helper()
	var rows [][]byte
	for {
		row, _, err := sc.Next()
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestScanBounds(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTable(ctx, "t", "f"))
	for i := byte(0); i < 10; i++ {
		require.NoError(t, s.Put(ctx, "t", []byte{i}, "f", []byte("q"), []byte{i}))
	}

	sc, err := s.Scan(ctx, "t", []byte{3}, []byte{7}, "f", nil, 0)
	require.NoError(t, err)
	rows := collectRows(t, sc)
	// stop row is exclusive
	require.Equal(t, [][]byte{{3}, {4}, {5}, {6}}, rows)

	// nil stop scans to the end
	sc, err = s.Scan(ctx, "t", []byte{8}, nil, "f", nil, 0)
	require.NoError(t, err)
	rows = collectRows(t, sc)
	require.Equal(t, [][]byte{{8}, {9}}, rows)
}

func TestScanPagination(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTable(ctx, "t", "f"))
	for i := byte(0); i < 25; i++ {
		require.NoError(t, s.Put(ctx, "t", []byte{i}, "f", []byte("q"), []byte{i}))
	}

	// page size far smaller than the result set
	sc, err := s.Scan(ctx, "t", nil, nil, "f", nil, 4)
	require.NoError(t, err)
	rows := collectRows(t, sc)
	require.Len(t, rows, 25)
	for i, row := range rows {
		require.Equal(t, []byte{byte(i)}, row)
	}
}

// A result set that is an exact multiple of the page size must still
// terminate, both when the scan runs to the end of the keyspace and
// when the stop row lies past all data.
func TestScanPaginationExactMultiple(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTable(ctx, "t", "f"))
	for i := byte(0); i < 24; i++ {
		require.NoError(t, s.Put(ctx, "t", []byte{i}, "f", []byte("q"), []byte{i}))
	}

	sc, err := s.Scan(ctx, "t", nil, nil, "f", nil, 4)
	require.NoError(t, err)
	rows := collectRows(t, sc)
	require.Len(t, rows, 24)

	sc, err = s.Scan(ctx, "t", nil, []byte{99}, "f", nil, 8)
	require.NoError(t, err)
	rows = collectRows(t, sc)
	require.Len(t, rows, 24)

	// single exact page
	sc, err = s.Scan(ctx, "t", nil, nil, "f", nil, 24)
	require.NoError(t, err)
	rows = collectRows(t, sc)
	require.Len(t, rows, 24)
}

type dropOddFilter struct{}

func (dropOddFilter) Cell(row, qualifier, value []byte) store.Decision {
	if value[0]%2 == 1 {
		return store.SkipRow
	}
	return store.Include
}

func TestScanFilterSkipsRows(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTable(ctx, "t", "f"))
	for i := byte(0); i < 10; i++ {
		require.NoError(t, s.Put(ctx, "t", []byte{i}, "f", []byte("q"), []byte{i}))
	}

	sc, err := s.Scan(ctx, "t", nil, nil, "f", dropOddFilter{}, 0)
	require.NoError(t, err)
	rows := collectRows(t, sc)
	require.Equal(t, [][]byte{{0}, {2}, {4}, {6}, {8}}, rows)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateTable(ctx, "points", "P"))
	require.NoError(t, s.CreateTable(ctx, "points_index", "info"))
	require.NoError(t, s.Put(ctx, "points", []byte{1, 2, 3}, "P", []byte("id"), []byte("xy")))
	_, err = s.AtomicIncrement(ctx, "points_index", []byte{0}, "info", []byte("bs"), 7)
	require.NoError(t, err)
	require.NoError(t, s.Seal())

	reopened, err := Open(path)
	require.NoError(t, err)

	ok, err := reopened.TableExists(ctx, "points")
	require.NoError(t, err)
	require.True(t, ok)

	cells, err := reopened.Get(ctx, "points", []byte{1, 2, 3}, "P")
	require.NoError(t, err)
	require.Equal(t, []byte("xy"), cells["id"])

	got, err := reopened.AtomicIncrement(ctx, "points_index", []byte{0}, "info", []byte("bs"), 0)
	require.NoError(t, err)
	require.Equal(t, int64(7), got)
}

func TestSnapshotRejectsCorruption(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateTable(ctx, "t", "f"))
	require.NoError(t, s.Put(ctx, "t", []byte("r"), "f", []byte("q"), []byte("v")))
	require.NoError(t, s.Seal())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// flip a payload byte so the checksum no longer matches
	data[len(data)-9] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum")
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "absent.db"))
	require.NoError(t, err)
	ok, err := s.TableExists(context.Background(), "t")
	require.NoError(t, err)
	require.False(t, ok)
}
