package zindex

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quadkv/quadkv/geom"
	"github.com/quadkv/quadkv/store/memstore"
	"github.com/quadkv/quadkv/zcode"
)

func newTestEngine(t *testing.T, threshold uint64) *Engine {
	t.Helper()
	engine, err := Open(context.Background(), memstore.New(), "points",
		WithSplitThreshold(threshold),
	)
	require.NoError(t, err)
	return engine
}

func TestGetAt(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 1000)

	require.NoError(t, engine.Insert(ctx, geom.Point{ID: 1, X: 100, Y: 200}))
	require.NoError(t, engine.Insert(ctx, geom.Point{ID: 2, X: 100, Y: 200}))
	require.NoError(t, engine.Insert(ctx, geom.Point{ID: 3, X: 101, Y: 200}))

	points, err := engine.GetAt(ctx, 100, 200)
	require.NoError(t, err)
	ids := make([]int64, 0, len(points))
	for _, p := range points {
		require.Equal(t, uint32(100), p.X)
		require.Equal(t, uint32(200), p.Y)
		ids = append(ids, p.ID)
	}
	require.ElementsMatch(t, []int64{1, 2}, ids)

	points, err = engine.GetAt(ctx, 5, 5)
	require.NoError(t, err)
	require.Empty(t, points)
}

func TestRangeQueryDiagonal(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 1000)
	for i := uint32(0); i < 10; i++ {
		require.NoError(t, engine.Insert(ctx, geom.Point{ID: int64(i), X: i, Y: i}))
	}

	points, err := engine.RangeQuery(ctx, geom.MustRange(0, 4), geom.MustRange(0, 4))
	require.NoError(t, err)
	require.Len(t, points, 5)
	for _, p := range points {
		require.Equal(t, p.X, p.Y)
		require.LessOrEqual(t, p.X, uint32(4))
	}
}

// A query rectangle strictly inside a bucket must still reach that
// bucket through the floor lookup of its start key.
func TestRangeQueryInteriorRectangle(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 1000)
	require.NoError(t, engine.Insert(ctx, geom.Point{ID: 7, X: 70, Y: 70}))

	points, err := engine.RangeQuery(ctx, geom.MustRange(60, 80), geom.MustRange(60, 80))
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, int64(7), points[0].ID)
}

func TestSplitOnOverflow(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 10)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 11; i++ {
		p := geom.Point{ID: int64(i), X: uint32(rng.Intn(101)), Y: uint32(rng.Intn(101))}
		require.NoError(t, engine.Insert(ctx, p))
	}

	keys, sizes, err := engine.Index().Entries(ctx)
	require.NoError(t, err)
	// the four roots plus at least one refinement
	require.Greater(t, len(keys), 4)

	var total uint64
	for _, s := range sizes {
		total += s
	}
	require.Equal(t, uint64(11), total)
}

func TestSplitPreservesCells(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 5)

	rng := rand.New(rand.NewSource(2))
	inserted := make([]geom.Point, 0, 50)
	for i := 0; i < 50; i++ {
		p := geom.Point{ID: int64(i), X: rng.Uint32() % 1000, Y: rng.Uint32() % 1000}
		inserted = append(inserted, p)
		require.NoError(t, engine.Insert(ctx, p))
	}

	keys, sizes, err := engine.Index().Entries(ctx)
	require.NoError(t, err)

	var total uint64
	for _, s := range sizes {
		total += s
	}
	require.Equal(t, uint64(50), total)

	// every point lies in exactly one bucket rectangle
	for _, p := range inserted {
		covering := 0
		for _, key := range keys {
			rx, ry := key.rect()
			if rx.Contains(p.X) && ry.Contains(p.Y) {
				covering++
			}
		}
		require.Equal(t, 1, covering, "point %s", p)
	}
}

// The bucket intervals must tile the whole 64-bit Z-code space with
// no gap and no overlap.
func TestPartitionCoversSpace(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 3)

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		p := geom.Point{ID: int64(i), X: rng.Uint32(), Y: rng.Uint32()}
		require.NoError(t, engine.Insert(ctx, p))
	}

	keys, _, err := engine.Index().Entries(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, keys)

	require.Equal(t, [zcode.Size]byte{}, keys[0].Min)
	for i := 0; i < len(keys)-1; i++ {
		top := zcode.OrNotMask(keys[i].Min, uint32(keys[i].PrefixLen))
		next, ok := zcode.Next(top)
		require.True(t, ok)
		require.Equal(t, keys[i+1].Min, next, "gap or overlap after bucket %d", i)
	}
	last := keys[len(keys)-1]
	require.Equal(t,
		[zcode.Size]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		zcode.OrNotMask(last.Min, uint32(last.PrefixLen)),
	)
}

func TestMaxResolutionBucketNeverSplits(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 1)

	// two ids at the same location share a Z-code row; the covering
	// bucket refines all the way down and then just keeps counting
	require.NoError(t, engine.Insert(ctx, geom.Point{ID: 1, X: 12345, Y: 54321}))
	require.NoError(t, engine.Insert(ctx, geom.Point{ID: 2, X: 12345, Y: 54321}))
	require.NoError(t, engine.Insert(ctx, geom.Point{ID: 3, X: 12345, Y: 54321}))

	keys, sizes, err := engine.Index().Entries(ctx)
	require.NoError(t, err)

	row := zcode.Interleave(12345, 54321)
	foundLeaf := false
	for i, key := range keys {
		if key.Min == row && key.PrefixLen == zcode.MaxPrefixLen {
			foundLeaf = true
			require.Equal(t, uint64(3), sizes[i])
		}
	}
	require.True(t, foundLeaf)

	points, err := engine.GetAt(ctx, 12345, 54321)
	require.NoError(t, err)
	require.Len(t, points, 3)
}

func bruteRange(points []geom.Point, rx, ry geom.Range) []geom.Point {
	var out []geom.Point
	for _, p := range points {
		if rx.Contains(p.X) && ry.Contains(p.Y) {
			out = append(out, p)
		}
	}
	return out
}

func TestRangeQueryMatchesBruteForce(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 7)

	rng := rand.New(rand.NewSource(4))
	inserted := make([]geom.Point, 0, 300)
	for i := 0; i < 300; i++ {
		p := geom.Point{ID: int64(i), X: rng.Uint32() % 5000, Y: rng.Uint32() % 5000}
		inserted = append(inserted, p)
		require.NoError(t, engine.Insert(ctx, p))
	}

	for trial := 0; trial < 20; trial++ {
		x1, x2 := rng.Uint32()%5000, rng.Uint32()%5000
		y1, y2 := rng.Uint32()%5000, rng.Uint32()%5000
		if x1 > x2 {
			x1, x2 = x2, x1
		}
		if y1 > y2 {
			y1, y2 = y2, y1
		}
		rx, ry := geom.MustRange(x1, x2), geom.MustRange(y1, y2)

		got, err := engine.RangeQuery(ctx, rx, ry)
		require.NoError(t, err)
		require.ElementsMatch(t, bruteRange(inserted, rx, ry), got)

		count, err := engine.RangeCount(ctx, rx, ry)
		require.NoError(t, err)
		require.Equal(t, uint64(len(got)), count)
	}
}

// Repeated queries over an unchanged table return the same multiset.
func TestRangeQueryIdempotent(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 5)
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 60; i++ {
		p := geom.Point{ID: int64(i), X: rng.Uint32() % 200, Y: rng.Uint32() % 200}
		require.NoError(t, engine.Insert(ctx, p))
	}

	rx, ry := geom.MustRange(50, 150), geom.MustRange(50, 150)
	first, err := engine.RangeQuery(ctx, rx, ry)
	require.NoError(t, err)
	second, err := engine.RangeQuery(ctx, rx, ry)
	require.NoError(t, err)
	require.ElementsMatch(t, first, second)
}

func TestCorruptIndexEntryIsFatal(t *testing.T) {
	ctx := context.Background()
	kv := memstore.New()
	engine, err := Open(ctx, kv, "points", WithEntryCacheTTL(0))
	require.NoError(t, err)

	// an entry with no prefix-length column cannot be decoded
	badRow := []byte{0x01, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, kv.Put(ctx, "points"+IndexTableSuffix, badRow, FamilyInfo,
		[]byte(qualBucketSize), encodeBucketSize(0)))

	var row [zcode.Size]byte
	copy(row[:], badRow)
	_, err = engine.Index().FetchBucket(ctx, row)
	require.ErrorIs(t, err, ErrCorruption)
}

func sortByDistance(points []geom.Point, q geom.Point) {
	sort.Slice(points, func(i, j int) bool {
		return q.DistanceTo(points[i]) < q.DistanceTo(points[j])
	})
}
