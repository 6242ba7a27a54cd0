package zindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/quadkv/quadkv/geom"
	"github.com/quadkv/quadkv/store"
	"github.com/quadkv/quadkv/zcode"
)

// DefaultSplitThreshold is the bucket size beyond which a bucket is
// halved.
const DefaultSplitThreshold = 1000

// Index maintains the partition of the Z-code space. Bucket entries
// live in the index table, one row per bucket keyed by the bucket's
// minimum Z-code, with the prefix length and a size counter as
// columns. Missing entries along a prefix chain resolve through floor
// lookups.
//
// A single writer at a time is assumed; concurrent writers would race
// on split. Readers may run concurrently with the writer.
type Index struct {
	kv         store.Kv
	dataTable  string
	indexTable string
	threshold  uint64
	caching    int

	// entries resolves hot FetchBucket rows without a store round
	// trip. Stale entries only widen a bucket view, never corrupt it;
	// the cache is flushed on every split.
	entries *ttlcache.Cache[[zcode.Size]byte, entry]
}

func newIndex(kv store.Kv, dataTable string, threshold uint64, caching int, cacheTTL time.Duration) *Index {
	idx := &Index{
		kv:         kv,
		dataTable:  dataTable,
		indexTable: dataTable + IndexTableSuffix,
		threshold:  threshold,
		caching:    caching,
	}
	if cacheTTL > 0 {
		idx.entries = ttlcache.New[[zcode.Size]byte, entry](
			ttlcache.WithTTL[[zcode.Size]byte, entry](cacheTTL),
			ttlcache.WithDisableTouchOnHit[[zcode.Size]byte, entry](),
		)
	}
	return idx
}

// rootEntries returns the initial partition: the four top-level
// quadrants, each with two fixed prefix bits and a zero size counter.
// Materializing all four keeps the persisted metadata consistent with
// the partition it describes.
func rootEntries() []store.PutOp {
	var puts []store.PutOp
	for quadrant := byte(0); quadrant < 4; quadrant++ {
		var min [zcode.Size]byte
		min[0] = quadrant << 6
		puts = append(puts,
			store.PutOp{Row: min[:], Family: FamilyInfo, Qualifier: []byte(qualPrefixLen), Value: encodePrefixLen(2)},
			store.PutOp{Row: min[:], Family: FamilyInfo, Qualifier: []byte(qualBucketSize), Value: encodeBucketSize(0)},
		)
	}
	return puts
}

// resolve floor-looks-up the entry covering row.
func (idx *Index) resolve(ctx context.Context, row [zcode.Size]byte) (entry, error) {
	foundRow, cells, err := idx.floorEntry(ctx, row[:])
	if err != nil {
		return entry{}, fmt.Errorf("resolve bucket for %x: %w", row, err)
	}
	return decodeEntry(foundRow, cells)
}

// floorEntry wraps the store's floor lookup. The initialization
// invariant guarantees an entry at Z-code zero, so an empty result is
// index corruption, not a miss.
func (idx *Index) floorEntry(ctx context.Context, row []byte) ([]byte, map[string][]byte, error) {
	foundRow, cells, err := idx.kv.FloorGet(ctx, idx.indexTable, row, FamilyInfo)
	if errors.Is(err, store.ErrNoFloor) {
		return nil, nil, fmt.Errorf("no bucket covers %x: %w", row, ErrCorruption)
	}
	return foundRow, cells, err
}

// FetchBucket returns the bucket view covering the given Z-code.
func (idx *Index) FetchBucket(ctx context.Context, row [zcode.Size]byte) (*Bucket, error) {
	if idx.entries != nil {
		if item := idx.entries.Get(row); item != nil {
			ent := item.Value()
			return newBucket(idx.kv, idx.dataTable, ent.key, idx.caching), nil
		}
	}
	ent, err := idx.resolve(ctx, row)
	if err != nil {
		return nil, err
	}
	if idx.entries != nil {
		idx.entries.Set(row, ent, ttlcache.DefaultTTL)
	}
	return newBucket(idx.kv, idx.dataTable, ent.key, idx.caching), nil
}

// BucketIter lazily yields the buckets intersecting a query
// rectangle, surfacing the index scanner's pagination. It is finite
// and non-restartable.
type BucketIter struct {
	idx     *Index
	rx, ry  geom.Range
	scanner store.Scanner
}

// Next returns the next intersecting bucket, or io.EOF.
func (it *BucketIter) Next() (*Bucket, error) {
	for {
		row, cells, err := it.scanner.Next()
		if err != nil {
			return nil, err // io.EOF included
		}
		ent, err := decodeEntry(row, cells)
		if err != nil {
			return nil, err
		}
		bx, by := ent.key.rect()
		if it.rx.Intersects(bx) && it.ry.Intersects(by) {
			return newBucket(it.idx.kv, it.idx.dataTable, ent.key, it.idx.caching), nil
		}
	}
}

// Close releases the underlying scanner.
func (it *BucketIter) Close() error {
	return it.scanner.Close()
}

// FindBucketsInRange enumerates the buckets whose rectangles
// intersect rx × ry. Candidate entries are those in the Z-code
// interval of the rectangle plus the floor entry of its start key
// (the bucket covering the rectangle's min corner need not have its
// own entry in the interval); 2D intersection is re-tested on each to
// drop the false positives of the zig-zag Z-curve coverage.
func (idx *Index) FindBucketsInRange(ctx context.Context, rx, ry geom.Range) (*BucketIter, error) {
	startKey := zcode.Interleave(rx.Min, ry.Min)
	floorRow, _, err := idx.floorEntry(ctx, startKey[:])
	if err != nil {
		return nil, fmt.Errorf("find buckets for %s x %s: %w", rx, ry, err)
	}

	// The stop key is exclusive in the store's scan semantics, so the
	// greatest candidate Z-code is incremented by one with carry.
	var stopRow []byte
	if stop, ok := zcode.Next(zcode.Interleave(rx.Max, ry.Max)); ok {
		stopRow = stop[:]
	}

	sc, err := idx.kv.Scan(ctx, idx.indexTable, floorRow, stopRow, FamilyInfo, nil, idx.caching)
	if err != nil {
		return nil, fmt.Errorf("find buckets for %s x %s: %w", rx, ry, err)
	}
	return &BucketIter{idx: idx, rx: rx, ry: ry, scanner: sc}, nil
}

// NotifyInsertion records one insertion at row: the covering bucket's
// size counter is incremented atomically, and the bucket is split
// once it overflows the threshold. Exactly one notification must
// follow each successful cell write.
func (idx *Index) NotifyInsertion(ctx context.Context, row [zcode.Size]byte) error {
	foundRow, _, err := idx.floorEntry(ctx, row[:])
	if err != nil {
		return fmt.Errorf("notify insertion at %x: %w", row, err)
	}
	newSize, err := idx.kv.AtomicIncrement(ctx, idx.indexTable, foundRow, FamilyInfo, []byte(qualBucketSize), 1)
	if err != nil {
		return fmt.Errorf("notify insertion at %x: %w", row, err)
	}
	if uint64(newSize) > idx.threshold {
		return idx.SplitBucket(ctx, foundRow)
	}
	return nil
}

// SplitBucket refines the partition by one bit: the bucket covering
// key is replaced by two children whose prefixes extend the parent's
// by a zero and a one bit. Cells stay at their Z-code rows; only the
// index entries change, and the two child entries are written as one
// batch so readers see either the pre- or the post-split partition.
// A bucket at maximum resolution (64 fixed bits) is never split.
func (idx *Index) SplitBucket(ctx context.Context, key []byte) error {
	var row [zcode.Size]byte
	copy(row[:], key)
	ent, err := idx.resolve(ctx, row)
	if err != nil {
		return fmt.Errorf("split bucket at %x: %w", key, err)
	}
	if uint32(ent.key.PrefixLen)+1 > zcode.MaxPrefixLen {
		// Maximum resolution; inserts keep counting but the bucket
		// stays whole.
		return nil
	}

	newPrefixLen := ent.key.PrefixLen + 1
	leftKey := ent.key.Min
	rightKey := zcode.SetBit(leftKey, uint32(ent.key.PrefixLen))

	// The left child's size is counted from the data table; the right
	// child takes the rest of the parent counter (floored at zero), so
	// any drift in the parent counter carries over to the right child.
	leftSize, err := idx.countCells(ctx, leftKey[:], rightKey[:])
	if err != nil {
		return fmt.Errorf("split bucket %s: %w", ent.key, err)
	}
	var rightSize uint64
	if ent.size > leftSize {
		rightSize = ent.size - leftSize
	}

	err = idx.kv.PutBatch(ctx, idx.indexTable, []store.PutOp{
		{Row: leftKey[:], Family: FamilyInfo, Qualifier: []byte(qualPrefixLen), Value: encodePrefixLen(newPrefixLen)},
		{Row: leftKey[:], Family: FamilyInfo, Qualifier: []byte(qualBucketSize), Value: encodeBucketSize(leftSize)},
		{Row: rightKey[:], Family: FamilyInfo, Qualifier: []byte(qualPrefixLen), Value: encodePrefixLen(newPrefixLen)},
		{Row: rightKey[:], Family: FamilyInfo, Qualifier: []byte(qualBucketSize), Value: encodeBucketSize(rightSize)},
	})
	if err != nil {
		return fmt.Errorf("split bucket %s: %w", ent.key, err)
	}
	if idx.entries != nil {
		idx.entries.DeleteAll()
	}
	metrics_bucketSplits.Inc()
	log.Debugf("split bucket %s into prefix length %d (sizes %d/%d)",
		ent.key, newPrefixLen, leftSize, rightSize)

	// A mass insertion can leave a child still overflowing.
	if leftSize > idx.threshold {
		if err := idx.SplitBucket(ctx, leftKey[:]); err != nil {
			return err
		}
	}
	if rightSize > idx.threshold {
		if err := idx.SplitBucket(ctx, rightKey[:]); err != nil {
			return err
		}
	}
	return nil
}

// countCells counts the point cells of the data table in
// [startRow, stopRow).
func (idx *Index) countCells(ctx context.Context, startRow, stopRow []byte) (uint64, error) {
	sc, err := idx.kv.Scan(ctx, idx.dataTable, startRow, stopRow, FamilyPoints, nil, idx.caching)
	if err != nil {
		return 0, err
	}
	defer sc.Close()
	var count uint64
	for {
		_, cells, err := sc.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return 0, err
		}
		count += uint64(len(cells))
	}
}

// Entries returns every bucket entry of the index table in key order;
// used by diagnostics.
func (idx *Index) Entries(ctx context.Context) ([]BucketKey, []uint64, error) {
	sc, err := idx.kv.Scan(ctx, idx.indexTable, nil, nil, FamilyInfo, nil, idx.caching)
	if err != nil {
		return nil, nil, fmt.Errorf("list index entries: %w", err)
	}
	defer sc.Close()
	var keys []BucketKey
	var sizes []uint64
	for {
		row, cells, err := sc.Next()
		if err == io.EOF {
			return keys, sizes, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("list index entries: %w", err)
		}
		ent, err := decodeEntry(row, cells)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, ent.key)
		sizes = append(sizes, ent.size)
	}
}
