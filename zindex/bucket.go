package zindex

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/quadkv/quadkv/geom"
	"github.com/quadkv/quadkv/store"
	"github.com/quadkv/quadkv/zcode"
)

// Bucket is a read-mostly view over one leaf of the partition: the
// contiguous Z-code interval [startRow, stopRow) of the data table
// together with the rectangle it covers. Buckets are immutable after
// construction; splitting the partition does not move cells, so a
// stale Bucket still scans a superset of its leaf.
type Bucket struct {
	kv      store.Kv
	table   string
	key     BucketKey
	rangeX  geom.Range
	rangeY  geom.Range
	caching int

	startRow [zcode.Size]byte
	stopRow  []byte // nil when the interval reaches the end of the keyspace
}

func newBucket(kv store.Kv, table string, key BucketKey, caching int) *Bucket {
	rx, ry := key.rect()
	b := &Bucket{
		kv:       kv,
		table:    table,
		key:      key,
		rangeX:   rx,
		rangeY:   ry,
		caching:  caching,
		startRow: key.Min,
	}
	if stop, ok := zcode.Next(zcode.OrNotMask(key.Min, uint32(key.PrefixLen))); ok {
		b.stopRow = stop[:]
	}
	return b
}

// Key returns the canonical (minZCode, prefixLen) identity.
func (b *Bucket) Key() BucketKey {
	return b.key
}

// RangeX returns the bucket's x interval.
func (b *Bucket) RangeX() geom.Range { return b.rangeX }

// RangeY returns the bucket's y interval.
func (b *Bucket) RangeY() geom.Range { return b.rangeY }

// Insert writes the point's cell at row. The caller is responsible
// for notifying the index afterwards; the write and the notification
// are not atomic (a failure between them leaves the size counter low;
// on split only the left child's size is counted from the data table).
func (b *Bucket) Insert(ctx context.Context, row [zcode.Size]byte, p geom.Point) error {
	err := b.kv.Put(ctx, b.table, row[:], FamilyPoints, encodePointQualifier(p.ID), encodePointValue(p.X, p.Y))
	if err != nil {
		return fmt.Errorf("insert %v at row %x: %w", p, row, err)
	}
	return nil
}

// Get decodes all points stored at row.
func (b *Bucket) Get(ctx context.Context, row [zcode.Size]byte) ([]geom.Point, error) {
	cells, err := b.kv.Get(ctx, b.table, row[:], FamilyPoints)
	if err != nil {
		return nil, fmt.Errorf("get row %x: %w", row, err)
	}
	points := make([]geom.Point, 0, len(cells))
	for q, v := range cells {
		p, err := decodePointCell([]byte(q), v)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// Scan returns the points of the bucket whose coordinates lie in
// rx × ry. The rectangle predicate is pushed down into the store
// scan; result order is unspecified.
func (b *Bucket) Scan(ctx context.Context, rx, ry geom.Range) ([]geom.Point, error) {
	var points []geom.Point
	err := b.scan(ctx, rx, ry, func(p geom.Point) {
		points = append(points, p)
	})
	return points, err
}

// ScanAll returns every point of the bucket.
func (b *Bucket) ScanAll(ctx context.Context) ([]geom.Point, error) {
	return b.Scan(ctx, b.rangeX, b.rangeY)
}

func (b *Bucket) scan(ctx context.Context, rx, ry geom.Range, yield func(geom.Point)) error {
	sc, err := b.kv.Scan(ctx, b.table, b.startRow[:], b.stopRow, FamilyPoints, &rectFilter{rx: rx, ry: ry}, b.caching)
	if err != nil {
		return fmt.Errorf("scan bucket %s over %s x %s: %w", b.key, rx, ry, err)
	}
	defer sc.Close()
	metrics_bucketsScanned.Inc()
	for {
		_, cells, err := sc.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan bucket %s over %s x %s: %w", b.key, rx, ry, err)
		}
		for q, v := range cells {
			p, err := decodePointCell([]byte(q), v)
			if err != nil {
				return err
			}
			metrics_cellsScanned.Inc()
			yield(p)
		}
	}
}

// DistanceFrom returns the Euclidean distance from p to the bucket's
// rectangle; zero when p lies inside.
func (b *Bucket) DistanceFrom(p geom.Point) float64 {
	dx := b.rangeX.DistanceTo(p.X)
	dy := b.rangeY.DistanceTo(p.Y)
	return math.Sqrt(dx*dx + dy*dy)
}

// FarthestCornerFrom returns the corner of the bucket's rectangle
// farthest from p, judging each axis independently.
func (b *Bucket) FarthestCornerFrom(p geom.Point) geom.Point {
	return geom.Point{
		X: b.rangeX.FarthestEndpoint(p.X),
		Y: b.rangeY.FarthestEndpoint(p.Y),
	}
}

func (b *Bucket) String() string {
	return b.key.String()
}
