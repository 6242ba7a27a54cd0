package zindex

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"math"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quadkv/quadkv/geom"
)

// KNearest returns the k points closest to q in ascending distance
// order (fewer if the table holds fewer points). The search expands a
// Chebyshev square around q and visits candidate buckets best-first,
// pruning once a bucket's distance exceeds the current k-th best.
func (e *Engine) KNearest(ctx context.Context, q geom.Point, k int) ([]geom.Point, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d: %w", k, ErrInvalidArgument)
	}
	ctx, span := e.tracer.Start(ctx, "zindex.KNearest",
		trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()
	metrics_queries.WithLabelValues("knn").Inc()

	results := newNearestSet(k)
	queue := &bucketQueue{}
	heap.Init(queue)
	seen := make(map[BucketKey]struct{})
	var offset uint32

	for {
		// Enumerate the buckets intersecting the current search
		// square and queue the unseen ones.
		rx := clampedRange(q.X, offset)
		ry := clampedRange(q.Y, offset)
		it, err := e.idx.FindBucketsInRange(ctx, rx, ry)
		if err != nil {
			return nil, err
		}
		for {
			bucket, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				it.Close()
				return nil, err
			}
			if _, ok := seen[bucket.Key()]; ok {
				continue
			}
			seen[bucket.Key()] = struct{}{}
			heap.Push(queue, queuedBucket{bucket: bucket, dist: bucket.DistanceFrom(q)})
		}
		it.Close()

		if queue.Len() == 0 {
			return results.points(), nil
		}

		for queue.Len() > 0 {
			qb := heap.Pop(queue).(queuedBucket)
			if qb.dist > results.farthest() {
				// No unvisited bucket can hold a closer point.
				return results.points(), nil
			}
			err := qb.bucket.scan(ctx, qb.bucket.RangeX(), qb.bucket.RangeY(), func(p geom.Point) {
				results.insert(p, q.DistanceTo(p))
			})
			if err != nil {
				return nil, err
			}
			// Expand the square past the farthest corner of the
			// visited bucket so the next enumeration reaches its
			// neighbors.
			corner := qb.bucket.FarthestCornerFrom(q)
			reach := q.ChebyshevDistanceTo(corner)
			if reach < math.MaxUint32 {
				reach++
			}
			if reach > offset {
				offset = reach
			}
		}
	}
}

func clampedRange(center, offset uint32) geom.Range {
	r := geom.Range{Min: 0, Max: math.MaxUint32}
	if center > offset {
		r.Min = center - offset
	}
	if math.MaxUint32-center > offset {
		r.Max = center + offset
	}
	return r
}

// nearestSet keeps the k closest candidates in ascending distance
// order.
type nearestSet struct {
	k     int
	pts   []geom.Point
	dists []float64
}

func newNearestSet(k int) *nearestSet {
	return &nearestSet{k: k}
}

func (s *nearestSet) insert(p geom.Point, dist float64) {
	i := sort.SearchFloat64s(s.dists, dist)
	s.pts = append(s.pts, geom.Point{})
	copy(s.pts[i+1:], s.pts[i:])
	s.pts[i] = p
	s.dists = append(s.dists, 0)
	copy(s.dists[i+1:], s.dists[i:])
	s.dists[i] = dist
	if len(s.pts) > s.k {
		s.pts = s.pts[:s.k]
		s.dists = s.dists[:s.k]
	}
}

// farthest is the pruning bound: the distance of the k-th best
// candidate, or +Inf while fewer than k are known.
func (s *nearestSet) farthest() float64 {
	if len(s.dists) < s.k {
		return math.Inf(1)
	}
	return s.dists[len(s.dists)-1]
}

func (s *nearestSet) points() []geom.Point {
	return s.pts
}

type queuedBucket struct {
	bucket *Bucket
	dist   float64
}

// bucketQueue is a min-heap of candidate buckets by distance from the
// query point.
type bucketQueue []queuedBucket

func (q bucketQueue) Len() int            { return len(q) }
func (q bucketQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q bucketQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *bucketQueue) Push(x interface{}) { *q = append(*q, x.(queuedBucket)) }
func (q *bucketQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
