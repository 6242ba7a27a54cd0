package zindex

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/quadkv/quadkv/geom"
	"github.com/quadkv/quadkv/store"
	"github.com/quadkv/quadkv/zcode"
)

// Engine composes the index and its buckets into the query surface:
// point insertion, equality lookup, rectangular range query and
// k-nearest-neighbor search.
type Engine struct {
	kv     store.Kv
	idx    *Index
	name   string
	tracer trace.Tracer
}

type config struct {
	splitThreshold uint64
	scanCaching    int
	entryCacheTTL  time.Duration
}

// Option configures an Engine.
type Option func(*config)

// WithSplitThreshold sets the bucket size beyond which buckets split.
func WithSplitThreshold(threshold uint64) Option {
	return func(c *config) {
		c.splitThreshold = threshold
	}
}

// WithScanCaching sets the page-size hint passed to store scans.
func WithScanCaching(caching int) Option {
	return func(c *config) {
		c.scanCaching = caching
	}
}

// WithEntryCacheTTL sets the lifetime of cached bucket resolutions;
// zero disables the cache.
func WithEntryCacheTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.entryCacheTTL = ttl
	}
}

// Open binds an engine to the named data table, creating the data and
// index tables on first use. A fresh index table is initialized with
// the four top-level quadrant buckets.
func Open(ctx context.Context, kv store.Kv, name string, options ...Option) (*Engine, error) {
	c := config{
		splitThreshold: DefaultSplitThreshold,
		scanCaching:    128,
		entryCacheTTL:  time.Second,
	}
	for _, opt := range options {
		opt(&c)
	}

	if ok, err := kv.TableExists(ctx, name); err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	} else if !ok {
		if err := kv.CreateTable(ctx, name, FamilyPoints); err != nil {
			return nil, fmt.Errorf("open %q: %w", name, err)
		}
	}
	indexTable := name + IndexTableSuffix
	if ok, err := kv.TableExists(ctx, indexTable); err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	} else if !ok {
		if err := kv.CreateTable(ctx, indexTable, FamilyInfo); err != nil {
			return nil, fmt.Errorf("open %q: %w", name, err)
		}
		if err := kv.PutBatch(ctx, indexTable, rootEntries()); err != nil {
			return nil, fmt.Errorf("initialize index of %q: %w", name, err)
		}
		log.Infof("initialized index table %q with %d root buckets", indexTable, 4)
	}

	return &Engine{
		kv:     kv,
		idx:    newIndex(kv, name, c.splitThreshold, c.scanCaching, c.entryCacheTTL),
		name:   name,
		tracer: otel.Tracer("quadkv/zindex"),
	}, nil
}

// Index exposes the partition for diagnostics.
func (e *Engine) Index() *Index {
	return e.idx
}

// Insert stores the point and notifies the index. A crash between the
// two leaves the size counter low by one; a later split counts the
// left child's cells from the data table, while the right child
// inherits the remainder of the low counter.
func (e *Engine) Insert(ctx context.Context, p geom.Point) error {
	ctx, span := e.tracer.Start(ctx, "zindex.Insert",
		trace.WithAttributes(attribute.Int64("point.id", p.ID)))
	defer span.End()

	row := zcode.Interleave(p.X, p.Y)
	bucket, err := e.idx.FetchBucket(ctx, row)
	if err != nil {
		return err
	}
	if err := bucket.Insert(ctx, row, p); err != nil {
		return err
	}
	metrics_pointsInserted.Inc()
	return e.idx.NotifyInsertion(ctx, row)
}

// GetAt returns every point stored exactly at (x, y).
func (e *Engine) GetAt(ctx context.Context, x, y uint32) ([]geom.Point, error) {
	ctx, span := e.tracer.Start(ctx, "zindex.GetAt")
	defer span.End()
	metrics_queries.WithLabelValues("get").Inc()

	row := zcode.Interleave(x, y)
	bucket, err := e.idx.FetchBucket(ctx, row)
	if err != nil {
		return nil, err
	}
	return bucket.Get(ctx, row)
}

// RangeQuery returns every point whose coordinates lie in rx × ry.
// Result order is unspecified; duplicates are impossible because each
// cell lives in exactly one bucket.
func (e *Engine) RangeQuery(ctx context.Context, rx, ry geom.Range) ([]geom.Point, error) {
	ctx, span := e.tracer.Start(ctx, "zindex.RangeQuery")
	defer span.End()
	metrics_queries.WithLabelValues("range").Inc()

	it, err := e.idx.FindBucketsInRange(ctx, rx, ry)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var points []geom.Point
	for {
		bucket, err := it.Next()
		if err == io.EOF {
			return points, nil
		}
		if err != nil {
			return nil, err
		}
		got, err := bucket.Scan(ctx, rx, ry)
		if err != nil {
			return nil, err
		}
		points = append(points, got...)
	}
}

// RangeCount counts the points in rx × ry without materializing them.
// Bucket scans run concurrently; counting is a read-only path.
func (e *Engine) RangeCount(ctx context.Context, rx, ry geom.Range) (uint64, error) {
	ctx, span := e.tracer.Start(ctx, "zindex.RangeCount")
	defer span.End()
	metrics_queries.WithLabelValues("count").Inc()

	it, err := e.idx.FindBucketsInRange(ctx, rx, ry)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var buckets []*Bucket
	for {
		bucket, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		buckets = append(buckets, bucket)
	}

	var total atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)
	for _, bucket := range buckets {
		bucket := bucket
		g.Go(func() error {
			var n uint64
			err := bucket.scan(gctx, rx, ry, func(geom.Point) {
				n++
			})
			if err != nil {
				return err
			}
			total.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total.Load(), nil
}
