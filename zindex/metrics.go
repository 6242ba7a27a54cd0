package zindex

import "github.com/prometheus/client_golang/prometheus"

func init() {
	prometheus.MustRegister(metrics_pointsInserted)
	prometheus.MustRegister(metrics_bucketSplits)
	prometheus.MustRegister(metrics_queries)
	prometheus.MustRegister(metrics_bucketsScanned)
	prometheus.MustRegister(metrics_cellsScanned)
}

var metrics_pointsInserted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "zindex_points_inserted_total",
		Help: "Points inserted into the data table",
	},
)

var metrics_bucketSplits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "zindex_bucket_splits_total",
		Help: "Bucket refinements of the index partition",
	},
)

var metrics_queries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "zindex_queries_total",
		Help: "Queries by kind",
	},
	[]string{"kind"},
)

var metrics_bucketsScanned = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "zindex_buckets_scanned_total",
		Help: "Buckets scanned while answering queries",
	},
)

var metrics_cellsScanned = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "zindex_cells_scanned_total",
		Help: "Point cells decoded while answering queries",
	},
)
