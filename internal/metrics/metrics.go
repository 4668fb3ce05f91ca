// Package metrics declares the prometheus collectors every other package
// reports into. Collectors live behind package-level vars rather than a
// Collector struct threaded through every call site, matching how a single
// process exposes exactly one /metrics endpoint regardless of how many
// handlers, trees, or readers are running inside it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlobsWritten counts successful writes by blob kind: "points", "tree",
	// "tree_registry", "attr_config", "root".
	BlobsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointstore",
		Name:      "blobs_written_total",
		Help:      "Blobs written to the store file, by kind.",
	}, []string{"kind"})

	// BlobsFreed counts blob ranges returned to the allocator's free list,
	// typically superseded tree-registry or tree blobs after a Commit.
	BlobsFreed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointstore",
		Name:      "blobs_freed_total",
		Help:      "Blobs unregistered from the allocator, by kind.",
	}, []string{"kind"})

	// BytesAllocated tracks the allocator's file size (its next_offset)
	// over time, free holes inside the file included; it is set, not
	// incremented, since freeing the trailing range shrinks it.
	BytesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pointstore",
		Name:      "bytes_allocated",
		Help:      "Store file size as tracked by the blob allocator, free holes included.",
	})

	// PointsIngested counts points accepted by the reader pipeline. It
	// has no labels: the count is a total across all inputs.
	PointsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pointstore",
		Name:      "points_ingested_total",
		Help:      "Points accepted by the reader pipeline.",
	})

	// InputsCompleted and InputsFailed cover the input registry's terminal
	// states.
	InputsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pointstore",
		Name:      "inputs_completed_total",
		Help:      "Inputs that finished reading and inserting successfully.",
	})
	InputsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pointstore",
		Name:      "inputs_failed_total",
		Help:      "Inputs that failed during read or insert.",
	})

	// LODNodesGenerated counts synthetic nodes the LOD generator grafts
	// into the tree.
	LODNodesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pointstore",
		Name:      "lod_nodes_generated_total",
		Help:      "Synthetic LOD nodes generated and inserted into the tree.",
	})

	// StorageWriteLatency and StorageReadLatency measure Handler blob I/O,
	// labeled by operation so point writes and tree commits are visible
	// separately.
	StorageWriteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pointstore",
		Name:      "storage_write_seconds",
		Help:      "Latency of store-file blob writes.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	StorageReadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pointstore",
		Name:      "storage_read_seconds",
		Help:      "Latency of store-file blob reads.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// TreeInsertLatency is a histogram for internal/octree's insert path.
	// Nothing in the repository observes it, so it stays empty.
	TreeInsertLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pointstore",
		Name:      "tree_insert_seconds",
		Help:      "Latency of a single tree insert operation.",
		Buckets:   prometheus.DefBuckets,
	})
)
