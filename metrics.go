package kvcollectionsx

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("github.com/couchbase/kvcollectionsx",
		metric.WithInstrumentationVersion(buildVersion))
	tracer = otel.Tracer("github.com/couchbase/kvcollectionsx")
)

var (
	// manifestUpdates tracks the collection manifests accepted by a bucket.
	manifestUpdates, _ = meter.Int64Counter("kvcollections.manifest.updates")

	// manifestRejections tracks the collection manifests which failed validation
	// or could not be applied to a vbucket.
	manifestRejections, _ = meter.Int64Counter("kvcollections.manifest.rejections")

	dcpItemsSent, _     = meter.Int64Counter("kvcollections.dcp.items_sent")
	dcpItemsFiltered, _ = meter.Int64Counter("kvcollections.dcp.items_filtered")
	dcpStreamEnds, _    = meter.Int64Counter("kvcollections.dcp.stream_ends")

	// eraserItemsErased tracks the items physically removed for dropped
	// collections, eraserCollectionsErased the collections retired after that.
	eraserItemsErased, _       = meter.Int64Counter("kvcollections.eraser.items_erased")
	eraserCollectionsErased, _ = meter.Int64Counter("kvcollections.eraser.collections_erased")

	flusherItems, _    = meter.Int64Counter("kvcollections.flusher.items")
	flusherDuration, _ = meter.Float64Histogram("kvcollections.flusher.duration",
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5))

	expiryPagerExpired, _ = meter.Int64Counter("kvcollections.expiry_pager.expired")
	bgFetches, _          = meter.Int64Counter("kvcollections.bgfetcher.fetches")
)
