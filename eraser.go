package kvcollectionsx

import (
	"context"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/kvstorex"
	"github.com/couchbase/kvcollectionsx/zaputils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type EraserOptions struct {
	Logger *zap.Logger
	Bucket *Bucket
}

// Eraser physically removes the items of dropped collections and then
// retires the collections from the collections state. A collection is only
// erased once every cursor of its vbucket, persistence included, has moved
// past its drop.
type Eraser struct {
	logger *zap.Logger
	bucket *Bucket
}

func NewEraser(opts EraserOptions) *Eraser {
	return &Eraser{
		logger: loggerOrNop(opts.Logger).Named("eraser"),
		bucket: opts.Bucket,
	}
}

// EraseResult summarises one erase pass.
type EraseResult struct {
	Collections int
	Scopes      int
	Items       int
}

func (r *EraseResult) add(o EraseResult) {
	r.Collections += o.Collections
	r.Scopes += o.Scopes
	r.Items += o.Items
}

// Run makes one pass over every vbucket of the bucket. Running it again
// once everything erasable is erased does nothing.
func (e *Eraser) Run(ctx context.Context) (*EraseResult, error) {
	ctx, span := tracer.Start(ctx, "Eraser.Run",
		trace.WithAttributes(attribute.String("bucket", e.bucket.name)))
	defer span.End()

	total := &EraseResult{}
	for _, vb := range e.bucket.VBuckets() {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		res, err := vb.eraseDropped(e.logger)
		total.add(res)
		if err != nil {
			span.RecordError(err)
			return total, err
		}
	}

	span.SetAttributes(
		attribute.Int("collections_erased", total.Collections),
		attribute.Int("scopes_erased", total.Scopes),
		attribute.Int("items_erased", total.Items))

	attrs := metric.WithAttributes(attribute.String("bucket", e.bucket.name))
	eraserCollectionsErased.Add(ctx, int64(total.Collections), attrs)
	eraserItemsErased.Add(ctx, int64(total.Items), attrs)
	return total, nil
}

func (vb *VBucket) eraseDropped(logger *zap.Logger) (EraseResult, error) {
	vb.flushLock.Lock()
	defer vb.flushLock.Unlock()

	var res EraseResult
	logger = vbucketLogger(logger, vb.vbid)

	minSeqno := vb.checkpoint.MinCursorSeqno()
	var erasable []collectionsx.DroppedCollection
	for _, dc := range vb.manifest.GetDroppedCollections() {
		if dc.EndSeqno <= minSeqno {
			erasable = append(erasable, dc)
		}
	}

	droppedScopes := vb.manifest.GetDroppedScopes()
	if len(erasable) == 0 && len(droppedScopes) == 0 {
		return res, nil
	}

	for _, dc := range erasable {
		n, err := vb.store.EraseWhere(vb.vbid, func(item *collectionsx.Item) bool {
			return item.CollectionID() == dc.CollectionID &&
				item.BySeqno >= dc.StartSeqno && item.BySeqno < dc.EndSeqno
		})
		if err != nil {
			return res, err
		}
		res.Items += n

		removed := vb.ht.RemoveWhere(func(sv *storedValue) bool {
			return sv.item.CollectionID() == dc.CollectionID &&
				sv.item.BySeqno >= dc.StartSeqno && sv.item.BySeqno < dc.EndSeqno
		})

		logger.Debug("erased items of dropped collection",
			zaputils.CollectionID("cid", uint32(dc.CollectionID)),
			zap.Uint64("startSeqno", dc.StartSeqno),
			zap.Uint64("endSeqno", dc.EndSeqno),
			zap.Int("onDisk", n),
			zap.Int("inMemory", removed))
	}

	nextPersisted := collectionsx.NewVBManifestFromSnapshot(vb.logger, vb.persisted.Load().Snapshot())
	for _, dc := range erasable {
		nextPersisted.CollectionErased(dc.CollectionID, dc.EndSeqno)
	}
	var erasableScopes []collectionsx.ScopeID
	for _, ds := range droppedScopes {
		if ds.EndSeqno > minSeqno {
			continue
		}
		if ok, err := nextPersisted.ScopeErased(ds.ScopeID); err == nil && ok {
			erasableScopes = append(erasableScopes, ds.ScopeID)
		}
	}
	if len(erasable) == 0 && len(erasableScopes) == 0 {
		return res, nil
	}

	batch := &kvstorex.FlushBatch{}
	for _, dc := range erasable {
		if !vb.hasNewerGeneration(dc) {
			batch.DeleteLocalDoc(collectionsx.StatsDocName(dc.CollectionID))
		}
	}
	batch.SetLocalDoc(kvstorex.LocalDocManifest,
		collectionsx.EncodePersistedManifest(nextPersisted.Snapshot()))
	if err := vb.store.Commit(vb.vbid, batch); err != nil {
		return res, err
	}
	vb.persisted.Store(nextPersisted)

	for _, dc := range erasable {
		if vb.manifest.CollectionErased(dc.CollectionID, dc.EndSeqno) {
			res.Collections++
		}
	}
	for _, sid := range erasableScopes {
		ok, err := vb.manifest.ScopeErased(sid)
		if err != nil {
			logger.Warn("failed to erase scope",
				zaputils.ScopeID("sid", uint32(sid)),
				zap.Error(err))
			continue
		}
		if ok {
			res.Scopes++
		}
	}

	logger.Info("erased dropped collections",
		zap.Int("collections", res.Collections),
		zap.Int("scopes", res.Scopes),
		zap.Int("items", res.Items))
	return res, nil
}

// hasNewerGeneration reports whether the stats document of the collection
// belongs to a later generation than dc, which must then be kept.
func (vb *VBucket) hasNewerGeneration(dc collectionsx.DroppedCollection) bool {
	rh := vb.manifest.Lock()
	open := rh.IsCollectionOpen(dc.CollectionID)
	rh.Unlock()
	if open {
		return true
	}

	for _, other := range vb.manifest.GetDroppedCollections() {
		if other.CollectionID == dc.CollectionID && other.EndSeqno > dc.EndSeqno {
			return true
		}
	}
	return false
}
