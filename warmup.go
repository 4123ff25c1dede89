package kvcollectionsx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/couchbase/kvcollectionsx/kvstorex"
	"github.com/couchbase/kvcollectionsx/zaputils"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Warmup rebuilds every vbucket found in the store. The collections state
// comes from the persisted snapshot and the per-collection counters from the
// persisted stats documents, neither is recomputed from the data. Documents
// of dropped collections are not loaded. The bucket manifest is restored
// from the vbucket which persisted the highest manifest uid.
func (b *Bucket) Warmup(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Warmup")
	defer span.End()

	vbids, err := b.store.ListVbuckets()
	if err != nil {
		span.RecordError(err)
		return err
	}

	vbs := make([]*VBucket, len(vbids))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, vbid := range vbids {
		if !b.vbMap.IsValid(vbid) {
			return fmt.Errorf("persisted vbucket %d is out of range: %w", vbid, enginex.ErrInvalidArguments)
		}

		i, vbid := i, vbid
		eg.Go(func() error {
			vb, err := b.warmupVBucket(egCtx, vbid)
			vbs[i] = vb
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		return err
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	for _, vb := range vbs {
		if _, ok := b.vbuckets[vb.vbid]; ok {
			return fmt.Errorf("vbucket %d already exists: %w", vb.vbid, enginex.ErrKeyExists)
		}
	}
	var latest *collectionsx.PersistedManifest
	for _, vb := range vbs {
		b.vbuckets[vb.vbid] = vb

		snap := vb.persisted.Load().Snapshot()
		if latest == nil || snap.Uid > latest.Uid {
			latest = snap
		}
	}
	// the bucket manifest is the newest manifest any vbucket persisted
	if latest != nil {
		b.manager.Restore(latest)
	}
	for _, vb := range vbs {
		if vb.State() != enginex.VbucketStateActive {
			continue
		}
		if err := b.catchUpVBucket(vb); err != nil {
			b.logger.Warn("failed to bring warmed up vbucket to the bucket manifest",
				zaputils.Vbid("vbid", vb.vbid),
				zap.Error(err))
		}
	}

	span.SetAttributes(attribute.Int("vbuckets", len(vbs)))
	b.logger.Info("warmup complete", zap.Int("vbuckets", len(vbs)))
	return nil
}

func (b *Bucket) warmupVBucket(ctx context.Context, vbid uint16) (*VBucket, error) {
	logger := vbucketLogger(b.logger, vbid)

	opts := b.newVBucketOptions(vbid, enginex.VbucketStateActive)

	stateDoc, err := b.store.GetLocalDoc(vbid, kvstorex.LocalDocVBState)
	if err == nil {
		var state vbucketStateJson
		if err := json.Unmarshal(stateDoc, &state); err != nil {
			return nil, enginex.InvalidArgumentsError{Message: "invalid persisted vbucket state", Cause: err}
		}

		opts.State = parseVbucketState(state.State)
		opts.HighSeqno = state.HighSeqno
		opts.MaxCas = state.MaxCas
		if failoverUUID, err := uuid.Parse(state.FailoverUUID); err == nil {
			opts.FailoverUUID = failoverUUID
		}
	} else if !errors.Is(err, kvstorex.ErrNotFound) {
		return nil, err
	}

	manifestData, err := b.store.GetCollectionsManifest(vbid)
	if err != nil {
		return nil, err
	}
	snap, err := collectionsx.DecodePersistedManifest(manifestData)
	if err != nil {
		return nil, err
	}
	opts.Manifest = collectionsx.NewVBManifestFromSnapshot(logger, snap)
	opts.Persisted = collectionsx.NewVBManifestFromSnapshot(logger, snap)

	if err := b.loadCollectionStats(vbid, opts.Manifest, snap); err != nil {
		return nil, err
	}

	vb := newVBucket(opts)
	vb.stateDirty.Store(false)

	loaded, skipped := 0, 0
	highSeqno := opts.HighSeqno
	err = b.store.Scan(vbid, func(item *collectionsx.Item) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if item.BySeqno > highSeqno {
			highSeqno = item.BySeqno
		}
		vb.observeCas(item.Cas)
		if item.IsSystemEvent() || item.Deleted {
			return nil
		}

		if err := item.DecompressValue(); err != nil {
			return err
		}
		if !vb.warmupItem(item) {
			skipped++
			return nil
		}
		loaded++
		return nil
	})
	if err != nil {
		return nil, err
	}

	if highSeqno > opts.HighSeqno {
		vb.checkpoint = newCheckpointQueue(highSeqno)
		vb.persistedSeqno.Store(highSeqno)
	}

	logger.Info("warmed up vbucket",
		zap.Stringer("state", vb.State()),
		zap.Uint64("highSeqno", highSeqno),
		zaputils.ManifestUid("manifestUid", uint64(snap.Uid)),
		zap.Int("loaded", loaded),
		zap.Int("skipped", skipped))
	return vb, nil
}

func (b *Bucket) loadCollectionStats(vbid uint16, m *collectionsx.VBManifest, snap *collectionsx.PersistedManifest) error {
	cids := make(map[collectionsx.CollectionID]struct{})
	for _, col := range snap.Collections {
		cids[col.CollectionID] = struct{}{}
	}
	for _, dc := range snap.Dropped {
		cids[dc.CollectionID] = struct{}{}
	}

	for cid := range cids {
		data, err := b.store.GetLocalDoc(vbid, collectionsx.StatsDocName(cid))
		if errors.Is(err, kvstorex.ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}

		stats, err := collectionsx.DecodePersistedStats(data)
		if err != nil {
			return err
		}
		m.LoadPersistedStats(cid, stats)
	}
	return nil
}

// warmupItem loads a persisted document into memory, unless it belongs to a
// dropped collection.
func (vb *VBucket) warmupItem(item *collectionsx.Item) bool {
	h := vb.manifest.LockKey(item.Key)
	defer h.Unlock()

	if h.IsLogicallyDeleted(item.BySeqno) {
		return false
	}

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	sv := &storedValue{
		item:     item,
		resident: true,
	}
	vb.ht.setLocked(sv)
	h.UpdateMemUsed(sv.memSize())
	return true
}
