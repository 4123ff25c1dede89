package kvcollectionsx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/couchbase/kvcollectionsx/kvstorex"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// vbucketStateJson is the persisted state of a vbucket, written with every
// flush.
type vbucketStateJson struct {
	State        string `json:"state"`
	FailoverUUID string `json:"failover_uuid"`
	HighSeqno    uint64 `json:"high_seqno,string"`
	MaxCas       uint64 `json:"max_cas,string"`
}

func parseVbucketState(state string) enginex.VbucketState {
	for _, s := range []enginex.VbucketState{
		enginex.VbucketStateActive,
		enginex.VbucketStateReplica,
		enginex.VbucketStatePending,
		enginex.VbucketStateDead,
	} {
		if s.String() == state {
			return s
		}
	}
	return enginex.VbucketStateDead
}

func diskSize(item *collectionsx.Item) int64 {
	return int64(len(item.Key) + len(item.Value))
}

// Flush persists the next batch of queued items along with the collections
// state and stats they change, and returns how many items were persisted.
// The snapshot of the collections state, the per-collection stats documents
// and the items are committed as one batch.
func (vb *VBucket) Flush(ctx context.Context) (int, error) {
	vb.flushLock.Lock()
	defer vb.flushLock.Unlock()

	items := vb.checkpoint.Peek(persistenceCursorName, vb.flushBatchSize)
	stateDirty := vb.stateDirty.Swap(false)
	if len(items) == 0 && !stateDirty {
		if _, ok := vb.manifest.PendingUid(vb.persistedSeqno.Load()); !ok {
			return 0, nil
		}
	}

	stime := time.Now()
	n, err := vb.flushItems(items)
	if err != nil {
		vb.stateDirty.Store(true)
		vb.logger.Warn("flush failed", zap.Int("items", len(items)), zap.Error(err))
		return 0, err
	}

	flusherItems.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("bucket", vb.bucketName)))
	flusherDuration.Record(ctx, time.Since(stime).Seconds(),
		metric.WithAttributes(attribute.String("bucket", vb.bucketName)))
	return n, nil
}

func (vb *VBucket) flushItems(items []*collectionsx.Item) (int, error) {
	batch := &kvstorex.FlushBatch{}
	acct := vb.manifest.NewFlushAccounting()

	// the collections state as of the end of this batch, only built when the
	// batch carries system events
	var nextPersisted *collectionsx.VBManifest

	latest := make(map[string]*collectionsx.Item, len(items))
	for _, item := range items {
		if item.IsSystemEvent() {
			if nextPersisted == nil {
				nextPersisted = collectionsx.NewVBManifestFromSnapshot(vb.logger,
					vb.persisted.Load().Snapshot())
			}
			if err := nextPersisted.ApplySystemEvent(item.Clone()); err != nil {
				return 0, err
			}
		}
		latest[string(item.Key)] = item
	}

	deduped := make([]*collectionsx.Item, 0, len(latest))
	for _, item := range latest {
		deduped = append(deduped, item)
	}
	slices.SortFunc(deduped, func(a, b *collectionsx.Item) int {
		switch {
		case a.BySeqno < b.BySeqno:
			return -1
		case a.BySeqno > b.BySeqno:
			return 1
		}
		return 0
	})

	for _, item := range deduped {
		toWrite := item.Clone()
		if item.IsSystemEvent() {
			batch.Items = append(batch.Items, toWrite)
			continue
		}

		cid := item.CollectionID()
		prior, err := vb.store.Get(vb.vbid, item.Key)
		if err == nil {
			acct.RemoveItem(cid, prior.BySeqno, !prior.Deleted, diskSize(prior))
		} else if !errors.Is(err, kvstorex.ErrNotFound) {
			return 0, err
		}

		if !toWrite.Deleted {
			toWrite.CompressValue()
		}
		acct.AddItem(cid, toWrite.BySeqno, !toWrite.Deleted, diskSize(toWrite))
		batch.Items = append(batch.Items, toWrite)
	}

	highSeqno := vb.persistedSeqno.Load()
	if len(items) > 0 {
		highSeqno = items[len(items)-1].BySeqno
	}

	// a uid change without system events is persisted once the items queued
	// before it are
	pendingUid, hasPendingUid := vb.manifest.PendingUid(highSeqno)
	if hasPendingUid {
		if nextPersisted == nil {
			nextPersisted = collectionsx.NewVBManifestFromSnapshot(vb.logger,
				vb.persisted.Load().Snapshot())
		}
		nextPersisted.RaiseUid(pendingUid)
	}

	for cid, stats := range acct.StatDocs() {
		batch.SetLocalDoc(collectionsx.StatsDocName(cid), stats.Encode())
	}
	if nextPersisted != nil {
		batch.SetLocalDoc(kvstorex.LocalDocManifest,
			collectionsx.EncodePersistedManifest(nextPersisted.Snapshot()))
	}

	stateDoc, err := json.Marshal(vbucketStateJson{
		State:        vb.State().String(),
		FailoverUUID: vb.failoverUUID.String(),
		HighSeqno:    highSeqno,
		MaxCas:       vb.maxCas.Load(),
	})
	if err != nil {
		return 0, err
	}
	batch.SetLocalDoc(kvstorex.LocalDocVBState, stateDoc)

	if err := vb.store.Commit(vb.vbid, batch); err != nil {
		return 0, err
	}

	if nextPersisted != nil {
		vb.persisted.Store(nextPersisted)
	}
	if hasPendingUid {
		vb.manifest.ClearPendingUid(pendingUid)
	}
	acct.Commit()
	vb.persistedSeqno.Store(highSeqno)
	vb.checkpoint.Advance(persistenceCursorName, highSeqno)

	vb.logger.Debug("flushed batch",
		zap.Int("items", len(items)),
		zap.Int("written", len(batch.Items)),
		zap.Uint64("highSeqno", highSeqno))
	return len(items), nil
}
