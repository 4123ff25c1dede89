package kvcollectionsx

import (
	"context"
	"errors"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/kvstorex"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

func (vb *VBucket) queueBGFetch(key collectionsx.DocKey) {
	vb.bgLock.Lock()
	vb.bgPending[string(key)] = struct{}{}
	vb.bgLock.Unlock()
}

// NumPendingBGFetches returns how many keys are waiting for their value to be
// read back from the store.
func (vb *VBucket) NumPendingBGFetches() int {
	vb.bgLock.Lock()
	defer vb.bgLock.Unlock()

	return len(vb.bgPending)
}

// RunBGFetcher reads the values of every pending key back into memory and
// returns how many were restored. Keys whose collection is no longer open,
// or which were written again since they were evicted, are dropped.
func (vb *VBucket) RunBGFetcher(ctx context.Context) (int, error) {
	vb.bgLock.Lock()
	pending := vb.bgPending
	vb.bgPending = make(map[string]struct{})
	vb.bgLock.Unlock()

	restored := 0
	for key := range pending {
		if err := ctx.Err(); err != nil {
			vb.requeueBGFetches(pending)
			return restored, err
		}
		delete(pending, key)

		docKey := collectionsx.DocKey(key)
		item, err := vb.store.Get(vb.vbid, docKey)
		if errors.Is(err, kvstorex.ErrNotFound) {
			continue
		} else if err != nil {
			pending[key] = struct{}{}
			vb.requeueBGFetches(pending)
			return restored, err
		}

		if err := item.DecompressValue(); err != nil {
			vb.logger.Warn("failed to inflate fetched value", zap.Error(err))
			continue
		}

		if vb.completeBGFetch(docKey, item) {
			restored++
		}
	}

	bgFetches.Add(ctx, int64(restored),
		metric.WithAttributes(attribute.String("bucket", vb.bucketName)))
	return restored, nil
}

func (vb *VBucket) requeueBGFetches(keys map[string]struct{}) {
	vb.bgLock.Lock()
	for key := range keys {
		vb.bgPending[key] = struct{}{}
	}
	vb.bgLock.Unlock()
}

func (vb *VBucket) completeBGFetch(key collectionsx.DocKey, fetched *collectionsx.Item) bool {
	h := vb.manifest.LockKey(key)
	defer h.Unlock()
	if !h.Valid() {
		return false
	}

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	sv := vb.ht.findLocked(key)
	if sv == nil || sv.resident || sv.item.BySeqno != fetched.BySeqno {
		return false
	}

	before := sv.memSize()
	sv.item.Value = fetched.Value
	sv.item.Datatype = fetched.Datatype
	sv.resident = true
	h.UpdateMemUsed(sv.memSize() - before)
	return true
}
