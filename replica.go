package kvcollectionsx

import (
	"fmt"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
)

// ApplyReplicatedItem applies an item received from the active copy of the
// vbucket, keeping the seqno, cas and rev seqno the active assigned. System
// events change the collections state of the replica the same way they
// changed the active.
func (vb *VBucket) ApplyReplicatedItem(item *collectionsx.Item) error {
	state := vb.State()
	if state != enginex.VbucketStateReplica && state != enginex.VbucketStatePending {
		return fmt.Errorf("vbucket %d is %s: %w", vb.vbid, state, enginex.ErrNotMyVbucket)
	}

	if high := vb.checkpoint.HighSeqno(); item.BySeqno <= high {
		return fmt.Errorf("replicated seqno %d is not after %d: %w", item.BySeqno, high, enginex.ErrOutOfRange)
	}

	item = item.Clone()
	if item.IsSystemEvent() {
		if err := vb.manifest.ApplySystemEvent(item.Clone()); err != nil {
			return err
		}
		vb.observeCas(item.Cas)
		return vb.checkpoint.EnqueueWithSeqno(item)
	}

	if err := item.DecompressValue(); err != nil {
		return err
	}

	h := vb.manifest.LockKey(item.Key)
	defer h.Unlock()
	if !h.Valid() {
		return h.UnknownCollectionError()
	}

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	existing := vb.findValidLocked(h, item.Key)
	if err := vb.checkpoint.EnqueueWithSeqno(item); err != nil {
		return err
	}

	sv := &storedValue{
		item:     item.Clone(),
		resident: true,
	}
	vb.ht.setLocked(sv)
	vb.observeCas(item.Cas)
	h.SetHighSeqno(item.BySeqno)
	h.UpdateMemUsed(sv.memSize() - existing.memSize())
	return nil
}
