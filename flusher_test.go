package kvcollectionsx

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/couchbase/kvcollectionsx/kvstorex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore fails its commits while failCommits is set.
type failingStore struct {
	*kvstorex.MemStore
	failCommits atomic.Bool
}

var errTestCommit = errors.New("commit failed")

func (s *failingStore) Commit(vbid uint16, batch *kvstorex.FlushBatch) error {
	if s.failCommits.Load() {
		return errTestCommit
	}
	return s.MemStore.Commit(vbid, batch)
}

func persistedStats(t *testing.T, store kvstorex.KVStore, vbid uint16, cid collectionsx.CollectionID) collectionsx.PersistedStats {
	data, err := store.GetLocalDoc(vbid, collectionsx.StatsDocName(cid))
	require.NoError(t, err)
	stats, err := collectionsx.DecodePersistedStats(data)
	require.NoError(t, err)
	return stats
}

func TestFlushPersistsItemsAndStats(t *testing.T) {
	b, vb := newTestMeatVBucket(t)
	beef := testKey(8, "beef")
	lamb := testKey(8, "lamb")

	mustSet(t, vb, beef, "1")
	lambRes := mustSet(t, vb, lamb, "1")

	// two collection events and two mutations
	assert.Equal(t, 4, mustFlush(t, vb))
	assert.Equal(t, uint64(4), vb.PersistedSeqno())

	stored, err := b.store.Get(0, lamb)
	require.NoError(t, err)
	assert.Equal(t, lambRes.Seqno, stored.BySeqno)
	assert.Equal(t, []byte("1"), stored.Value)

	assert.Equal(t, collectionsx.PersistedStats{
		ItemCount: 2,
		HighSeqno: 4,
		DiskSize:  int64(2 * (len(beef) + 1)),
	}, persistedStats(t, b.store, 0, 8))

	rh := vb.Manifest().Lock()
	count, _ := rh.GetItemCount(8)
	persistedHigh, _ := rh.GetPersistedHighSeqno(8)
	rh.Unlock()
	assert.Equal(t, uint64(2), count)
	assert.Equal(t, uint64(4), persistedHigh)

	_, err = vb.Delete(DeleteOptions{Key: beef})
	require.NoError(t, err)
	assert.Equal(t, 1, mustFlush(t, vb))

	assert.Equal(t, collectionsx.PersistedStats{
		ItemCount: 1,
		HighSeqno: 5,
		DiskSize:  int64(len(beef) + 1 + len(beef)),
	}, persistedStats(t, b.store, 0, 8))

	count, err = itemCount(vb, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	// an idle vbucket has nothing to flush
	assert.Equal(t, 0, mustFlush(t, vb))
}

func TestFlushDeduplicatesKeys(t *testing.T) {
	b, vb := newTestMeatVBucket(t)
	key := testKey(8, "beef")

	mustSet(t, vb, key, "1")
	mustSet(t, vb, key, "2")
	last := mustSet(t, vb, key, "3")
	mustFlush(t, vb)

	stored, err := b.store.Get(0, key)
	require.NoError(t, err)
	assert.Equal(t, last.Seqno, stored.BySeqno)
	assert.Equal(t, []byte("3"), stored.Value)

	count, err := itemCount(vb, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestFlushWritesStateAndManifest(t *testing.T) {
	b, vb := newTestMeatVBucket(t)
	mustSet(t, vb, testKey(8, "beef"), "1")
	mustFlush(t, vb)

	data, err := b.store.GetLocalDoc(0, kvstorex.LocalDocVBState)
	require.NoError(t, err)

	var state vbucketStateJson
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "active", state.State)
	assert.Equal(t, vb.FailoverUUID().String(), state.FailoverUUID)
	assert.Equal(t, uint64(3), state.HighSeqno)
	assert.NotZero(t, state.MaxCas)

	data, err = b.store.GetCollectionsManifest(0)
	require.NoError(t, err)
	snap, err := collectionsx.DecodePersistedManifest(data)
	require.NoError(t, err)
	assert.Equal(t, collectionsx.ManifestUid(2), snap.Uid)
	require.Len(t, snap.Collections, 3)

	// a state change alone is flushed
	require.NoError(t, b.SetVBucketState(0, enginex.VbucketStateReplica))
	assert.Equal(t, 0, mustFlush(t, vb))

	data, err = b.store.GetLocalDoc(0, kvstorex.LocalDocVBState)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "replica", state.State)
}

func TestFlushPersistsDropInSnapshot(t *testing.T) {
	b, vb := newTestMeatVBucket(t)
	mustSet(t, vb, testKey(8, "beef"), "1")
	mustFlush(t, vb)

	setTestCollections(t, b, "3", testDefaultScope(testCollectionWithTTL("9", "fish", 100)))
	mustFlush(t, vb)

	data, err := b.store.GetCollectionsManifest(0)
	require.NoError(t, err)
	snap, err := collectionsx.DecodePersistedManifest(data)
	require.NoError(t, err)

	assert.Equal(t, collectionsx.ManifestUid(3), snap.Uid)
	require.Len(t, snap.Dropped, 1)
	assert.Equal(t, collectionsx.CollectionID(8), snap.Dropped[0].CollectionID)
	assert.Equal(t, uint64(1), snap.Dropped[0].StartSeqno)
	assert.Equal(t, uint64(4), snap.Dropped[0].EndSeqno)
}

func TestFlushPersistsUidOnlyChange(t *testing.T) {
	b, vb := newTestMeatVBucket(t)
	vb.flushBatchSize = 1
	mustSet(t, vb, testKey(8, "beef"), "1")
	mustSet(t, vb, testKey(8, "lamb"), "1")

	setTestCollections(t, b, "5",
		testDefaultScope(testCollection("8", "meat"), testCollectionWithTTL("9", "fish", 100)))
	assert.Equal(t, uint64(4), vb.HighSeqno())

	persistedUid := func() collectionsx.ManifestUid {
		data, err := b.store.GetCollectionsManifest(0)
		require.NoError(t, err)
		snap, err := collectionsx.DecodePersistedManifest(data)
		require.NoError(t, err)
		return snap.Uid
	}

	// the new uid waits for the mutations queued before it
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, mustFlush(t, vb))
	}
	assert.Equal(t, collectionsx.ManifestUid(2), persistedUid())

	assert.Equal(t, 1, mustFlush(t, vb))
	assert.Equal(t, collectionsx.ManifestUid(5), persistedUid())
	assert.Equal(t, collectionsx.ManifestUid(5), vb.persisted.Load().Snapshot().Uid)

	_, pending := vb.Manifest().PendingUid(vb.HighSeqno())
	assert.False(t, pending)
	assert.Equal(t, 0, mustFlush(t, vb))

	// with nothing queued the uid alone is flushed
	setTestCollections(t, b, "6",
		testDefaultScope(testCollection("8", "meat"), testCollectionWithTTL("9", "fish", 100)))
	assert.Equal(t, 0, mustFlush(t, vb))
	assert.Equal(t, collectionsx.ManifestUid(6), persistedUid())
}

func TestFlushBatchSize(t *testing.T) {
	b := newTestBucket(t, testBucketOptions{})

	opts := b.newVBucketOptions(0, enginex.VbucketStateActive)
	opts.FlushBatchSize = 2
	vb := newVBucket(opts)

	for _, key := range []string{"a", "b", "c"} {
		mustSet(t, vb, testKey(0, key), "1")
	}

	assert.Equal(t, 2, mustFlush(t, vb))
	assert.Equal(t, uint64(2), vb.PersistedSeqno())
	assert.Equal(t, 1, mustFlush(t, vb))
	assert.Equal(t, uint64(3), vb.PersistedSeqno())
	assert.Equal(t, 0, mustFlush(t, vb))
}

func TestFlushFailureKeepsItemsQueued(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemStore: kvstorex.NewMemStore()}
	b := newTestBucket(t, testBucketOptions{Store: store})
	vb := newTestActiveVBucket(t, b, 0)

	mustSet(t, vb, testKey(0, "key"), "1")

	store.failCommits.Store(true)
	_, err := vb.Flush(ctx)
	require.ErrorIs(t, err, errTestCommit)
	assert.Equal(t, uint64(0), vb.PersistedSeqno())

	count, err := itemCount(vb, collectionsx.CollectionIDDefault)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)

	store.failCommits.Store(false)
	assert.Equal(t, 1, mustFlush(t, vb))
	assert.Equal(t, uint64(1), vb.PersistedSeqno())

	count, err = itemCount(vb, collectionsx.CollectionIDDefault)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestBucketFlush(t *testing.T) {
	b := newTestBucket(t, testBucketOptions{})
	for vbid := uint16(0); vbid < 4; vbid++ {
		vb := newTestActiveVBucket(t, b, vbid)
		mustSet(t, vb, testKey(0, "key"), "1")
	}

	n, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	vbids, err := b.store.ListVbuckets()
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1, 2, 3}, vbids)
}
