package kvcollectionsx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/couchbase/kvcollectionsx/kvstorex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type warmupTestStore struct {
	open   func(t *testing.T) kvstorex.KVStore
	reopen func(t *testing.T, b *testBucket) kvstorex.KVStore
}

func warmupTestStores() map[string]warmupTestStore {
	return map[string]warmupTestStore{
		"Mem": {
			open: func(t *testing.T) kvstorex.KVStore {
				return kvstorex.NewMemStore()
			},
			reopen: func(t *testing.T, b *testBucket) kvstorex.KVStore {
				return b.store
			},
		},
		"Bolt": {
			open: func(t *testing.T) kvstorex.KVStore {
				store, err := kvstorex.OpenBoltStore(kvstorex.BoltStoreOptions{
					Logger: newTestLogger(t),
					Path:   filepath.Join(t.TempDir(), "kv.db"),
				})
				require.NoError(t, err)
				return store
			},
			reopen: func(t *testing.T, b *testBucket) kvstorex.KVStore {
				path := b.store.(*kvstorex.BoltStore).Path()
				require.NoError(t, b.Close())

				store, err := kvstorex.OpenBoltStore(kvstorex.BoltStoreOptions{
					Logger: newTestLogger(t),
					Path:   path,
				})
				require.NoError(t, err)
				t.Cleanup(func() {
					_ = store.Close()
				})
				return store
			},
		},
	}
}

func TestWarmupRestoresVBucket(t *testing.T) {
	for name, stores := range warmupTestStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			before := newTestBucket(t, testBucketOptions{Store: stores.open(t)})
			vb := newTestActiveVBucket(t, before, 0)

			setTestCollections(t, before, "3",
				testDefaultScope(testCollection("8", "meat"), testCollectionWithTTL("9", "fish", 100)),
				testScope("8", "shop", testCollection("a", "dairy")))

			beef := mustSet(t, vb, testKey(8, "beef"), "1")
			mustSet(t, vb, testKey(8, "lamb"), "2")
			mustSet(t, vb, testKey(0xa, "milk"), "3")
			mustSet(t, vb, testKey(0, "plain"), "4")
			mustFlush(t, vb)

			_, err := vb.Delete(DeleteOptions{Key: testKey(8, "lamb")})
			require.NoError(t, err)
			setTestCollections(t, before, "4",
				testDefaultScope(testCollection("8", "meat"), testCollectionWithTTL("9", "fish", 100)),
				testScope("8", "shop"))
			mustFlush(t, vb)

			highSeqno := vb.HighSeqno()
			failoverUUID := vb.FailoverUUID()

			after := newTestBucket(t, testBucketOptions{
				Store: stores.reopen(t, before),
				Clock: before.clock,
			})
			require.NoError(t, after.Warmup(ctx))

			warm, err := after.GetVBucket(0)
			require.NoError(t, err)
			assert.Equal(t, enginex.VbucketStateActive, warm.State())
			assert.Equal(t, failoverUUID, warm.FailoverUUID())
			assert.Equal(t, highSeqno, warm.HighSeqno())
			assert.Equal(t, highSeqno, warm.PersistedSeqno())
			assert.Equal(t, collectionsx.ManifestUid(4), manifestUid(warm))

			rh := warm.Manifest().Lock()
			assert.True(t, rh.IsCollectionOpen(8))
			assert.True(t, rh.IsCollectionOpen(9))
			assert.False(t, rh.IsCollectionOpen(0xa))
			assert.True(t, rh.IsScopeOpen(8))
			maxTTL, ok := rh.GetMaxTTL(9)
			rh.Unlock()
			require.True(t, ok)
			require.NotNil(t, maxTTL)
			assert.Equal(t, uint32(100), *maxTTL)

			count, err := itemCount(warm, 8)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), count)

			dropped := warm.Manifest().GetDroppedCollections()
			require.Len(t, dropped, 1)
			assert.Equal(t, collectionsx.CollectionID(0xa), dropped[0].CollectionID)
			assert.Equal(t, uint64(1), dropped[0].ItemCount)

			got, err := warm.Get(testKey(8, "beef"))
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), got.Value)
			assert.Equal(t, beef.Cas, got.Cas)

			_, err = warm.Get(testKey(8, "lamb"))
			require.ErrorIs(t, err, enginex.ErrKeyNotFound)
			_, err = warm.Get(testKey(0xa, "milk"))
			require.ErrorIs(t, err, enginex.ErrUnknownCollection)

			// only live documents of open collections are loaded
			assert.Equal(t, 2, warm.ht.Len())

			res := mustSet(t, warm, testKey(8, "veal"), "5")
			assert.Equal(t, highSeqno+1, res.Seqno)
			assert.Greater(t, res.Cas, beef.Cas)

			erased, err := NewEraser(EraserOptions{Bucket: after.Bucket}).Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, erased.Collections)
			assert.Equal(t, 1, erased.Items)
		})
	}
}

func TestWarmupRestoresReplicaState(t *testing.T) {
	ctx := context.Background()
	store := kvstorex.NewMemStore()

	before := newTestBucket(t, testBucketOptions{Store: store})
	_, err := before.CreateVBucket(2, enginex.VbucketStateReplica)
	require.NoError(t, err)
	_, err = before.Flush(ctx)
	require.NoError(t, err)

	after := newTestBucket(t, testBucketOptions{Store: store})
	require.NoError(t, after.Warmup(ctx))

	vb, err := after.GetVBucket(2)
	require.NoError(t, err)
	assert.Equal(t, enginex.VbucketStateReplica, vb.State())
	assert.Equal(t, uint64(0), vb.HighSeqno())
}

func TestWarmupRejectsExistingVBucket(t *testing.T) {
	ctx := context.Background()
	store := kvstorex.NewMemStore()

	before := newTestBucket(t, testBucketOptions{Store: store})
	vb := newTestActiveVBucket(t, before, 1)
	mustSet(t, vb, testKey(0, "key"), "1")
	mustFlush(t, vb)

	after := newTestBucket(t, testBucketOptions{Store: store})
	newTestActiveVBucket(t, after, 1)
	require.ErrorIs(t, after.Warmup(ctx), enginex.ErrKeyExists)
}

func TestWarmupEmptyStore(t *testing.T) {
	b := newTestBucket(t, testBucketOptions{})
	require.NoError(t, b.Warmup(context.Background()))
	assert.Empty(t, b.VBuckets())
}

func TestWarmupRestoresBucketManifest(t *testing.T) {
	for name, stores := range warmupTestStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			before := newTestBucket(t, testBucketOptions{Store: stores.open(t)})
			vb := newTestActiveVBucket(t, before, 0)
			newTestActiveVBucket(t, before, 1)

			setTestCollections(t, before, "2", testDefaultScope(testCollection("8", "meat")))
			_, err := before.Flush(ctx)
			require.NoError(t, err)

			// only the uid changes, which queues nothing but must be persisted
			highSeqno := vb.HighSeqno()
			setTestCollections(t, before, "5", testDefaultScope(testCollection("8", "meat")))
			assert.Equal(t, highSeqno, vb.HighSeqno())
			assert.Equal(t, collectionsx.ManifestUid(5), manifestUid(vb))
			_, err = before.Flush(ctx)
			require.NoError(t, err)

			data, err := before.store.GetCollectionsManifest(0)
			require.NoError(t, err)
			snap, err := collectionsx.DecodePersistedManifest(data)
			require.NoError(t, err)
			assert.Equal(t, collectionsx.ManifestUid(5), snap.Uid)

			after := newTestBucket(t, testBucketOptions{
				Store: stores.reopen(t, before),
				Clock: before.clock,
			})
			require.NoError(t, after.Warmup(ctx))

			for _, warm := range after.VBuckets() {
				assert.Equal(t, collectionsx.ManifestUid(5), manifestUid(warm))
			}

			uid, cid, err := after.GetCollectionID("_default.meat")
			require.NoError(t, err)
			assert.Equal(t, collectionsx.ManifestUid(5), uid)
			assert.Equal(t, collectionsx.CollectionID(8), cid)

			err = after.SetCollections(ctx, testManifestJSON(t, "3", testDefaultScope()))
			require.ErrorIs(t, err, enginex.ErrOutOfRange)
			err = after.SetCollections(ctx, testManifestJSON(t, "5", testDefaultScope()))
			require.ErrorIs(t, err, enginex.ErrOutOfRange)

			warm, err := after.GetVBucket(0)
			require.NoError(t, err)
			s, err := warm.NewActiveStream(ActiveStreamOptions{
				FilterSpec: []byte(`{"uid":"5"}`),
				Identity:   testIdentity,
			})
			require.NoError(t, err)
			s.Close()

			// the restored manifest is a valid predecessor of the next one
			setTestCollections(t, after, "6", testDefaultScope())
			assert.Equal(t, collectionsx.ManifestUid(6), manifestUid(warm))
			rh := warm.Manifest().Lock()
			assert.False(t, rh.IsCollectionOpen(8))
			rh.Unlock()
		})
	}
}

func TestWarmupCatchesUpLaggingVBucket(t *testing.T) {
	ctx := context.Background()
	store := kvstorex.NewMemStore()

	before := newTestBucket(t, testBucketOptions{Store: store})
	vb0 := newTestActiveVBucket(t, before, 0)
	vb1 := newTestActiveVBucket(t, before, 1)
	mustFlush(t, vb1)

	setTestCollections(t, before, "2", testDefaultScope(testCollection("8", "meat")))
	mustFlush(t, vb0)

	after := newTestBucket(t, testBucketOptions{Store: store})
	require.NoError(t, after.Warmup(ctx))

	lagging, err := after.GetVBucket(1)
	require.NoError(t, err)
	assert.Equal(t, collectionsx.ManifestUid(2), manifestUid(lagging))
	mustSet(t, lagging, testKey(8, "beef"), "1")
}
