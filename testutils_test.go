package kvcollectionsx

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/couchbase/kvcollectionsx/kvstorex"
	"github.com/couchbase/kvcollectionsx/rbacx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testIdentity = enginex.Identity{User: "alice"}

func newTestLogger(t *testing.T) *zap.Logger {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return logger
}

// testClock is a manually advanced clock, starting at a fixed time.
type testClock struct {
	lock sync.Mutex
	now  time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)
	c.lock.Unlock()
}

func (c *testClock) Unix() uint32 {
	return uint32(c.Now().Unix())
}

type testBucketOptions struct {
	Store kvstorex.KVStore
	Clock *testClock
}

type testBucket struct {
	*Bucket
	store  kvstorex.KVStore
	oracle *rbacx.Oracle
	clock  *testClock
}

func newTestBucket(t *testing.T, opts testBucketOptions) *testBucket {
	logger := newTestLogger(t)

	store := opts.Store
	if store == nil {
		store = kvstorex.NewMemStore()
	}
	clock := opts.Clock
	if clock == nil {
		clock = newTestClock()
	}

	oracle := rbacx.NewOracle(rbacx.OracleOptions{Logger: logger})
	oracle.Grant(testIdentity,
		rbacx.BucketGrant(enginex.PrivilegeDcpStream),
		rbacx.BucketGrant(enginex.PrivilegeRead))

	bucket, err := NewBucket(BucketOptions{
		Logger:          logger,
		BucketName:      "default",
		NumVbuckets:     4,
		Store:           store,
		PrivilegeOracle: oracle,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	return &testBucket{
		Bucket: bucket,
		store:  store,
		oracle: oracle,
		clock:  clock,
	}
}

func newTestActiveVBucket(t *testing.T, b *testBucket, vbid uint16) *VBucket {
	vb, err := b.CreateVBucket(vbid, enginex.VbucketStateActive)
	require.NoError(t, err)
	return vb
}

func testCollection(uid, name string) collectionsx.CollectionManifestCollectionJson {
	return collectionsx.CollectionManifestCollectionJson{UID: uid, Name: name}
}

func testCollectionWithTTL(uid, name string, maxTTL int64) collectionsx.CollectionManifestCollectionJson {
	return collectionsx.CollectionManifestCollectionJson{UID: uid, Name: name, MaxTTL: &maxTTL}
}

func testDefaultScope(cols ...collectionsx.CollectionManifestCollectionJson) collectionsx.CollectionManifestScopeJson {
	return collectionsx.CollectionManifestScopeJson{
		UID:  "0",
		Name: collectionsx.DefaultScopeName,
		Collections: append([]collectionsx.CollectionManifestCollectionJson{
			testCollection("0", collectionsx.DefaultCollectionName),
		}, cols...),
	}
}

func testScope(uid, name string, cols ...collectionsx.CollectionManifestCollectionJson) collectionsx.CollectionManifestScopeJson {
	if cols == nil {
		cols = []collectionsx.CollectionManifestCollectionJson{}
	}
	return collectionsx.CollectionManifestScopeJson{UID: uid, Name: name, Collections: cols}
}

func testManifestJSON(t *testing.T, uid string, scopes ...collectionsx.CollectionManifestScopeJson) []byte {
	data, err := json.Marshal(collectionsx.CollectionManifestJson{
		UID:    uid,
		Scopes: scopes,
	})
	require.NoError(t, err)
	return data
}

func setTestCollections(t *testing.T, b *testBucket, uid string, scopes ...collectionsx.CollectionManifestScopeJson) {
	require.NoError(t, b.SetCollections(context.Background(), testManifestJSON(t, uid, scopes...)))
}

// forceTestCollections applies a forced manifest, which may bring back ids
// that are dropped but not yet erased.
func forceTestCollections(t *testing.T, b *testBucket, uid string, scopes ...collectionsx.CollectionManifestScopeJson) {
	data, err := json.Marshal(collectionsx.CollectionManifestJson{
		UID:    uid,
		Force:  true,
		Scopes: scopes,
	})
	require.NoError(t, err)
	require.NoError(t, b.SetCollections(context.Background(), data))
}

func testKey(cid collectionsx.CollectionID, key string) collectionsx.DocKey {
	return collectionsx.MakeDocKey(cid, []byte(key))
}

func mustSet(t *testing.T, vb *VBucket, key collectionsx.DocKey, value string) *MutationResult {
	res, err := vb.Set(StoreOptions{Key: key, Value: []byte(value)})
	require.NoError(t, err)
	return res
}

func mustFlush(t *testing.T, vb *VBucket) int {
	n, err := vb.Flush(context.Background())
	require.NoError(t, err)
	return n
}

func itemCount(vb *VBucket, cid collectionsx.CollectionID) (uint64, error) {
	rh := vb.Manifest().Lock()
	defer rh.Unlock()
	return rh.GetItemCount(cid)
}

func manifestUid(vb *VBucket) collectionsx.ManifestUid {
	rh := vb.Manifest().Lock()
	defer rh.Unlock()
	return rh.GetManifestUid()
}
