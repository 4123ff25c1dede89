package collectionsx

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLogger(t *testing.T) *zap.Logger {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return logger
}

type testQueue struct {
	lock  sync.Mutex
	seqno uint64
	items []*Item
}

func (q *testQueue) QueueSystemEvent(item *Item) uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.seqno++
	item.BySeqno = q.seqno
	q.items = append(q.items, item)
	return q.seqno
}

func (q *testQueue) HighSeqno() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.seqno
}

// mutate stands in for a regular mutation taking the next seqno.
func (q *testQueue) mutate() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.seqno++
	return q.seqno
}

func testCollection(uid, name string) CollectionManifestCollectionJson {
	return CollectionManifestCollectionJson{UID: uid, Name: name}
}

func testDefaultScope(cols ...CollectionManifestCollectionJson) CollectionManifestScopeJson {
	return CollectionManifestScopeJson{
		UID:         "0",
		Name:        DefaultScopeName,
		Collections: append([]CollectionManifestCollectionJson{testCollection("0", DefaultCollectionName)}, cols...),
	}
}

func testScope(uid, name string, cols ...CollectionManifestCollectionJson) CollectionManifestScopeJson {
	if cols == nil {
		cols = []CollectionManifestCollectionJson{}
	}
	return CollectionManifestScopeJson{UID: uid, Name: name, Collections: cols}
}

func buildManifest(t *testing.T, uid string, force bool, scopes ...CollectionManifestScopeJson) *Manifest {
	data, err := json.Marshal(CollectionManifestJson{
		UID:    uid,
		Force:  force,
		Scopes: scopes,
	})
	require.NoError(t, err)

	m, err := ParseManifest(data)
	require.NoError(t, err)
	return m
}

// PrivilegeOracleMock is a mock implementation of PrivilegeOracle.
type PrivilegeOracleMock struct {
	GetPrivilegeRevisionFunc func() uint64
	TestPrivilegeFunc        func(identity enginex.Identity, priv enginex.Privilege, sid *ScopeID, cid *CollectionID) error

	lock  sync.Mutex
	calls struct {
		TestPrivilege []struct {
			Identity enginex.Identity
			Priv     enginex.Privilege
			Sid      *ScopeID
			Cid      *CollectionID
		}
	}
}

func (mock *PrivilegeOracleMock) GetPrivilegeRevision() uint64 {
	if mock.GetPrivilegeRevisionFunc == nil {
		return 0
	}
	return mock.GetPrivilegeRevisionFunc()
}

func (mock *PrivilegeOracleMock) TestPrivilege(identity enginex.Identity, priv enginex.Privilege, sid *ScopeID, cid *CollectionID) error {
	mock.lock.Lock()
	mock.calls.TestPrivilege = append(mock.calls.TestPrivilege, struct {
		Identity enginex.Identity
		Priv     enginex.Privilege
		Sid      *ScopeID
		Cid      *CollectionID
	}{identity, priv, sid, cid})
	mock.lock.Unlock()

	if mock.TestPrivilegeFunc == nil {
		return nil
	}
	return mock.TestPrivilegeFunc(identity, priv, sid, cid)
}

func (mock *PrivilegeOracleMock) TestPrivilegeCallCount() int {
	mock.lock.Lock()
	defer mock.lock.Unlock()
	return len(mock.calls.TestPrivilege)
}
