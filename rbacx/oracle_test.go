package rbacx

import (
	"encoding/json"
	"testing"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testManifests struct {
	manifest *collectionsx.Manifest
}

func (m *testManifests) Current() *collectionsx.Manifest {
	return m.manifest
}

func newTestOracle(t *testing.T) *Oracle {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	data, err := json.Marshal(collectionsx.CollectionManifestJson{
		UID: "5",
		Scopes: []collectionsx.CollectionManifestScopeJson{
			{UID: "0", Name: "_default", Collections: []collectionsx.CollectionManifestCollectionJson{
				{UID: "0", Name: "_default"},
			}},
			{UID: "8", Name: "shop", Collections: []collectionsx.CollectionManifestCollectionJson{
				{UID: "8", Name: "meat"},
				{UID: "9", Name: "dairy"},
			}},
		},
	})
	require.NoError(t, err)
	manifest, err := collectionsx.ParseManifest(data)
	require.NoError(t, err)

	return NewOracle(OracleOptions{
		Logger:    logger,
		Manifests: &testManifests{manifest: manifest},
	})
}

func ptr[T any](v T) *T {
	return &v
}

func TestOracleGrantLevels(t *testing.T) {
	o := newTestOracle(t)
	alice := enginex.Identity{User: "alice", Domain: "local"}
	bob := enginex.Identity{User: "bob"}
	shop := collectionsx.ScopeID(8)

	o.Grant(alice, ScopeGrant(enginex.PrivilegeDcpStream, shop))
	o.Grant(bob, CollectionGrant(enginex.PrivilegeDcpStream, shop, 9))

	assert.NoError(t, o.TestPrivilege(alice, enginex.PrivilegeDcpStream, &shop, nil))
	assert.NoError(t, o.TestPrivilege(alice, enginex.PrivilegeDcpStream, &shop, ptr(collectionsx.CollectionID(8))))
	assert.ErrorIs(t, o.TestPrivilege(alice, enginex.PrivilegeDcpStream, nil, nil), enginex.ErrNoAccess)
	assert.ErrorIs(t, o.TestPrivilege(alice, enginex.PrivilegeRead, &shop, nil), enginex.ErrNoAccess)

	assert.NoError(t, o.TestPrivilege(bob, enginex.PrivilegeDcpStream, &shop, ptr(collectionsx.CollectionID(9))))
	assert.ErrorIs(t, o.TestPrivilege(bob, enginex.PrivilegeDcpStream, &shop, ptr(collectionsx.CollectionID(8))), enginex.ErrNoAccess)
	assert.ErrorIs(t, o.TestPrivilege(bob, enginex.PrivilegeDcpStream, &shop, nil), enginex.ErrNoAccess)

	o.Grant(bob, BucketGrant(enginex.PrivilegeDcpStream))
	assert.NoError(t, o.TestPrivilege(bob, enginex.PrivilegeDcpStream, nil, nil))
	assert.NoError(t, o.TestPrivilege(bob, enginex.PrivilegeDcpStream, &shop, ptr(collectionsx.CollectionID(8))))
}

func TestOracleUnknownEntities(t *testing.T) {
	o := newTestOracle(t)
	alice := enginex.Identity{User: "alice"}
	shop := collectionsx.ScopeID(8)

	err := o.TestPrivilege(alice, enginex.PrivilegeDcpStream, &shop, ptr(collectionsx.CollectionID(0x20)))
	assert.ErrorIs(t, err, enginex.ErrUnknownCollection)

	// a collection named under the wrong scope does not exist there
	err = o.TestPrivilege(alice, enginex.PrivilegeDcpStream, ptr(collectionsx.ScopeIDDefault), ptr(collectionsx.CollectionID(9)))
	assert.ErrorIs(t, err, enginex.ErrUnknownCollection)

	err = o.TestPrivilege(alice, enginex.PrivilegeDcpStream, ptr(collectionsx.ScopeID(0x20)), nil)
	assert.ErrorIs(t, err, enginex.ErrUnknownScope)

	// the grant wins over existence
	o.Grant(alice, BucketGrant(enginex.PrivilegeDcpStream))
	assert.NoError(t, o.TestPrivilege(alice, enginex.PrivilegeDcpStream, &shop, ptr(collectionsx.CollectionID(0x20))))
}

func TestOracleRevision(t *testing.T) {
	o := newTestOracle(t)
	alice := enginex.Identity{User: "alice"}
	grant := BucketGrant(enginex.PrivilegeRead)

	rev := o.GetPrivilegeRevision()
	o.Grant(alice, grant)
	assert.Greater(t, o.GetPrivilegeRevision(), rev)
	require.NoError(t, o.TestPrivilege(alice, enginex.PrivilegeRead, nil, nil))

	rev = o.GetPrivilegeRevision()
	o.Revoke(alice, grant)
	assert.Greater(t, o.GetPrivilegeRevision(), rev)
	assert.ErrorIs(t, o.TestPrivilege(alice, enginex.PrivilegeRead, nil, nil), enginex.ErrNoAccess)

	o.Grant(alice, grant)
	rev = o.GetPrivilegeRevision()
	o.RemoveUser(alice)
	assert.Greater(t, o.GetPrivilegeRevision(), rev)
	assert.ErrorIs(t, o.TestPrivilege(alice, enginex.PrivilegeRead, nil, nil), enginex.ErrNoAccess)
}

func TestGrantString(t *testing.T) {
	assert.Equal(t, "DcpStream:bucket", BucketGrant(enginex.PrivilegeDcpStream).String())
	assert.Equal(t, "Read:0x8", ScopeGrant(enginex.PrivilegeRead, 8).String())
	assert.Equal(t, "Upsert:0x8:0x9", CollectionGrant(enginex.PrivilegeUpsert, 8, 9).String())
}

func TestFilterWithOracle(t *testing.T) {
	o := newTestOracle(t)
	alice := enginex.Identity{User: "alice"}
	o.Grant(alice, CollectionGrant(enginex.PrivilegeDcpStream, collectionsx.ScopeIDDefault, collectionsx.CollectionIDDefault))

	vbm := collectionsx.NewVBManifest(nil)

	f, err := collectionsx.NewFilter(collectionsx.FilterOptions{
		Spec:     []byte(`{"collections":["0"]}`),
		Manifest: vbm,
		Identity: alice,
		Oracle:   o,
	})
	require.NoError(t, err)

	o.RemoveUser(alice)
	assert.ErrorIs(t, f.CheckPrivileges(), enginex.ErrNoAccess)
}
