package collectionsx

import (
	"testing"

	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFilterTestManifest(t *testing.T) (*VBManifest, *testQueue) {
	vbm := NewVBManifest(newTestLogger(t))
	q := &testQueue{}

	require.NoError(t, vbm.UpdateFromManifest(buildManifest(t, "2", false,
		testDefaultScope(testCollection("8", "meat")),
		testScope("8", "shop", testCollection("9", "dairy"))), q))
	q.items = nil

	return vbm, q
}

func newTestFilter(t *testing.T, vbm *VBManifest, spec []byte) (*Filter, error) {
	return NewFilter(FilterOptions{
		Logger:   newTestLogger(t),
		Spec:     spec,
		Manifest: vbm,
		Identity: enginex.Identity{User: "alice"},
		Oracle:   &PrivilegeOracleMock{},
	})
}

func checkItem(t *testing.T, f *Filter, item *Item) bool {
	allowed, err := f.CheckAndUpdate(item)
	require.NoError(t, err)
	return allowed
}

func itemIn(cid CollectionID) *Item {
	return &Item{Key: MakeDocKey(cid, []byte("key"))}
}

func TestFilterLegacy(t *testing.T) {
	vbm, q := newFilterTestManifest(t)

	f, err := newTestFilter(t, vbm, nil)
	require.NoError(t, err)

	assert.False(t, f.IsPassthrough())
	assert.True(t, f.IsDefaultAllowed())
	assert.False(t, f.AllowSystemEvents())
	assert.True(t, checkItem(t, f, itemIn(CollectionIDDefault)))
	assert.False(t, checkItem(t, f, itemIn(8)))

	// a legacy stream never sees system events, even when the default
	// collection is dropped, after which it is empty
	require.NoError(t, vbm.UpdateFromManifest(buildManifest(t, "3", false,
		CollectionManifestScopeJson{UID: "0", Name: DefaultScopeName, Collections: []CollectionManifestCollectionJson{
			testCollection("8", "meat"),
		}},
		testScope("8", "shop", testCollection("9", "dairy"))), q))
	require.Len(t, q.items, 1)
	assert.False(t, checkItem(t, f, q.items[0]))
	assert.True(t, f.Empty())

	_, err = newTestFilter(t, vbm, nil)
	assert.ErrorIs(t, err, enginex.ErrUnknownCollection)
}

func TestFilterPassthrough(t *testing.T) {
	vbm, q := newFilterTestManifest(t)

	for _, spec := range []string{"", "{}", `{"uid":"2"}`, `{"sid":3}`} {
		f, err := newTestFilter(t, vbm, []byte(spec))
		require.NoError(t, err, spec)

		assert.True(t, f.IsPassthrough(), spec)
		assert.True(t, f.AllowSystemEvents(), spec)
		assert.False(t, f.Empty(), spec)
		assert.True(t, checkItem(t, f, itemIn(CollectionIDDefault)), spec)
		assert.True(t, checkItem(t, f, itemIn(8)), spec)
		assert.True(t, checkItem(t, f, itemIn(9)), spec)
		assert.True(t, f.CheckSlow(MakeCollectionEventKey(9)), spec)
	}

	f, err := newTestFilter(t, vbm, []byte(`{"sid":3}`))
	require.NoError(t, err)
	sid, ok := f.StreamID()
	require.True(t, ok)
	assert.Equal(t, uint16(3), sid)

	require.NoError(t, vbm.UpdateFromManifest(buildManifest(t, "3", false,
		testDefaultScope(testCollection("8", "meat")),
		testScope("8", "shop", testCollection("9", "dairy")),
		testScope("9", "garden")), q))
	require.Len(t, q.items, 1)
	assert.True(t, checkItem(t, f, q.items[0]))
}

func TestFilterManifestAhead(t *testing.T) {
	vbm, _ := newFilterTestManifest(t)

	_, err := newTestFilter(t, vbm, []byte(`{"uid":"3"}`))
	assert.ErrorIs(t, err, enginex.ErrManifestIsAhead)

	var aheadErr enginex.ManifestAheadError
	require.ErrorAs(t, err, &aheadErr)
	assert.Equal(t, uint64(3), aheadErr.ClientUid)
	assert.Equal(t, uint64(2), aheadErr.VbUid)

	// the uid check applies even when a collection filter is given
	_, err = newTestFilter(t, vbm, []byte(`{"uid":"3","collections":["8"]}`))
	assert.ErrorIs(t, err, enginex.ErrManifestIsAhead)
}

func TestFilterInvalidSpecs(t *testing.T) {
	vbm, _ := newFilterTestManifest(t)

	tests := []struct {
		spec string
		err  error
	}{
		{`{"scope":"8","collections":["9"]}`, enginex.ErrInvalidArguments},
		{`{"collection":["9"]}`, enginex.ErrInvalidArguments},
		{`{"collections":"9"}`, enginex.ErrInvalidArguments},
		{`{"collections":[9]}`, enginex.ErrInvalidArguments},
		{`{"scope":8}`, enginex.ErrInvalidArguments},
		{`{"uid":2}`, enginex.ErrInvalidArguments},
		{`{"sid":"1"}`, enginex.ErrInvalidArguments},
		{`[1,2]`, enginex.ErrInvalidArguments},
		{`{"sid":0}`, enginex.ErrDcpStreamIDInvalid},
		{`{"scope":"22"}`, enginex.ErrUnknownScope},
		{`{"collections":["8","22"]}`, enginex.ErrUnknownCollection},
	}

	for _, tc := range tests {
		_, err := newTestFilter(t, vbm, []byte(tc.spec))
		assert.ErrorIs(t, err, tc.err, tc.spec)
	}
}

func TestFilterScope(t *testing.T) {
	vbm, q := newFilterTestManifest(t)

	f, err := newTestFilter(t, vbm, []byte(`{"scope":"8"}`))
	require.NoError(t, err)

	assert.False(t, f.IsPassthrough())
	assert.False(t, f.IsDefaultAllowed())
	assert.True(t, checkItem(t, f, itemIn(9)))
	assert.False(t, checkItem(t, f, itemIn(8)))
	assert.False(t, checkItem(t, f, itemIn(CollectionIDDefault)))

	// a collection created in the scope is admitted, one elsewhere is not
	require.NoError(t, vbm.UpdateFromManifest(buildManifest(t, "3", false,
		testDefaultScope(testCollection("8", "meat"), testCollection("b", "fish")),
		testScope("8", "shop", testCollection("9", "dairy"), testCollection("a", "bakery"))), q))
	require.Len(t, q.items, 2)
	assert.True(t, checkItem(t, f, q.items[0]))
	assert.False(t, checkItem(t, f, q.items[1]))
	assert.True(t, checkItem(t, f, itemIn(0xa)))
	assert.False(t, checkItem(t, f, itemIn(0xb)))
	q.items = nil

	// drop the scope, every drop in it is forwarded
	require.NoError(t, vbm.UpdateFromManifest(buildManifest(t, "4", false,
		testDefaultScope(testCollection("8", "meat"), testCollection("b", "fish"))), q))
	require.Len(t, q.items, 3)
	for _, item := range q.items[:2] {
		assert.False(t, f.Empty())
		assert.True(t, checkItem(t, f, item))
	}
	assert.True(t, checkItem(t, f, q.items[2]))
	assert.True(t, f.Empty())
	assert.False(t, checkItem(t, f, itemIn(9)))
}

func TestFilterCollections(t *testing.T) {
	vbm, q := newFilterTestManifest(t)

	f, err := newTestFilter(t, vbm, []byte(`{"collections":["8","9"]}`))
	require.NoError(t, err)

	assert.Equal(t, 2, f.Size())
	assert.True(t, checkItem(t, f, itemIn(8)))
	assert.True(t, checkItem(t, f, itemIn(9)))
	assert.False(t, checkItem(t, f, itemIn(CollectionIDDefault)))
	assert.False(t, f.CheckSlow(MakeDocKey(CollectionIDDefault, []byte("k"))))
	assert.True(t, f.CheckSlow(MakeCollectionEventKey(8)))

	require.NoError(t, vbm.UpdateFromManifest(buildManifest(t, "3", false,
		testDefaultScope(),
		testScope("8", "shop")), q))
	require.Len(t, q.items, 2)

	assert.True(t, checkItem(t, f, q.items[0]))
	assert.False(t, f.Empty())
	assert.True(t, checkItem(t, f, q.items[1]))
	assert.True(t, f.Empty())

	// replaying a drop for a collection no longer tracked is not forwarded
	assert.False(t, checkItem(t, f, q.items[1]))
}

func TestFilterCompressedSystemEvent(t *testing.T) {
	vbm, q := newFilterTestManifest(t)

	f, err := newTestFilter(t, vbm, []byte(`{"scope":"8"}`))
	require.NoError(t, err)

	require.NoError(t, vbm.UpdateFromManifest(buildManifest(t, "3", false,
		testDefaultScope(testCollection("8", "meat")),
		testScope("8", "shop", testCollection("9", "dairy"),
			testCollection("a", "a-collection-with-a-long-long-long-long-long-long-long-name"))), q))
	require.Len(t, q.items, 1)

	item := q.items[0].Clone()
	item.CompressValue()
	assert.True(t, checkItem(t, f, item))
	assert.True(t, checkItem(t, f, itemIn(0xa)))
}

func TestFilterPrivileges(t *testing.T) {
	vbm, _ := newFilterTestManifest(t)

	revision := uint64(1)
	results := map[CollectionID]error{}
	oracle := &PrivilegeOracleMock{
		GetPrivilegeRevisionFunc: func() uint64 {
			return revision
		},
		TestPrivilegeFunc: func(identity enginex.Identity, priv enginex.Privilege, sid *ScopeID, cid *CollectionID) error {
			assert.Equal(t, "alice", identity.User)
			assert.Equal(t, enginex.PrivilegeDcpStream, priv)
			if cid == nil {
				return nil
			}
			return results[*cid]
		},
	}

	makeFilter := func(spec string) (*Filter, error) {
		return NewFilter(FilterOptions{
			Spec:     []byte(spec),
			Manifest: vbm,
			Identity: enginex.Identity{User: "alice"},
			Oracle:   oracle,
		})
	}

	results[8] = enginex.ErrNoAccess
	_, err := makeFilter(`{"collections":["8","9"]}`)
	assert.ErrorIs(t, err, enginex.ErrNoAccess)

	// unknown collection outranks no access
	results[9] = enginex.ErrUnknownCollection
	_, err = makeFilter(`{"collections":["8","9"]}`)
	assert.ErrorIs(t, err, enginex.ErrUnknownCollection)

	_, err = makeFilter(`{"collections":["9","8"]}`)
	assert.ErrorIs(t, err, enginex.ErrUnknownCollection)

	delete(results, 8)
	delete(results, 9)
	f, err := makeFilter(`{"collections":["8"]}`)
	require.NoError(t, err)

	// cached until the revision changes
	calls := oracle.TestPrivilegeCallCount()
	results[8] = enginex.ErrNoAccess
	require.NoError(t, f.CheckPrivileges())
	assert.Equal(t, calls, oracle.TestPrivilegeCallCount())

	revision++
	assert.ErrorIs(t, f.CheckPrivileges(), enginex.ErrNoAccess)
	assert.Equal(t, calls+1, oracle.TestPrivilegeCallCount())
	assert.ErrorIs(t, f.CheckPrivileges(), enginex.ErrNoAccess)
	assert.Equal(t, calls+1, oracle.TestPrivilegeCallCount())
}

func TestFilterPrivilegeScopes(t *testing.T) {
	vbm, _ := newFilterTestManifest(t)

	oracle := &PrivilegeOracleMock{
		TestPrivilegeFunc: func(identity enginex.Identity, priv enginex.Privilege, sid *ScopeID, cid *CollectionID) error {
			if sid == nil {
				// bucket level
				return enginex.ErrNoAccess
			}
			if *sid == 8 && cid == nil {
				return nil
			}
			return enginex.ErrNoAccess
		},
	}

	makeFilter := func(spec string) (*Filter, error) {
		return NewFilter(FilterOptions{
			Spec:     []byte(spec),
			Manifest: vbm,
			Oracle:   oracle,
		})
	}

	_, err := makeFilter(`{}`)
	assert.ErrorIs(t, err, enginex.ErrNoAccess)

	_, err = makeFilter(`{"scope":"8"}`)
	assert.NoError(t, err)

	_, err = makeFilter(`{"collections":["9"]}`)
	assert.ErrorIs(t, err, enginex.ErrNoAccess)
}

func TestFilterStats(t *testing.T) {
	vbm, _ := newFilterTestManifest(t)

	f, err := newTestFilter(t, vbm, []byte(`{"uid":"2","sid":4,"scope":"8"}`))
	require.NoError(t, err)

	stats := map[string]string{}
	f.AddStats("stream", 12, func(key, value string) {
		stats[key] = value
	})

	assert.Equal(t, map[string]string{
		"stream:filter_12_passthrough":     "false",
		"stream:filter_12_default_allowed": "false",
		"stream:filter_12_system_allowed":  "true",
		"stream:filter_12_scope_id":        "0x8",
		"stream:filter_12_scope_dropped":   "false",
		"stream:filter_12_uid":             "2",
		"stream:filter_12_sid":             "4",
		"stream:filter_12_size":            "1",
	}, stats)

	assert.Contains(t, f.String(), "scopeID:0x8")
}
