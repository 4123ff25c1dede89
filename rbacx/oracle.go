package rbacx

import (
	"fmt"
	"sync"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ManifestSource provides the manifest used to tell an unknown collection
// apart from one the user may not access.
type ManifestSource interface {
	Current() *collectionsx.Manifest
}

// Grant gives a privilege on the whole bucket, on a scope or on one
// collection of a scope.
type Grant struct {
	Privilege  enginex.Privilege
	Scope      *collectionsx.ScopeID
	Collection *collectionsx.CollectionID
}

func BucketGrant(priv enginex.Privilege) Grant {
	return Grant{Privilege: priv}
}

func ScopeGrant(priv enginex.Privilege, sid collectionsx.ScopeID) Grant {
	return Grant{Privilege: priv, Scope: &sid}
}

func CollectionGrant(priv enginex.Privilege, sid collectionsx.ScopeID, cid collectionsx.CollectionID) Grant {
	return Grant{Privilege: priv, Scope: &sid, Collection: &cid}
}

func (g Grant) String() string {
	switch {
	case g.Scope == nil:
		return fmt.Sprintf("%s:bucket", g.Privilege)
	case g.Collection == nil:
		return fmt.Sprintf("%s:%s", g.Privilege, *g.Scope)
	default:
		return fmt.Sprintf("%s:%s:%s", g.Privilege, *g.Scope, *g.Collection)
	}
}

func (g Grant) key() grantKey {
	k := grantKey{priv: g.Privilege}
	if g.Scope != nil {
		k.hasScope = true
		k.sid = *g.Scope
	}
	if g.Collection != nil {
		k.hasCollection = true
		k.cid = *g.Collection
	}
	return k
}

type grantKey struct {
	priv          enginex.Privilege
	hasScope      bool
	sid           collectionsx.ScopeID
	hasCollection bool
	cid           collectionsx.CollectionID
}

// covers reports whether holding this grant allows priv on the given
// scope and collection.
func (k grantKey) covers(priv enginex.Privilege, sid *collectionsx.ScopeID, cid *collectionsx.CollectionID) bool {
	if k.priv != priv {
		return false
	}
	if !k.hasScope {
		return true
	}
	if sid == nil || *sid != k.sid {
		return false
	}
	if !k.hasCollection {
		return true
	}
	return cid != nil && *cid == k.cid
}

type OracleOptions struct {
	Logger    *zap.Logger
	Manifests ManifestSource
}

// Oracle is an in-memory RBAC database. Every change bumps the privilege
// revision so that cached answers are re-evaluated.
type Oracle struct {
	logger    *zap.Logger
	manifests ManifestSource
	revision  atomic.Uint64

	lock  sync.RWMutex
	users map[enginex.Identity]map[grantKey]struct{}
}

var _ collectionsx.PrivilegeOracle = (*Oracle)(nil)

func NewOracle(opts OracleOptions) *Oracle {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Oracle{
		logger:    logger,
		manifests: opts.Manifests,
		users:     make(map[enginex.Identity]map[grantKey]struct{}),
	}
}

func (o *Oracle) GetPrivilegeRevision() uint64 {
	return o.revision.Load()
}

// BumpRevision forces every cached privilege decision to be re-evaluated.
func (o *Oracle) BumpRevision() {
	rev := o.revision.Inc()
	o.logger.Debug("privilege revision bumped", zap.Uint64("revision", rev))
}

func (o *Oracle) Grant(identity enginex.Identity, grants ...Grant) {
	o.lock.Lock()
	user, ok := o.users[identity]
	if !ok {
		user = make(map[grantKey]struct{})
		o.users[identity] = user
	}
	for _, g := range grants {
		user[g.key()] = struct{}{}
	}
	o.lock.Unlock()

	o.logger.Info("granted privileges",
		zap.Stringer("identity", identity),
		zap.Int("grants", len(grants)))
	o.BumpRevision()
}

func (o *Oracle) Revoke(identity enginex.Identity, grants ...Grant) {
	o.lock.Lock()
	if user, ok := o.users[identity]; ok {
		for _, g := range grants {
			delete(user, g.key())
		}
	}
	o.lock.Unlock()

	o.logger.Info("revoked privileges",
		zap.Stringer("identity", identity),
		zap.Int("grants", len(grants)))
	o.BumpRevision()
}

func (o *Oracle) RemoveUser(identity enginex.Identity) {
	o.lock.Lock()
	delete(o.users, identity)
	o.lock.Unlock()

	o.logger.Info("removed user", zap.Stringer("identity", identity))
	o.BumpRevision()
}

// TestPrivilege checks priv for identity against the bucket (sid and cid
// nil), a scope (cid nil) or a collection. A failed check against a scope or
// collection which does not exist reports it as unknown rather than as an
// access failure.
func (o *Oracle) TestPrivilege(
	identity enginex.Identity,
	priv enginex.Privilege,
	sid *collectionsx.ScopeID,
	cid *collectionsx.CollectionID,
) error {
	o.lock.RLock()
	user := o.users[identity]
	for k := range user {
		if k.covers(priv, sid, cid) {
			o.lock.RUnlock()
			return nil
		}
	}
	o.lock.RUnlock()

	if o.manifests != nil {
		if err := o.checkExists(sid, cid); err != nil {
			return err
		}
	}

	return fmt.Errorf("%s lacks %s: %w", identity, priv, enginex.ErrNoAccess)
}

func (o *Oracle) checkExists(sid *collectionsx.ScopeID, cid *collectionsx.CollectionID) error {
	manifest := o.manifests.Current()
	if cid != nil {
		col, ok := manifest.FindCollection(*cid)
		if !ok || (sid != nil && col.ScopeID != *sid) {
			return enginex.UnknownCollectionError{
				ManifestUid: uint64(manifest.Uid()),
				Context:     cid.String(),
			}
		}
		return nil
	}
	if sid != nil {
		if _, ok := manifest.FindScope(*sid); !ok {
			return enginex.UnknownScopeError{
				ManifestUid: uint64(manifest.Uid()),
				Context:     sid.String(),
			}
		}
	}
	return nil
}
