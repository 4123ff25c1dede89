package collectionsx

import (
	"sync"

	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/couchbase/kvcollectionsx/zaputils"
	"go.uber.org/zap"
)

// Manager owns the bucket-wide current manifest and decides whether a new
// manifest is a valid successor of it. Applying a manifest to the vbuckets is
// the caller's job, see Update.
type Manager struct {
	logger *zap.Logger

	lock               sync.Mutex
	current            *Manifest
	retiredCollections map[CollectionID]struct{}
	retiredScopes      map[ScopeID]struct{}
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		logger:             logger,
		current:            NewDefaultManifest(),
		retiredCollections: make(map[CollectionID]struct{}),
		retiredScopes:      make(map[ScopeID]struct{}),
	}
}

// Restore makes the manifest persisted by a vbucket the current one when it
// is ahead of the current manifest. Collections and scopes the vbucket
// dropped but has not yet erased are treated as removed.
func (m *Manager) Restore(snap *PersistedManifest) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if snap.Uid <= m.current.uid {
		return
	}

	m.current = NewManifestFromSnapshot(snap)
	for _, dc := range snap.Dropped {
		if _, ok := m.current.collections[dc.CollectionID]; !ok {
			m.retiredCollections[dc.CollectionID] = struct{}{}
		}
	}
	for _, ds := range snap.DroppedScopes {
		if _, ok := m.current.scopes[ds.ScopeID]; !ok {
			m.retiredScopes[ds.ScopeID] = struct{}{}
		}
	}

	m.logger.Info("restored collections manifest",
		zaputils.ManifestUid("uid", uint64(snap.Uid)),
		zap.Int("collections", len(m.current.collections)),
		zap.Int("scopes", len(m.current.scopes)))
}

func (m *Manager) Current() *Manifest {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.current
}

func (m *Manager) checkSuccessorLocked(next *Manifest) error {
	if next.uid <= m.current.uid {
		return enginex.ManifestOutOfRangeError{
			CurrentUid: uint64(m.current.uid),
			NewUid:     uint64(next.uid),
		}
	}

	if next.force {
		return nil
	}

	for cid, col := range next.collections {
		if _, ok := m.retiredCollections[cid]; ok {
			return enginex.CannotApplyManifestError{
				Reason: "collection id " + cid.String() + " was previously removed",
			}
		}
		if existing, ok := m.current.collections[cid]; ok {
			if existing.Name != col.Name || existing.ScopeID != col.ScopeID {
				return enginex.CannotApplyManifestError{
					Reason: "collection id " + cid.String() + " changed name or scope",
				}
			}
		}
	}

	for sid, scope := range next.scopes {
		if _, ok := m.retiredScopes[sid]; ok {
			return enginex.CannotApplyManifestError{
				Reason: "scope id " + sid.String() + " was previously removed",
			}
		}
		if existing, ok := m.current.scopes[sid]; ok && existing.Name != scope.Name {
			return enginex.CannotApplyManifestError{
				Reason: "scope id " + sid.String() + " changed name",
			}
		}
	}

	return nil
}

// Update validates next against the current manifest, invokes apply with it
// and records it as current once apply succeeded. Validation failures leave
// the manager unchanged and apply is not called. When apply fails the
// manager also stays at the old manifest, so that the same manifest can be
// sent again to bring the vbuckets which missed it up to date.
func (m *Manager) Update(next *Manifest, apply func(*Manifest) error) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.checkSuccessorLocked(next); err != nil {
		m.logger.Warn("rejecting collections manifest",
			zaputils.ManifestUid("current", uint64(m.current.uid)),
			zaputils.ManifestUid("new", uint64(next.uid)),
			zap.Error(err))
		return err
	}

	m.logger.Info("applying collections manifest",
		zaputils.ManifestUid("current", uint64(m.current.uid)),
		zaputils.ManifestUid("new", uint64(next.uid)),
		zap.Int("collections", len(next.collections)),
		zap.Int("scopes", len(next.scopes)),
		zap.Bool("force", next.force))

	if apply != nil {
		if err := apply(next); err != nil {
			m.logger.Warn("failed to apply collections manifest",
				zaputils.ManifestUid("new", uint64(next.uid)),
				zap.Error(err))
			return err
		}
	}

	for cid := range m.current.collections {
		if _, ok := next.collections[cid]; !ok {
			m.retiredCollections[cid] = struct{}{}
		}
	}
	for sid := range m.current.scopes {
		if _, ok := next.scopes[sid]; !ok {
			m.retiredScopes[sid] = struct{}{}
		}
	}
	if next.force {
		// a forced manifest may bring retired ids back
		for cid := range next.collections {
			delete(m.retiredCollections, cid)
		}
		for sid := range next.scopes {
			delete(m.retiredScopes, sid)
		}
	}

	m.current = next
	return nil
}
