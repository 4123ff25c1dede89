package collectionsx

import (
	"fmt"
	"sync"

	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/couchbase/kvcollectionsx/zaputils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// SystemEventQueue is the ordered append path of a vbucket. Queueing a system
// event assigns it the next by-seqno of the vbucket, ordered with every other
// mutation queued through the same path.
type SystemEventQueue interface {
	QueueSystemEvent(item *Item) uint64
	HighSeqno() uint64
}

// collectionEntry is the per-vbucket state of one collection. The counters
// are atomics so that they can be updated while the manifest is only read
// locked.
type collectionEntry struct {
	cid        CollectionID
	sid        ScopeID
	name       string
	maxTTL     *uint32
	startSeqno uint64

	itemCount          atomic.Uint64
	diskSize           atomic.Int64
	memUsed            atomic.Int64
	highSeqno          atomic.Uint64
	persistedHighSeqno atomic.Uint64
}

// adjustItemCount applies delta to the item count, never going below zero.
func (e *collectionEntry) adjustItemCount(delta int64) {
	if delta >= 0 {
		e.itemCount.Add(uint64(delta))
		return
	}
	for {
		cur := e.itemCount.Load()
		next := uint64(0)
		if uint64(-delta) < cur {
			next = cur - uint64(-delta)
		}
		if e.itemCount.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (e *collectionEntry) setHighSeqno(seqno uint64) {
	for {
		cur := e.highSeqno.Load()
		if seqno <= cur || e.highSeqno.CompareAndSwap(cur, seqno) {
			return
		}
	}
}

type scopeEntry struct {
	sid         ScopeID
	name        string
	startSeqno  uint64
	collections map[CollectionID]struct{}
}

type droppedCollectionEntry struct {
	*collectionEntry
	endSeqno uint64
}

// pendingUid is a uid change which queued no system event. It becomes
// persistable once everything up to seqno has been flushed.
type pendingUid struct {
	uid   ManifestUid
	seqno uint64
}

type droppedScopeEntry struct {
	sid        ScopeID
	name       string
	startSeqno uint64
	endSeqno   uint64
}

// DroppedCollection describes a collection which has been dropped but whose
// items have not yet been erased.
type DroppedCollection struct {
	CollectionID CollectionID
	ScopeID      ScopeID
	StartSeqno   uint64
	EndSeqno     uint64
	ItemCount    uint64
	DiskSize     int64
}

// DroppedScope describes a scope which has been dropped and is waiting for
// its collections to be erased.
type DroppedScope struct {
	ScopeID    ScopeID
	StartSeqno uint64
	EndSeqno   uint64
}

// VBManifest is the collections state of one vbucket. All mutation goes
// through UpdateFromManifest, ApplySystemEvent and the erase calls, which take
// the write lock. Queries go through handles which hold the read lock for
// their lifetime.
type VBManifest struct {
	logger *zap.Logger

	lock          sync.RWMutex
	uid           ManifestUid
	collections   map[CollectionID]*collectionEntry
	scopes        map[ScopeID]*scopeEntry
	dropped       map[CollectionID][]*droppedCollectionEntry
	droppedScopes map[ScopeID]*droppedScopeEntry
	pendingUids   []pendingUid
}

func newEmptyVBManifest(logger *zap.Logger) *VBManifest {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &VBManifest{
		logger:        logger,
		collections:   make(map[CollectionID]*collectionEntry),
		scopes:        make(map[ScopeID]*scopeEntry),
		dropped:       make(map[CollectionID][]*droppedCollectionEntry),
		droppedScopes: make(map[ScopeID]*droppedScopeEntry),
	}
}

// NewVBManifest returns the state of a brand new vbucket: uid 0 with the
// default scope and collection existing since seqno 0.
func NewVBManifest(logger *zap.Logger) *VBManifest {
	m := newEmptyVBManifest(logger)
	m.addScopeLocked(ScopeIDDefault, DefaultScopeName, 0)
	m.addCollectionLocked(CollectionIDDefault, ScopeIDDefault, DefaultCollectionName, nil, 0)
	return m
}

// NewVBManifestFromSnapshot rebuilds vbucket state from a persisted snapshot
// without replaying the change log.
func NewVBManifestFromSnapshot(logger *zap.Logger, snap *PersistedManifest) *VBManifest {
	m := newEmptyVBManifest(logger)
	m.uid = snap.Uid

	for _, scope := range snap.Scopes {
		m.addScopeLocked(scope.ScopeID, scope.Name, scope.StartSeqno)
	}
	for _, col := range snap.Collections {
		var maxTTL *uint32
		if col.MaxTTL != nil {
			ttl := *col.MaxTTL
			maxTTL = &ttl
		}
		m.addCollectionLocked(col.CollectionID, col.ScopeID, col.Name, maxTTL, col.StartSeqno)
	}
	for _, dc := range snap.Dropped {
		m.dropped[dc.CollectionID] = append(m.dropped[dc.CollectionID], &droppedCollectionEntry{
			collectionEntry: &collectionEntry{
				cid:        dc.CollectionID,
				sid:        dc.ScopeID,
				startSeqno: dc.StartSeqno,
			},
			endSeqno: dc.EndSeqno,
		})
	}
	for _, ds := range snap.DroppedScopes {
		m.droppedScopes[ds.ScopeID] = &droppedScopeEntry{
			sid:        ds.ScopeID,
			startSeqno: ds.StartSeqno,
			endSeqno:   ds.EndSeqno,
		}
	}

	return m
}

func (m *VBManifest) addScopeLocked(sid ScopeID, name string, startSeqno uint64) {
	m.scopes[sid] = &scopeEntry{
		sid:         sid,
		name:        name,
		startSeqno:  startSeqno,
		collections: make(map[CollectionID]struct{}),
	}
}

func (m *VBManifest) addCollectionLocked(cid CollectionID, sid ScopeID, name string, maxTTL *uint32, startSeqno uint64) *collectionEntry {
	entry := &collectionEntry{
		cid:        cid,
		sid:        sid,
		name:       name,
		maxTTL:     maxTTL,
		startSeqno: startSeqno,
	}
	entry.highSeqno.Store(startSeqno)
	m.collections[cid] = entry

	if scope, ok := m.scopes[sid]; ok {
		scope.collections[cid] = struct{}{}
	}
	return entry
}

func (m *VBManifest) dropCollectionLocked(cid CollectionID, endSeqno uint64) {
	entry, ok := m.collections[cid]
	if !ok {
		return
	}

	delete(m.collections, cid)
	if scope, ok := m.scopes[entry.sid]; ok {
		delete(scope.collections, cid)
	}
	m.dropped[cid] = append(m.dropped[cid], &droppedCollectionEntry{
		collectionEntry: entry,
		endSeqno:        endSeqno,
	})
}

func (m *VBManifest) dropScopeLocked(sid ScopeID, endSeqno uint64) {
	scope, ok := m.scopes[sid]
	if !ok {
		return
	}

	delete(m.scopes, sid)
	m.droppedScopes[sid] = &droppedScopeEntry{
		sid:        sid,
		name:       scope.name,
		startSeqno: scope.startSeqno,
		endSeqno:   endSeqno,
	}
}

type manifestChanges struct {
	dropCollections   []CollectionID
	dropScopes        []ScopeID
	createScopes      []ScopeID
	createCollections []CollectionID
}

func (c *manifestChanges) count() int {
	return len(c.dropCollections) + len(c.dropScopes) + len(c.createScopes) + len(c.createCollections)
}

func (m *VBManifest) diffLocked(next *Manifest) manifestChanges {
	var changes manifestChanges

	for cid, entry := range m.collections {
		col, ok := next.collections[cid]
		// a forced manifest may move a collection, which is a drop and a create
		if !ok || col.ScopeID != entry.sid {
			changes.dropCollections = append(changes.dropCollections, cid)
		}
	}
	for sid := range m.scopes {
		if _, ok := next.scopes[sid]; !ok {
			changes.dropScopes = append(changes.dropScopes, sid)
		}
	}
	for sid := range next.scopes {
		if _, ok := m.scopes[sid]; !ok {
			changes.createScopes = append(changes.createScopes, sid)
		}
	}
	for cid, col := range next.collections {
		entry, ok := m.collections[cid]
		if !ok || col.ScopeID != entry.sid {
			changes.createCollections = append(changes.createCollections, cid)
		}
	}

	slices.Sort(changes.dropCollections)
	slices.Sort(changes.dropScopes)
	slices.Sort(changes.createScopes)
	slices.Sort(changes.createCollections)
	return changes
}

// UpdateFromManifest moves this vbucket to the state described by next. Each
// created or dropped scope and collection is queued as a system event, which
// assigns its seqno. Only the final event carries the new manifest uid so
// that a consumer applying the events one at a time only reaches the new uid
// once it has seen all of them.
func (m *VBManifest) UpdateFromManifest(next *Manifest, queue SystemEventQueue) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if next.uid <= m.uid {
		return enginex.ManifestOutOfRangeError{
			CurrentUid: uint64(m.uid),
			NewUid:     uint64(next.uid),
		}
	}

	changes := m.diffLocked(next)

	if !next.force {
		for _, cid := range changes.createCollections {
			if _, ok := m.dropped[cid]; ok {
				return enginex.CannotApplyManifestError{
					Reason: "collection id " + cid.String() + " is dropped and not yet erased",
				}
			}
		}
		for _, sid := range changes.createScopes {
			if _, ok := m.droppedScopes[sid]; ok {
				return enginex.CannotApplyManifestError{
					Reason: "scope id " + sid.String() + " is dropped and not yet erased",
				}
			}
		}
	}

	total := changes.count()
	if total == 0 {
		m.pendingUids = append(m.pendingUids, pendingUid{
			uid:   next.uid,
			seqno: queue.HighSeqno(),
		})
		m.logger.Info("updated manifest uid",
			zaputils.ManifestUid("from", uint64(m.uid)),
			zaputils.ManifestUid("to", uint64(next.uid)))
		m.uid = next.uid
		return nil
	}

	emitted := 0
	eventUid := func() ManifestUid {
		emitted++
		if emitted == total {
			return next.uid
		}
		return m.uid
	}

	for _, cid := range changes.dropCollections {
		entry := m.collections[cid]
		item := MakeCollectionEvent(cid, EncodeDropCollectionEventData(DropCollectionEventData{
			ManifestUid:  eventUid(),
			ScopeID:      entry.sid,
			CollectionID: cid,
		}), nil)
		item.Deleted = true
		seqno := queue.QueueSystemEvent(item)
		m.dropCollectionLocked(cid, seqno)

		m.logger.Info("dropped collection",
			zaputils.CollectionID("cid", uint32(cid)),
			zap.Uint64("seqno", seqno))
	}

	for _, sid := range changes.dropScopes {
		item := MakeScopeEvent(sid, EncodeDropScopeEventData(DropScopeEventData{
			ManifestUid: eventUid(),
			ScopeID:     sid,
		}), nil)
		item.Deleted = true
		seqno := queue.QueueSystemEvent(item)
		m.dropScopeLocked(sid, seqno)

		m.logger.Info("dropped scope",
			zaputils.ScopeID("sid", uint32(sid)),
			zap.Uint64("seqno", seqno))
	}

	for _, sid := range changes.createScopes {
		scope := next.scopes[sid]
		item := MakeScopeEvent(sid, EncodeScopeEventData(ScopeEventData{
			ManifestUid: eventUid(),
			ScopeID:     sid,
			Name:        scope.Name,
		}), nil)
		seqno := queue.QueueSystemEvent(item)
		delete(m.droppedScopes, sid)
		m.addScopeLocked(sid, scope.Name, seqno)

		m.logger.Info("created scope",
			zaputils.ScopeID("sid", uint32(sid)),
			zap.String("name", scope.Name),
			zap.Uint64("seqno", seqno))
	}

	for _, cid := range changes.createCollections {
		col := next.collections[cid]
		item := MakeCollectionEvent(cid, EncodeCollectionEventData(CollectionEventData{
			ManifestUid:  eventUid(),
			ScopeID:      col.ScopeID,
			CollectionID: cid,
			Name:         col.Name,
			MaxTTL:       col.MaxTTL,
		}), nil)
		seqno := queue.QueueSystemEvent(item)
		m.addCollectionLocked(cid, col.ScopeID, col.Name, col.MaxTTL, seqno)

		m.logger.Info("created collection",
			zaputils.CollectionID("cid", uint32(cid)),
			zaputils.ScopeID("sid", uint32(col.ScopeID)),
			zap.String("name", col.Name),
			zap.Uint64("seqno", seqno))
	}

	m.uid = next.uid
	return nil
}

// ApplySystemEvent applies a replicated system event, keeping the seqno the
// producer assigned to it.
func (m *VBManifest) ApplySystemEvent(item *Item) error {
	kind, err := GetEventKind(item)
	if err != nil {
		return err
	}

	if err := item.DecompressValue(); err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	var uid ManifestUid
	switch kind {
	case EventKindCreateCollection:
		data, err := DecodeCollectionEventData(item.Value)
		if err != nil {
			return err
		}
		if _, ok := m.collections[data.CollectionID]; ok {
			m.dropCollectionLocked(data.CollectionID, item.BySeqno)
		}
		m.addCollectionLocked(data.CollectionID, data.ScopeID, data.Name, data.MaxTTL, item.BySeqno)
		uid = data.ManifestUid
	case EventKindDropCollection:
		data, err := DecodeDropCollectionEventData(item.Value)
		if err != nil {
			return err
		}
		m.dropCollectionLocked(data.CollectionID, item.BySeqno)
		uid = data.ManifestUid
	case EventKindCreateScope:
		data, err := DecodeScopeEventData(item.Value)
		if err != nil {
			return err
		}
		delete(m.droppedScopes, data.ScopeID)
		m.addScopeLocked(data.ScopeID, data.Name, item.BySeqno)
		uid = data.ManifestUid
	case EventKindDropScope:
		data, err := DecodeDropScopeEventData(item.Value)
		if err != nil {
			return err
		}
		m.dropScopeLocked(data.ScopeID, item.BySeqno)
		uid = data.ManifestUid
	}

	if uid > m.uid {
		m.uid = uid
	}

	m.logger.Debug("applied replicated system event",
		zap.Stringer("kind", kind),
		zap.Uint64("seqno", item.BySeqno),
		zaputils.ManifestUid("uid", uint64(m.uid)))
	return nil
}

// PendingUid returns the highest uid which was set without a system event
// at or before seqno.
func (m *VBManifest) PendingUid(seqno uint64) (ManifestUid, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var uid ManifestUid
	found := false
	for _, p := range m.pendingUids {
		if p.seqno <= seqno && p.uid >= uid {
			uid = p.uid
			found = true
		}
	}
	return uid, found
}

// ClearPendingUid forgets the uid changes up to and including uid once uid
// has been persisted.
func (m *VBManifest) ClearPendingUid(uid ManifestUid) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.pendingUids = slices.DeleteFunc(m.pendingUids, func(p pendingUid) bool {
		return p.uid <= uid
	})
}

// RaiseUid moves the uid forward without any change to the collections.
func (m *VBManifest) RaiseUid(uid ManifestUid) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if uid > m.uid {
		m.uid = uid
	}
}

// CollectionErased retires a dropped collection once its items have been
// removed from storage. It returns false when no dropped entry with the given
// end seqno exists, which makes repeated erasure a no-op.
func (m *VBManifest) CollectionErased(cid CollectionID, endSeqno uint64) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	entries, ok := m.dropped[cid]
	if !ok {
		return false
	}

	idx := slices.IndexFunc(entries, func(e *droppedCollectionEntry) bool {
		return e.endSeqno == endSeqno
	})
	if idx < 0 {
		return false
	}

	entries = slices.Delete(entries, idx, idx+1)
	if len(entries) == 0 {
		delete(m.dropped, cid)
	} else {
		m.dropped[cid] = entries
	}

	m.logger.Info("erased collection",
		zaputils.CollectionID("cid", uint32(cid)),
		zap.Uint64("endSeqno", endSeqno))
	return true
}

// ScopeErased retires a dropped scope. A scope is only erasable once none of
// its dropped collections are still waiting to be erased.
func (m *VBManifest) ScopeErased(sid ScopeID) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.droppedScopes[sid]; !ok {
		return false, nil
	}
	if m.scopeHasDroppedCollectionsLocked(sid) {
		return false, fmt.Errorf("scope %s still has collections awaiting erasure: %w",
			sid, enginex.ErrTmpFail)
	}

	delete(m.droppedScopes, sid)
	m.logger.Info("erased scope", zaputils.ScopeID("sid", uint32(sid)))
	return true, nil
}

func (m *VBManifest) scopeHasDroppedCollectionsLocked(sid ScopeID) bool {
	for _, entries := range m.dropped {
		for _, e := range entries {
			if e.sid == sid {
				return true
			}
		}
	}
	return false
}

// GetDroppedCollections returns the dropped collections still awaiting
// erasure, ordered by id then end seqno.
func (m *VBManifest) GetDroppedCollections() []DroppedCollection {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var out []DroppedCollection
	for _, cid := range sortedKeys(m.dropped) {
		for _, e := range m.dropped[cid] {
			out = append(out, DroppedCollection{
				CollectionID: cid,
				ScopeID:      e.sid,
				StartSeqno:   e.startSeqno,
				EndSeqno:     e.endSeqno,
				ItemCount:    e.itemCount.Load(),
				DiskSize:     e.diskSize.Load(),
			})
		}
	}
	return out
}

// GetDroppedScopes returns the dropped scopes not yet erased, ordered by id.
func (m *VBManifest) GetDroppedScopes() []DroppedScope {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var out []DroppedScope
	for _, sid := range sortedKeys(m.droppedScopes) {
		e := m.droppedScopes[sid]
		out = append(out, DroppedScope{
			ScopeID:    sid,
			StartSeqno: e.startSeqno,
			EndSeqno:   e.endSeqno,
		})
	}
	return out
}

// IsDropInProgress reports whether any generation of cid is awaiting erasure.
func (m *VBManifest) IsDropInProgress(cid CollectionID) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()

	_, ok := m.dropped[cid]
	return ok
}

// Snapshot captures the state which must be persisted alongside the data.
func (m *VBManifest) Snapshot() *PersistedManifest {
	m.lock.RLock()
	defer m.lock.RUnlock()

	snap := &PersistedManifest{
		Uid: m.uid,
	}

	for _, cid := range sortedKeys(m.collections) {
		entry := m.collections[cid]
		var maxTTL *uint32
		if entry.maxTTL != nil {
			ttl := *entry.maxTTL
			maxTTL = &ttl
		}
		snap.Collections = append(snap.Collections, OpenCollection{
			CollectionID: cid,
			ScopeID:      entry.sid,
			Name:         entry.name,
			StartSeqno:   entry.startSeqno,
			MaxTTL:       maxTTL,
		})
	}

	for _, sid := range sortedKeys(m.scopes) {
		scope := m.scopes[sid]
		snap.Scopes = append(snap.Scopes, OpenScope{
			ScopeID:    sid,
			Name:       scope.name,
			StartSeqno: scope.startSeqno,
		})
	}

	for _, cid := range sortedKeys(m.dropped) {
		for _, e := range m.dropped[cid] {
			snap.Dropped = append(snap.Dropped, PersistedDroppedCollection{
				CollectionID: cid,
				ScopeID:      e.sid,
				StartSeqno:   e.startSeqno,
				EndSeqno:     e.endSeqno,
			})
		}
	}

	for _, sid := range sortedKeys(m.droppedScopes) {
		e := m.droppedScopes[sid]
		snap.DroppedScopes = append(snap.DroppedScopes, PersistedDroppedScope{
			ScopeID:    sid,
			StartSeqno: e.startSeqno,
			EndSeqno:   e.endSeqno,
		})
	}

	return snap
}

// LoadPersistedStats seeds the counters of a collection from its persisted
// stats document during warmup.
func (m *VBManifest) LoadPersistedStats(cid CollectionID, stats PersistedStats) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	entry := m.findEntryLocked(cid)
	if entry == nil {
		return
	}

	entry.itemCount.Store(stats.ItemCount)
	entry.diskSize.Store(stats.DiskSize)
	entry.setHighSeqno(stats.HighSeqno)
	entry.persistedHighSeqno.Store(stats.HighSeqno)
}

// findEntryLocked returns the open entry for cid, or the most recently
// dropped one.
func (m *VBManifest) findEntryLocked(cid CollectionID) *collectionEntry {
	if entry, ok := m.collections[cid]; ok {
		return entry
	}
	if entries := m.dropped[cid]; len(entries) > 0 {
		return entries[len(entries)-1].collectionEntry
	}
	return nil
}

// findGenerationLocked returns the entry that an item of cid with the given
// seqno belongs to, which may be a dropped generation.
func (m *VBManifest) findGenerationLocked(cid CollectionID, seqno uint64) *collectionEntry {
	if entry, ok := m.collections[cid]; ok && seqno >= entry.startSeqno {
		return entry
	}
	for _, e := range m.dropped[cid] {
		if seqno >= e.startSeqno && seqno < e.endSeqno {
			return e.collectionEntry
		}
	}
	return nil
}

func (m *VBManifest) String() string {
	rh := m.Lock()
	defer rh.Unlock()

	return fmt.Sprintf("VBManifest{uid:%s, collections:%v, scopes:%v, dropped:%v}",
		m.uid, sortedKeys(m.collections), sortedKeys(m.scopes), sortedKeys(m.dropped))
}

func sortedKeys[K CollectionID | ScopeID, V any](in map[K]V) []K {
	keys := make([]K, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
