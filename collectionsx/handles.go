package collectionsx

import (
	"fmt"

	"github.com/couchbase/kvcollectionsx/enginex"
)

// ReadHandle holds the VBManifest read lock until Unlock is called. Handles
// are for the duration of a single query and must not be retained.
type ReadHandle struct {
	m *VBManifest
}

// Lock returns a handle holding the read lock of the manifest.
func (m *VBManifest) Lock() *ReadHandle {
	m.lock.RLock()
	return &ReadHandle{m: m}
}

// Unlock releases the read lock. Calling it again is a no-op.
func (h *ReadHandle) Unlock() {
	if h.m == nil {
		return
	}
	h.m.lock.RUnlock()
	h.m = nil
}

func (h *ReadHandle) unknownCollection(cid CollectionID) error {
	return enginex.UnknownCollectionError{
		ManifestUid: uint64(h.m.uid),
		Context:     cid.String(),
	}
}

// GetManifestUid returns the uid of the manifest the vbucket is at.
func (h *ReadHandle) GetManifestUid() ManifestUid {
	return h.m.uid
}

// DoesKeyContainValidCollection reports whether the collection encoded in
// the key is open. Dropped collections are not valid even though their items
// may still exist.
func (h *ReadHandle) DoesKeyContainValidCollection(key DocKey) bool {
	_, ok := h.m.collections[key.CollectionID()]
	return ok
}

// IsCollectionOpen reports whether cid exists and is not dropped.
func (h *ReadHandle) IsCollectionOpen(cid CollectionID) bool {
	_, ok := h.m.collections[cid]
	return ok
}

// IsScopeOpen reports whether sid exists and is not dropped.
func (h *ReadHandle) IsScopeOpen(sid ScopeID) bool {
	_, ok := h.m.scopes[sid]
	return ok
}

func (h *ReadHandle) DoesDefaultCollectionExist() bool {
	return h.IsCollectionOpen(CollectionIDDefault)
}

// IsLogicallyDeleted reports whether an item of the given key and seqno
// belongs to a dropped generation of its collection.
func (h *ReadHandle) IsLogicallyDeleted(key DocKey, seqno uint64) bool {
	if key.IsInSystemCollection() {
		return false
	}

	entry, ok := h.m.collections[key.CollectionID()]
	if !ok {
		return true
	}
	return seqno < entry.startSeqno
}

// GetScopeID returns the scope an open collection belongs to.
func (h *ReadHandle) GetScopeID(cid CollectionID) (ScopeID, bool) {
	entry, ok := h.m.collections[cid]
	if !ok {
		return 0, false
	}
	return entry.sid, true
}

// GetCollectionName returns the name of an open collection.
func (h *ReadHandle) GetCollectionName(cid CollectionID) (string, bool) {
	entry, ok := h.m.collections[cid]
	if !ok {
		return "", false
	}
	return entry.name, true
}

// GetMaxTTL returns the max TTL of an open collection, nil when it has none.
func (h *ReadHandle) GetMaxTTL(cid CollectionID) (*uint32, bool) {
	entry, ok := h.m.collections[cid]
	if !ok {
		return nil, false
	}
	return entry.maxTTL, true
}

// GetCollectionsForScope returns the open collections of an open scope.
func (h *ReadHandle) GetCollectionsForScope(sid ScopeID) ([]CollectionID, bool) {
	scope, ok := h.m.scopes[sid]
	if !ok {
		return nil, false
	}
	return sortedKeys(scope.collections), true
}

// GetCollectionIDs returns the open collections in ascending order.
func (h *ReadHandle) GetCollectionIDs() []CollectionID {
	return sortedKeys(h.m.collections)
}

// GetItemCount returns the item count of an open collection, or of a dropped
// collection which has not yet been erased.
func (h *ReadHandle) GetItemCount(cid CollectionID) (uint64, error) {
	entry := h.m.findEntryLocked(cid)
	if entry == nil {
		return 0, h.unknownCollection(cid)
	}
	return entry.itemCount.Load(), nil
}

// GetDiskSize returns the persisted size of a collection, dropped ones
// included until erased.
func (h *ReadHandle) GetDiskSize(cid CollectionID) (int64, error) {
	entry := h.m.findEntryLocked(cid)
	if entry == nil {
		return 0, h.unknownCollection(cid)
	}
	return entry.diskSize.Load(), nil
}

// GetMemUsed returns the memory the in-memory documents of a collection use.
func (h *ReadHandle) GetMemUsed(cid CollectionID) (int64, error) {
	entry := h.m.findEntryLocked(cid)
	if entry == nil {
		return 0, h.unknownCollection(cid)
	}
	return entry.memUsed.Load(), nil
}

// GetHighSeqno returns the seqno of the last mutation queued to a collection.
func (h *ReadHandle) GetHighSeqno(cid CollectionID) (uint64, error) {
	entry := h.m.findEntryLocked(cid)
	if entry == nil {
		return 0, h.unknownCollection(cid)
	}
	return entry.highSeqno.Load(), nil
}

// GetPersistedHighSeqno returns the seqno of the last flushed mutation of a
// collection.
func (h *ReadHandle) GetPersistedHighSeqno(cid CollectionID) (uint64, error) {
	entry := h.m.findEntryLocked(cid)
	if entry == nil {
		return 0, h.unknownCollection(cid)
	}
	return entry.persistedHighSeqno.Load(), nil
}

// AddStats reports the per-collection state of the manifest.
func (h *ReadHandle) AddStats(vbid uint16, addStat func(key, value string)) {
	prefix := fmt.Sprintf("vb_%d:", vbid)
	addStat(prefix+"manifest:uid", h.m.uid.String())
	addStat(prefix+"manifest:collections", fmt.Sprintf("%d", len(h.m.collections)))
	addStat(prefix+"manifest:scopes", fmt.Sprintf("%d", len(h.m.scopes)))
	addStat(prefix+"manifest:dropped_collections", fmt.Sprintf("%d", len(h.m.dropped)))

	for _, cid := range sortedKeys(h.m.collections) {
		entry := h.m.collections[cid]
		cprefix := fmt.Sprintf("%s%s:%s:", prefix, entry.sid, cid)
		addStat(cprefix+"name", entry.name)
		addStat(cprefix+"start_seqno", fmt.Sprintf("%d", entry.startSeqno))
		addStat(cprefix+"items", fmt.Sprintf("%d", entry.itemCount.Load()))
		addStat(cprefix+"disk_size", fmt.Sprintf("%d", entry.diskSize.Load()))
		addStat(cprefix+"mem_used", fmt.Sprintf("%d", entry.memUsed.Load()))
		addStat(cprefix+"high_seqno", fmt.Sprintf("%d", entry.highSeqno.Load()))
		addStat(cprefix+"persisted_high_seqno", fmt.Sprintf("%d", entry.persistedHighSeqno.Load()))
		if entry.maxTTL != nil {
			addStat(cprefix+"maxTTL", fmt.Sprintf("%d", *entry.maxTTL))
		}
	}

	for _, sid := range sortedKeys(h.m.scopes) {
		scope := h.m.scopes[sid]
		sprefix := fmt.Sprintf("%s%s:", prefix, sid)
		addStat(sprefix+"name", scope.name)
		addStat(sprefix+"collections", fmt.Sprintf("%d", len(scope.collections)))
	}
}

// CachingReadHandle is a ReadHandle bound to one key, with the lookup of the
// key's collection done once up front.
type CachingReadHandle struct {
	ReadHandle
	key   DocKey
	entry *collectionEntry
}

// LockKey returns a read handle which has already resolved the collection of
// the given key.
func (m *VBManifest) LockKey(key DocKey) *CachingReadHandle {
	m.lock.RLock()
	return &CachingReadHandle{
		ReadHandle: ReadHandle{m: m},
		key:        key,
		entry:      m.collections[key.CollectionID()],
	}
}

// Valid reports whether the key's collection is open.
func (h *CachingReadHandle) Valid() bool {
	return h.entry != nil
}

func (h *CachingReadHandle) Key() DocKey {
	return h.key
}

// UnknownCollectionError returns the error to report for an item operation
// against an invalid key.
func (h *CachingReadHandle) UnknownCollectionError() error {
	return h.unknownCollection(h.key.CollectionID())
}

// IsLogicallyDeleted reports whether an item with seqno in this key's
// collection belongs to a dropped generation.
func (h *CachingReadHandle) IsLogicallyDeleted(seqno uint64) bool {
	if h.key.IsInSystemCollection() {
		return false
	}
	return h.entry == nil || seqno < h.entry.startSeqno
}

// GetMaxTTL returns the max TTL of the key's collection, nil when it has
// none or the collection is not open.
func (h *CachingReadHandle) GetMaxTTL() *uint32 {
	if h.entry == nil {
		return nil
	}
	return h.entry.maxTTL
}

func (h *CachingReadHandle) GetScopeID() ScopeID {
	if h.entry == nil {
		return 0
	}
	return h.entry.sid
}

// UpdateMemUsed adjusts the mem_used of the key's collection by delta.
func (h *CachingReadHandle) UpdateMemUsed(delta int64) {
	if h.entry != nil {
		h.entry.memUsed.Add(delta)
	}
}

// SetHighSeqno raises the collection's high seqno to seqno if it is higher.
func (h *CachingReadHandle) SetHighSeqno(seqno uint64) {
	if h.entry != nil {
		h.entry.setHighSeqno(seqno)
	}
}
