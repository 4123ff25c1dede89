package kvstorex

import (
	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// Names of the local documents the collections layer keeps per vbucket.
const (
	LocalDocManifest = "_local/collections/manifest"
	LocalDocVBState  = "_local/vbstate"
)

// FlushBatch is everything a single flush writes for one vbucket. A store
// must apply a batch atomically.
type FlushBatch struct {
	// Items are written by key, deleted items being kept as tombstones.
	Items []*collectionsx.Item

	// LocalDocs are written by name, a nil value deletes the document.
	LocalDocs map[string][]byte
}

func (b *FlushBatch) SetLocalDoc(name string, value []byte) {
	if b.LocalDocs == nil {
		b.LocalDocs = make(map[string][]byte)
	}
	if value == nil {
		value = []byte{}
	}
	b.LocalDocs[name] = value
}

func (b *FlushBatch) DeleteLocalDoc(name string) {
	if b.LocalDocs == nil {
		b.LocalDocs = make(map[string][]byte)
	}
	b.LocalDocs[name] = nil
}

// KVStore is the persistence collaborator of the engine. Implementations
// must be safe for concurrent use.
type KVStore interface {
	// GetCollectionsManifest returns the persisted manifest snapshot of a
	// vbucket, or nil if nothing was ever persisted for it.
	GetCollectionsManifest(vbid uint16) ([]byte, error)

	// GetLocalDoc returns ErrNotFound for missing documents.
	GetLocalDoc(vbid uint16, name string) ([]byte, error)

	// Get returns ErrNotFound for missing keys. Tombstones are returned.
	Get(vbid uint16, key collectionsx.DocKey) (*collectionsx.Item, error)

	// Scan calls fn for every item of the vbucket in key order.
	Scan(vbid uint16, fn func(item *collectionsx.Item) error) error

	Commit(vbid uint16, batch *FlushBatch) error

	// EraseWhere removes every item for which pred returns true and returns
	// how many were removed.
	EraseWhere(vbid uint16, pred func(item *collectionsx.Item) bool) (int, error)

	// ListVbuckets returns every vbucket with persisted state.
	ListVbuckets() ([]uint16, error)

	Close() error
}
