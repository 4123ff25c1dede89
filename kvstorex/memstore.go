package kvstorex

import (
	"bytes"
	"sync"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

type memVbucket struct {
	items map[string]*collectionsx.Item
	local map[string][]byte
}

// MemStore is a KVStore which keeps everything in memory. It is used by
// ephemeral buckets and by tests.
type MemStore struct {
	lock     sync.RWMutex
	closed   bool
	vbuckets map[uint16]*memVbucket
}

var _ KVStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		vbuckets: make(map[uint16]*memVbucket),
	}
}

func (s *MemStore) vbucketLocked(vbid uint16, create bool) *memVbucket {
	vb, ok := s.vbuckets[vbid]
	if !ok && create {
		vb = &memVbucket{
			items: make(map[string]*collectionsx.Item),
			local: make(map[string][]byte),
		}
		s.vbuckets[vbid] = vb
	}
	return vb
}

func (s *MemStore) GetCollectionsManifest(vbid uint16) ([]byte, error) {
	data, err := s.GetLocalDoc(vbid, LocalDocManifest)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (s *MemStore) GetLocalDoc(vbid uint16, name string) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	vb := s.vbucketLocked(vbid, false)
	if vb == nil {
		return nil, errors.Wrapf(ErrNotFound, "local doc %s", name)
	}
	data, ok := vb.local[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "local doc %s", name)
	}
	return slices.Clone(data), nil
}

func (s *MemStore) Get(vbid uint16, key collectionsx.DocKey) (*collectionsx.Item, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	vb := s.vbucketLocked(vbid, false)
	if vb == nil {
		return nil, errors.Wrapf(ErrNotFound, "key %s", key)
	}
	item, ok := vb.items[string(key)]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "key %s", key)
	}
	return item.Clone(), nil
}

func (s *MemStore) Scan(vbid uint16, fn func(item *collectionsx.Item) error) error {
	s.lock.RLock()
	if s.closed {
		s.lock.RUnlock()
		return ErrClosed
	}

	var items []*collectionsx.Item
	if vb := s.vbucketLocked(vbid, false); vb != nil {
		items = make([]*collectionsx.Item, 0, len(vb.items))
		for _, item := range vb.items {
			items = append(items, item.Clone())
		}
	}
	s.lock.RUnlock()

	slices.SortFunc(items, func(a, b *collectionsx.Item) int {
		return bytes.Compare(a.Key, b.Key)
	})

	for _, item := range items {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) Commit(vbid uint16, batch *FlushBatch) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrClosed
	}

	vb := s.vbucketLocked(vbid, true)
	for _, item := range batch.Items {
		vb.items[string(item.Key)] = item.Clone()
	}
	for name, value := range batch.LocalDocs {
		if value == nil {
			delete(vb.local, name)
			continue
		}
		vb.local[name] = slices.Clone(value)
	}
	return nil
}

func (s *MemStore) EraseWhere(vbid uint16, pred func(item *collectionsx.Item) bool) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	vb := s.vbucketLocked(vbid, false)
	if vb == nil {
		return 0, nil
	}

	erased := 0
	for key, item := range vb.items {
		if pred(item) {
			delete(vb.items, key)
			erased++
		}
	}
	return erased, nil
}

func (s *MemStore) ListVbuckets() ([]uint16, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	vbids := make([]uint16, 0, len(s.vbuckets))
	for vbid := range s.vbuckets {
		vbids = append(vbids, vbid)
	}
	slices.Sort(vbids)
	return vbids, nil
}

func (s *MemStore) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.closed = true
	return nil
}
