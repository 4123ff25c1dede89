package kvcollectionsx

import (
	"sync"
	"time"

	"github.com/couchbase/kvcollectionsx/collectionsx"
)

// storedValue is the in-memory state of one key. Deleted items are kept as
// tombstones so that their metadata survives until the key is written again.
type storedValue struct {
	item        *collectionsx.Item
	resident    bool
	lockedUntil time.Time
}

func (sv *storedValue) isLocked(now time.Time) bool {
	return now.Before(sv.lockedUntil)
}

func (sv *storedValue) isExpired(now time.Time) bool {
	return !sv.item.Deleted && sv.item.Expiry != 0 && int64(sv.item.Expiry) <= now.Unix()
}

// memSize is what the value contributes to the mem_used of its collection.
func (sv *storedValue) memSize() int64 {
	if sv == nil {
		return 0
	}
	return int64(len(sv.item.Key) + len(sv.item.Value))
}

// hashTable holds the in-memory documents of a vbucket. Callers hold the
// collections read handle for the key before taking the table lock.
type hashTable struct {
	lock  sync.Mutex
	items map[string]*storedValue
}

func newHashTable() *hashTable {
	return &hashTable{
		items: make(map[string]*storedValue),
	}
}

func (ht *hashTable) findLocked(key collectionsx.DocKey) *storedValue {
	return ht.items[string(key)]
}

func (ht *hashTable) setLocked(sv *storedValue) {
	ht.items[string(sv.item.Key)] = sv
}

func (ht *hashTable) Len() int {
	ht.lock.Lock()
	defer ht.lock.Unlock()

	return len(ht.items)
}

// RemoveWhere drops every entry matching pred and returns how many were
// dropped.
func (ht *hashTable) RemoveWhere(pred func(sv *storedValue) bool) int {
	ht.lock.Lock()
	defer ht.lock.Unlock()

	removed := 0
	for key, sv := range ht.items {
		if pred(sv) {
			delete(ht.items, key)
			removed++
		}
	}
	return removed
}
