package kvcollectionsx

import (
	"sync"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

const persistenceCursorName = "persistence"

// checkpointQueue is the ordered in-memory log of one vbucket. Mutations and
// system events get their seqno as they enter, so the seqno order is the
// queue order. Items are read through named cursors and are released once
// every cursor has moved past them.
type checkpointQueue struct {
	lock      sync.Mutex
	highSeqno uint64
	items     []*collectionsx.Item
	cursors   map[string]uint64
}

func newCheckpointQueue(highSeqno uint64) *checkpointQueue {
	return &checkpointQueue{
		highSeqno: highSeqno,
		cursors: map[string]uint64{
			persistenceCursorName: highSeqno,
		},
	}
}

// Enqueue assigns the next seqno to item and appends it.
func (q *checkpointQueue) Enqueue(item *collectionsx.Item) uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.highSeqno++
	item.BySeqno = q.highSeqno
	q.items = append(q.items, item)
	return q.highSeqno
}

// EnqueueWithSeqno appends an item which already carries a seqno, as
// replicated items do. Seqnos must keep increasing.
func (q *checkpointQueue) EnqueueWithSeqno(item *collectionsx.Item) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if item.BySeqno <= q.highSeqno {
		return errors.Wrapf(enginex.ErrOutOfRange, "seqno %d is not after high seqno %d",
			item.BySeqno, q.highSeqno)
	}

	q.highSeqno = item.BySeqno
	q.items = append(q.items, item)
	return nil
}

func (q *checkpointQueue) HighSeqno() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.highSeqno
}

// RegisterCursor creates a cursor which will next read the first item after
// startSeqno. When the items between startSeqno and the start of the queue
// have been released, the cursor is placed at the start of the queue and the
// returned seqno is the end of the range the caller must read from disk.
func (q *checkpointQueue) RegisterCursor(name string, startSeqno uint64) (backfillEnd uint64, needsBackfill bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	retainedFrom := q.highSeqno
	if len(q.items) > 0 {
		retainedFrom = q.items[0].BySeqno - 1
	}

	if startSeqno >= retainedFrom {
		q.cursors[name] = startSeqno
		return 0, false
	}

	q.cursors[name] = retainedFrom
	return retainedFrom, true
}

func (q *checkpointQueue) RemoveCursor(name string) {
	q.lock.Lock()
	defer q.lock.Unlock()

	delete(q.cursors, name)
	q.trimLocked()
}

func (q *checkpointQueue) indexAfterLocked(seqno uint64) int {
	idx, found := slices.BinarySearchFunc(q.items, seqno, func(item *collectionsx.Item, seqno uint64) int {
		switch {
		case item.BySeqno < seqno:
			return -1
		case item.BySeqno > seqno:
			return 1
		}
		return 0
	})
	if found {
		idx++
	}
	return idx
}

// Peek returns up to max items after the cursor without moving it.
func (q *checkpointQueue) Peek(name string, max int) []*collectionsx.Item {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.peekLocked(name, max)
}

func (q *checkpointQueue) peekLocked(name string, max int) []*collectionsx.Item {
	pos, ok := q.cursors[name]
	if !ok {
		return nil
	}

	idx := q.indexAfterLocked(pos)
	end := len(q.items)
	if max > 0 && idx+max < end {
		end = idx + max
	}
	return slices.Clone(q.items[idx:end])
}

// Next returns up to max items after the cursor and moves the cursor past
// them.
func (q *checkpointQueue) Next(name string, max int) []*collectionsx.Item {
	q.lock.Lock()
	defer q.lock.Unlock()

	items := q.peekLocked(name, max)
	if len(items) > 0 {
		q.cursors[name] = items[len(items)-1].BySeqno
		q.trimLocked()
	}
	return items
}

// Advance moves the cursor to seqno.
func (q *checkpointQueue) Advance(name string, seqno uint64) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if pos, ok := q.cursors[name]; !ok || seqno <= pos {
		return
	}
	q.cursors[name] = seqno
	q.trimLocked()
}

// MinCursorSeqno returns the lowest seqno that every cursor has read up to.
func (q *checkpointQueue) MinCursorSeqno() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.minCursorLocked()
}

func (q *checkpointQueue) minCursorLocked() uint64 {
	min := q.highSeqno
	for _, pos := range q.cursors {
		if pos < min {
			min = pos
		}
	}
	return min
}

func (q *checkpointQueue) trimLocked() {
	idx := q.indexAfterLocked(q.minCursorLocked())
	if idx == 0 {
		return
	}
	q.items = slices.Delete(q.items, 0, idx)
}

func (q *checkpointQueue) NumItems() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return len(q.items)
}

func (q *checkpointQueue) NumCursors() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return len(q.cursors)
}
