package collectionsx

// FlushAccounting collects the per-collection counter changes of one flush
// batch. Changes are resolved to the collection generation the item belongs
// to, and only become visible once Commit is called after the batch has been
// persisted.
type FlushAccounting struct {
	m      *VBManifest
	deltas map[*collectionEntry]*flushDelta
}

type flushDelta struct {
	items     int64
	diskSize  int64
	highSeqno uint64
}

func (m *VBManifest) NewFlushAccounting() *FlushAccounting {
	return &FlushAccounting{
		m:      m,
		deltas: make(map[*collectionEntry]*flushDelta),
	}
}

func (a *FlushAccounting) deltaFor(cid CollectionID, seqno uint64) *flushDelta {
	a.m.lock.RLock()
	entry := a.m.findGenerationLocked(cid, seqno)
	a.m.lock.RUnlock()

	if entry == nil {
		return nil
	}

	d, ok := a.deltas[entry]
	if !ok {
		d = &flushDelta{}
		a.deltas[entry] = d
	}
	return d
}

// AddItem records an item written by the batch. Items of erased generations
// are ignored.
func (a *FlushAccounting) AddItem(cid CollectionID, seqno uint64, live bool, size int64) {
	d := a.deltaFor(cid, seqno)
	if d == nil {
		return
	}

	if live {
		d.items++
	}
	d.diskSize += size
	if seqno > d.highSeqno {
		d.highSeqno = seqno
	}
}

// RemoveItem records that the on-disk version of a key, written at seqno, is
// replaced by the batch.
func (a *FlushAccounting) RemoveItem(cid CollectionID, seqno uint64, live bool, size int64) {
	d := a.deltaFor(cid, seqno)
	if d == nil {
		return
	}

	if live {
		d.items--
	}
	d.diskSize -= size
}

// StatDocs returns the stats documents to write alongside the batch, one for
// each touched collection whose latest generation was touched.
func (a *FlushAccounting) StatDocs() map[CollectionID]PersistedStats {
	a.m.lock.RLock()
	defer a.m.lock.RUnlock()

	out := make(map[CollectionID]PersistedStats)
	for entry, d := range a.deltas {
		if a.m.findEntryLocked(entry.cid) != entry {
			continue
		}

		items := int64(entry.itemCount.Load()) + d.items
		if items < 0 {
			items = 0
		}
		highSeqno := entry.persistedHighSeqno.Load()
		if d.highSeqno > highSeqno {
			highSeqno = d.highSeqno
		}

		out[entry.cid] = PersistedStats{
			ItemCount: uint64(items),
			HighSeqno: highSeqno,
			DiskSize:  entry.diskSize.Load() + d.diskSize,
		}
	}
	return out
}

// Commit applies the recorded changes to the collection counters.
func (a *FlushAccounting) Commit() {
	for entry, d := range a.deltas {
		entry.adjustItemCount(d.items)
		entry.diskSize.Add(d.diskSize)
		for {
			cur := entry.persistedHighSeqno.Load()
			if d.highSeqno <= cur || entry.persistedHighSeqno.CompareAndSwap(cur, d.highSeqno) {
				break
			}
		}
	}
	a.deltas = make(map[*collectionEntry]*flushDelta)
}
