package collectionsx

import (
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/golang/snappy"
)

type Operation uint8

const (
	OperationMutation Operation = iota
	OperationDeletion
	OperationExpiration
	OperationSystemEvent
)

func (o Operation) String() string {
	switch o {
	case OperationMutation:
		return "mutation"
	case OperationDeletion:
		return "deletion"
	case OperationExpiration:
		return "expiration"
	case OperationSystemEvent:
		return "system_event"
	}
	return "unknown"
}

// Item is a document (or system event) as it travels through the queue,
// persistence and replication paths.
type Item struct {
	Key      DocKey
	Value    []byte
	Datatype enginex.DatatypeFlag
	Flags    uint32
	Expiry   uint32
	Cas      uint64
	BySeqno  uint64
	RevSeqno uint64
	Deleted  bool
	Op       Operation
}

func (i *Item) CollectionID() CollectionID {
	return i.Key.CollectionID()
}

func (i *Item) IsSystemEvent() bool {
	return i.Op == OperationSystemEvent
}

// IsDeleted is true for deletions, expirations and drop system events.
func (i *Item) IsDeleted() bool {
	return i.Deleted
}

// DecompressValue inflates a snappy compressed value in place.
func (i *Item) DecompressValue() error {
	if i.Datatype&enginex.DatatypeFlagCompressed == 0 {
		return nil
	}

	value, err := snappy.Decode(nil, i.Value)
	if err != nil {
		return enginex.InvalidArgumentsError{
			Message: "failed to inflate value",
			Cause:   err,
		}
	}

	i.Value = value
	i.Datatype &^= enginex.DatatypeFlagCompressed
	return nil
}

// UncompressedValue returns the inflated value without modifying the item,
// which may be shared with other readers.
func (i *Item) UncompressedValue() ([]byte, error) {
	if i.Datatype&enginex.DatatypeFlagCompressed == 0 {
		return i.Value, nil
	}

	value, err := snappy.Decode(nil, i.Value)
	if err != nil {
		return nil, enginex.InvalidArgumentsError{
			Message: "failed to inflate value",
			Cause:   err,
		}
	}
	return value, nil
}

// CompressValue snappy compresses the value in place when doing so saves
// space.
func (i *Item) CompressValue() {
	if i.Datatype&enginex.DatatypeFlagCompressed != 0 || len(i.Value) == 0 {
		return
	}

	compressed := snappy.Encode(nil, i.Value)
	if len(compressed) >= len(i.Value) {
		return
	}

	i.Value = compressed
	i.Datatype |= enginex.DatatypeFlagCompressed
}

// Clone returns a deep copy so that queued items are never shared with
// callers.
func (i *Item) Clone() *Item {
	c := *i
	c.Key = append(DocKey(nil), i.Key...)
	if i.Value != nil {
		c.Value = append([]byte(nil), i.Value...)
	}
	return &c
}
