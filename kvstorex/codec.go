package kvstorex

import (
	"encoding/binary"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/pkg/errors"
)

const itemHeaderLen = 1 + 4 + 4 + 8 + 8 + 8 + 1 + 1 + 1

const itemFlagDeleted = 0x01

// encodeItem writes an item's metadata followed by its value. The key is not
// included, it is the record key of the store.
func encodeItem(item *collectionsx.Item) []byte {
	buf := make([]byte, 0, itemHeaderLen+len(item.Value))
	buf = append(buf, uint8(item.Datatype))
	buf = binary.BigEndian.AppendUint32(buf, item.Flags)
	buf = binary.BigEndian.AppendUint32(buf, item.Expiry)
	buf = binary.BigEndian.AppendUint64(buf, item.Cas)
	buf = binary.BigEndian.AppendUint64(buf, item.BySeqno)
	buf = binary.BigEndian.AppendUint64(buf, item.RevSeqno)

	var flags uint8
	if item.Deleted {
		flags |= itemFlagDeleted
	}
	buf = append(buf, flags, uint8(item.Op), 0)
	return append(buf, item.Value...)
}

func decodeItem(key, data []byte) (*collectionsx.Item, error) {
	if len(data) < itemHeaderLen {
		return nil, errors.Wrapf(enginex.ErrInvalidArguments, "stored item is truncated (len:%d)", len(data))
	}

	item := &collectionsx.Item{
		Key:      append(collectionsx.DocKey(nil), key...),
		Datatype: enginex.DatatypeFlag(data[0]),
		Flags:    binary.BigEndian.Uint32(data[1:]),
		Expiry:   binary.BigEndian.Uint32(data[5:]),
		Cas:      binary.BigEndian.Uint64(data[9:]),
		BySeqno:  binary.BigEndian.Uint64(data[17:]),
		RevSeqno: binary.BigEndian.Uint64(data[25:]),
		Deleted:  data[33]&itemFlagDeleted != 0,
		Op:       collectionsx.Operation(data[34]),
	}
	if len(data) > itemHeaderLen {
		item.Value = append([]byte(nil), data[itemHeaderLen:]...)
	}
	return item, nil
}
