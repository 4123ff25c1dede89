package collectionsx

import (
	"encoding/binary"
	"fmt"

	"github.com/couchbase/kvcollectionsx/enginex"
)

// DocKey is a key as stored by the engine: the unsigned LEB128 encoding of
// the owning collection id followed by the client's key bytes.
type DocKey []byte

// MakeDocKey builds the stored form of key in collection cid.
func MakeDocKey(cid CollectionID, key []byte) DocKey {
	buf := make([]byte, 0, binary.MaxVarintLen32+len(key))
	buf = binary.AppendUvarint(buf, uint64(cid))
	return append(buf, key...)
}

// DecodeDocKey splits a stored key into its collection id and the client's key.
func DecodeDocKey(buf []byte) (CollectionID, []byte, error) {
	cid, n := binary.Uvarint(buf)
	if n <= 0 || cid > uint64(^uint32(0)) {
		return 0, nil, enginex.InvalidArgumentsError{
			Message: fmt.Sprintf("key has no valid collection prefix (len:%d)", len(buf)),
		}
	}
	return CollectionID(cid), buf[n:], nil
}

// CollectionID returns the collection the key belongs to. Malformed keys
// resolve to the system collection, which no user operation can target.
func (k DocKey) CollectionID() CollectionID {
	cid, _, err := DecodeDocKey(k)
	if err != nil {
		return CollectionIDSystem
	}
	return cid
}

// Key returns the key without its collection prefix.
func (k DocKey) Key() []byte {
	_, key, err := DecodeDocKey(k)
	if err != nil {
		return nil
	}
	return key
}

func (k DocKey) IsInSystemCollection() bool {
	return k.CollectionID() == CollectionIDSystem
}

func (k DocKey) IsInDefaultCollection() bool {
	return k.CollectionID() == CollectionIDDefault
}

func (k DocKey) String() string {
	cid, key, err := DecodeDocKey(k)
	if err != nil {
		return fmt.Sprintf("invalid:%x", []byte(k))
	}
	return fmt.Sprintf("cid:%s:%s", cid, key)
}
