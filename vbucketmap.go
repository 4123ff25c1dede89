package kvcollectionsx

import (
	"hash/crc32"

	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/pkg/errors"
)

// VbucketMap maps document keys to the vbucket which owns them.
type VbucketMap struct {
	numVbuckets uint16
}

func NewVbucketMap(numVbuckets uint16) (*VbucketMap, error) {
	if numVbuckets == 0 {
		return nil, errors.Wrap(enginex.ErrInvalidArguments, "vbucket map must have at least a single vbucket")
	}

	return &VbucketMap{
		numVbuckets: numVbuckets,
	}, nil
}

func (vbMap VbucketMap) NumVbuckets() uint16 {
	return vbMap.numVbuckets
}

// VbucketByKey hashes the logical key, without its collection prefix, so a
// key maps to the same vbucket in every collection.
func (vbMap VbucketMap) VbucketByKey(key []byte) uint16 {
	if vbMap.numVbuckets == 0 {
		// prevent divide-by-zero panic's
		return 0
	}

	crc := crc32.ChecksumIEEE(key)
	crcMidBits := uint16(crc>>16) & ^uint16(0x8000)
	return crcMidBits % vbMap.numVbuckets
}

// IsValid reports whether vbid is owned by this map.
func (vbMap VbucketMap) IsValid(vbid uint16) bool {
	return vbid < vbMap.numVbuckets
}
