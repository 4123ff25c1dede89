package zaputils

import (
	"fmt"

	"go.uber.org/zap"
)

func BucketName(key string, val string) zap.Field {
	return zap.String(key, val)
}

func ScopeName(key string, val string) zap.Field {
	return zap.String(key, val)
}

func CollectionName(key string, val string) zap.Field {
	return zap.String(key, val)
}

func CollectionID(key string, val uint32) zap.Field {
	return zap.String(key, fmt.Sprintf("0x%x", val))
}

func ScopeID(key string, val uint32) zap.Field {
	return zap.String(key, fmt.Sprintf("0x%x", val))
}

func ManifestUid(key string, val uint64) zap.Field {
	return zap.String(key, fmt.Sprintf("%x", val))
}

func Vbid(key string, val uint16) zap.Field {
	return zap.Uint16(key, val)
}

type LoggableDocKey struct {
	BucketName   string
	Vbid         uint16
	CollectionID uint32
	Key          []byte
}

func (e LoggableDocKey) String() string {
	if e.Key == nil {
		return fmt.Sprintf("%s/vb:%d/cid:0x%x", e.BucketName, e.Vbid, e.CollectionID)
	}

	return fmt.Sprintf("%s/vb:%d/cid:0x%x:%s", e.BucketName, e.Vbid, e.CollectionID, e.Key)
}

// DocKey renders a key with the bucket, vbucket and collection it lives in.
func DocKey(key string, bucket string, vbid uint16, cid uint32, docKey []byte) zap.Field {
	return zap.Stringer(key, LoggableDocKey{
		BucketName:   bucket,
		Vbid:         vbid,
		CollectionID: cid,
		Key:          docKey,
	})
}

func FQCollection(key string, bucket string, vbid uint16, cid uint32) zap.Field {
	// we just reuse the same logic as above
	return DocKey(key, bucket, vbid, cid, nil)
}
