package collectionsx

import (
	"encoding/binary"

	"github.com/couchbase/kvcollectionsx/enginex"
)

const persistedManifestVersion = 1

type OpenCollection struct {
	CollectionID CollectionID
	ScopeID      ScopeID
	Name         string
	StartSeqno   uint64
	MaxTTL       *uint32
}

type OpenScope struct {
	ScopeID    ScopeID
	Name       string
	StartSeqno uint64
}

type PersistedDroppedCollection struct {
	CollectionID CollectionID
	ScopeID      ScopeID
	StartSeqno   uint64
	EndSeqno     uint64
}

type PersistedDroppedScope struct {
	ScopeID    ScopeID
	StartSeqno uint64
	EndSeqno   uint64
}

// PersistedManifest is the collections state of a vbucket as written by the
// flusher and read back at warmup.
type PersistedManifest struct {
	Uid         ManifestUid
	Collections []OpenCollection
	Scopes      []OpenScope
	Dropped     []PersistedDroppedCollection

	DroppedScopes []PersistedDroppedScope
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// EncodePersistedManifest serializes the snapshot. The encoding is:
// version(1) uid(8), then counted lists of collections, scopes, dropped
// collections and dropped scopes, every count being 4 bytes. All integers are big endian.
func EncodePersistedManifest(p *PersistedManifest) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, persistedManifestVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Uid))

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Collections)))
	for _, c := range p.Collections {
		buf = binary.BigEndian.AppendUint32(buf, uint32(c.CollectionID))
		buf = binary.BigEndian.AppendUint32(buf, uint32(c.ScopeID))
		buf = binary.BigEndian.AppendUint64(buf, c.StartSeqno)
		if c.MaxTTL != nil {
			buf = append(buf, 1)
			buf = binary.BigEndian.AppendUint32(buf, *c.MaxTTL)
		} else {
			buf = append(buf, 0)
			buf = binary.BigEndian.AppendUint32(buf, 0)
		}
		buf = appendString(buf, c.Name)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Scopes)))
	for _, s := range p.Scopes {
		buf = binary.BigEndian.AppendUint32(buf, uint32(s.ScopeID))
		buf = binary.BigEndian.AppendUint64(buf, s.StartSeqno)
		buf = appendString(buf, s.Name)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Dropped)))
	for _, d := range p.Dropped {
		buf = binary.BigEndian.AppendUint32(buf, uint32(d.CollectionID))
		buf = binary.BigEndian.AppendUint32(buf, uint32(d.ScopeID))
		buf = binary.BigEndian.AppendUint64(buf, d.StartSeqno)
		buf = binary.BigEndian.AppendUint64(buf, d.EndSeqno)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.DroppedScopes)))
	for _, d := range p.DroppedScopes {
		buf = binary.BigEndian.AppendUint32(buf, uint32(d.ScopeID))
		buf = binary.BigEndian.AppendUint64(buf, d.StartSeqno)
		buf = binary.BigEndian.AppendUint64(buf, d.EndSeqno)
	}

	return buf
}

type snapshotReader struct {
	buf []byte
	err error
}

func (r *snapshotReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = enginex.InvalidArgumentsError{Message: "persisted manifest is truncated"}
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *snapshotReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *snapshotReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *snapshotReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *snapshotReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *snapshotReader) str() string {
	n := r.u16()
	return string(r.take(int(n)))
}

// count reads a list length, rejecting lengths which cannot fit in the
// remaining buffer at minSize bytes per element.
func (r *snapshotReader) count(minSize int) int {
	n := int(r.u32())
	if r.err == nil && n*minSize > len(r.buf) {
		r.err = enginex.InvalidArgumentsError{Message: "persisted manifest list length is invalid"}
		return 0
	}
	return n
}

// DecodePersistedManifest parses a snapshot written by EncodePersistedManifest.
// An empty buffer decodes to the state of a new vbucket.
func DecodePersistedManifest(data []byte) (*PersistedManifest, error) {
	if len(data) == 0 {
		return &PersistedManifest{
			Collections: []OpenCollection{{
				CollectionID: CollectionIDDefault,
				ScopeID:      ScopeIDDefault,
				Name:         DefaultCollectionName,
			}},
			Scopes: []OpenScope{{
				ScopeID: ScopeIDDefault,
				Name:    DefaultScopeName,
			}},
		}, nil
	}

	r := &snapshotReader{buf: data}
	if version := r.u8(); version != persistedManifestVersion {
		return nil, enginex.InvalidArgumentsError{
			Message: "unsupported persisted manifest version",
		}
	}

	p := &PersistedManifest{
		Uid: ManifestUid(r.u64()),
	}

	numCollections := r.count(23)
	for i := 0; i < numCollections && r.err == nil; i++ {
		c := OpenCollection{
			CollectionID: CollectionID(r.u32()),
			ScopeID:      ScopeID(r.u32()),
			StartSeqno:   r.u64(),
		}
		ttlValid := r.u8()
		maxTTL := r.u32()
		if ttlValid != 0 {
			c.MaxTTL = &maxTTL
		}
		c.Name = r.str()
		p.Collections = append(p.Collections, c)
	}

	numScopes := r.count(14)
	for i := 0; i < numScopes && r.err == nil; i++ {
		p.Scopes = append(p.Scopes, OpenScope{
			ScopeID:    ScopeID(r.u32()),
			StartSeqno: r.u64(),
			Name:       r.str(),
		})
	}

	numDropped := r.count(24)
	for i := 0; i < numDropped && r.err == nil; i++ {
		p.Dropped = append(p.Dropped, PersistedDroppedCollection{
			CollectionID: CollectionID(r.u32()),
			ScopeID:      ScopeID(r.u32()),
			StartSeqno:   r.u64(),
			EndSeqno:     r.u64(),
		})
	}

	numDroppedScopes := r.count(20)
	for i := 0; i < numDroppedScopes && r.err == nil; i++ {
		p.DroppedScopes = append(p.DroppedScopes, PersistedDroppedScope{
			ScopeID:    ScopeID(r.u32()),
			StartSeqno: r.u64(),
			EndSeqno:   r.u64(),
		})
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, enginex.InvalidArgumentsError{Message: "persisted manifest has trailing data"}
	}
	return p, nil
}
