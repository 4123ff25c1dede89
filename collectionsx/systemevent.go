package collectionsx

import (
	"encoding/binary"
	"fmt"

	"github.com/couchbase/kvcollectionsx/enginex"
)

// SystemEvent is the tag embedded in a system event key (and its flags) that
// says what kind of manifest entity the event describes. A create and a drop
// share the tag, a drop is the deleted form of the event item.
type SystemEvent uint32

const (
	SystemEventCollection SystemEvent = 0
	SystemEventScope      SystemEvent = 1
)

func (se SystemEvent) String() string {
	switch se {
	case SystemEventCollection:
		return "Collection"
	case SystemEventScope:
		return "Scope"
	}
	return fmt.Sprintf("SystemEvent(%d)", uint32(se))
}

func (se SystemEvent) valid() bool {
	return se == SystemEventCollection || se == SystemEventScope
}

// EventKind is the create/drop x collection/scope variant of a system event
// item.
type EventKind uint8

const (
	EventKindCreateCollection EventKind = iota
	EventKindDropCollection
	EventKindCreateScope
	EventKindDropScope
)

func (k EventKind) String() string {
	switch k {
	case EventKindCreateCollection:
		return "CreateCollection"
	case EventKindDropCollection:
		return "DropCollection"
	case EventKindCreateScope:
		return "CreateScope"
	case EventKindDropScope:
		return "DropScope"
	}
	return "Unknown"
}

const systemEventDataVersion = 0

// CollectionEventData is the value of a create-collection event.
type CollectionEventData struct {
	ManifestUid  ManifestUid
	ScopeID      ScopeID
	CollectionID CollectionID
	Name         string
	MaxTTL       *uint32
}

// DropCollectionEventData is the value of a drop-collection event.
type DropCollectionEventData struct {
	ManifestUid  ManifestUid
	ScopeID      ScopeID
	CollectionID CollectionID
}

type ScopeEventData struct {
	ManifestUid ManifestUid
	ScopeID     ScopeID
	Name        string
}

type DropScopeEventData struct {
	ManifestUid ManifestUid
	ScopeID     ScopeID
}

func makeSystemEventKey(se SystemEvent, id uint32) DocKey {
	buf := make([]byte, 0, 3*binary.MaxVarintLen32)
	buf = binary.AppendUvarint(buf, uint64(CollectionIDSystem))
	buf = binary.AppendUvarint(buf, uint64(se))
	buf = binary.AppendUvarint(buf, uint64(id))
	return buf
}

// MakeCollectionEventKey returns the key every event for cid is stored under.
func MakeCollectionEventKey(cid CollectionID) DocKey {
	return makeSystemEventKey(SystemEventCollection, uint32(cid))
}

func MakeScopeEventKey(sid ScopeID) DocKey {
	return makeSystemEventKey(SystemEventScope, uint32(sid))
}

func makeSystemEvent(key DocKey, se SystemEvent, data []byte, seqno *uint64) *Item {
	item := &Item{
		Key:   key,
		Value: data,
		Flags: uint32(se),
		Op:    OperationSystemEvent,
	}
	if seqno != nil {
		item.BySeqno = *seqno
	}
	return item
}

// MakeCollectionEvent returns a create event for cid. The caller marks the
// item deleted to turn it into a drop.
func MakeCollectionEvent(cid CollectionID, data []byte, seqno *uint64) *Item {
	return makeSystemEvent(MakeCollectionEventKey(cid), SystemEventCollection, data, seqno)
}

func MakeScopeEvent(sid ScopeID, data []byte, seqno *uint64) *Item {
	return makeSystemEvent(MakeScopeEventKey(sid), SystemEventScope, data, seqno)
}

// GetSystemEventType returns the event tag embedded in a system event key and
// the key bytes which follow it.
func GetSystemEventType(key DocKey) (SystemEvent, []byte, error) {
	cid, rest, err := DecodeDocKey(key)
	if err != nil {
		return 0, nil, err
	}
	if cid != CollectionIDSystem {
		return 0, nil, fmt.Errorf("key %s is not a system event: %w", key, enginex.ErrInvalidArgument)
	}

	se, n := binary.Uvarint(rest)
	if n <= 0 {
		return 0, nil, fmt.Errorf("system event key has no event tag: %w", enginex.ErrInvalidArgument)
	}
	if !SystemEvent(se).valid() {
		return 0, nil, fmt.Errorf("unknown system event %d: %w", se, enginex.ErrInvalidArgument)
	}

	return SystemEvent(se), rest[n:], nil
}

// GetTypeAndID returns the event tag and the scope or collection id encoded
// in a system event key.
func GetTypeAndID(key DocKey) (SystemEvent, uint32, error) {
	se, rest, err := GetSystemEventType(key)
	if err != nil {
		return 0, 0, err
	}

	id, n := binary.Uvarint(rest)
	if n <= 0 || id > uint64(^uint32(0)) {
		return 0, 0, fmt.Errorf("system event key has no id: %w", enginex.ErrInvalidArgument)
	}

	return se, uint32(id), nil
}

func GetCollectionIDFromKey(key DocKey) (CollectionID, error) {
	se, id, err := GetTypeAndID(key)
	if err != nil {
		return 0, err
	}
	if se != SystemEventCollection {
		return 0, fmt.Errorf("key is a %s event: %w", se, enginex.ErrInvalidArgument)
	}
	return CollectionID(id), nil
}

func GetScopeIDFromKey(key DocKey) (ScopeID, error) {
	se, id, err := GetTypeAndID(key)
	if err != nil {
		return 0, err
	}
	if se != SystemEventScope {
		return 0, fmt.Errorf("key is a %s event: %w", se, enginex.ErrInvalidArgument)
	}
	return ScopeID(id), nil
}

// GetEventKind classifies a system event item.
func GetEventKind(item *Item) (EventKind, error) {
	if !item.IsSystemEvent() {
		return 0, fmt.Errorf("item is not a system event: %w", enginex.ErrInvalidArgument)
	}

	se, _, err := GetSystemEventType(item.Key)
	if err != nil {
		return 0, err
	}
	if SystemEvent(item.Flags) != se {
		return 0, fmt.Errorf("system event flags %d do not match key tag %s: %w",
			item.Flags, se, enginex.ErrInvalidArgument)
	}

	switch {
	case se == SystemEventCollection && !item.Deleted:
		return EventKindCreateCollection, nil
	case se == SystemEventCollection:
		return EventKindDropCollection, nil
	case !item.Deleted:
		return EventKindCreateScope, nil
	default:
		return EventKindDropScope, nil
	}
}

func EncodeCollectionEventData(d CollectionEventData) []byte {
	buf := make([]byte, 0, 22+len(d.Name))
	buf = append(buf, systemEventDataVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(d.ManifestUid))
	buf = binary.BigEndian.AppendUint32(buf, uint32(d.ScopeID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(d.CollectionID))
	if d.MaxTTL != nil {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint32(buf, *d.MaxTTL)
	} else {
		buf = append(buf, 0)
		buf = binary.BigEndian.AppendUint32(buf, 0)
	}
	return append(buf, d.Name...)
}

func DecodeCollectionEventData(buf []byte) (CollectionEventData, error) {
	if len(buf) < 22 || buf[0] != systemEventDataVersion {
		return CollectionEventData{}, fmt.Errorf("malformed create collection data (len:%d): %w",
			len(buf), enginex.ErrInvalidArgument)
	}

	d := CollectionEventData{
		ManifestUid:  ManifestUid(binary.BigEndian.Uint64(buf[1:])),
		ScopeID:      ScopeID(binary.BigEndian.Uint32(buf[9:])),
		CollectionID: CollectionID(binary.BigEndian.Uint32(buf[13:])),
		Name:         string(buf[22:]),
	}
	if buf[17] != 0 {
		ttl := binary.BigEndian.Uint32(buf[18:])
		d.MaxTTL = &ttl
	}
	return d, nil
}

func EncodeDropCollectionEventData(d DropCollectionEventData) []byte {
	buf := make([]byte, 0, 17)
	buf = append(buf, systemEventDataVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(d.ManifestUid))
	buf = binary.BigEndian.AppendUint32(buf, uint32(d.ScopeID))
	return binary.BigEndian.AppendUint32(buf, uint32(d.CollectionID))
}

func DecodeDropCollectionEventData(buf []byte) (DropCollectionEventData, error) {
	if len(buf) != 17 || buf[0] != systemEventDataVersion {
		return DropCollectionEventData{}, fmt.Errorf("malformed drop collection data (len:%d): %w",
			len(buf), enginex.ErrInvalidArgument)
	}

	return DropCollectionEventData{
		ManifestUid:  ManifestUid(binary.BigEndian.Uint64(buf[1:])),
		ScopeID:      ScopeID(binary.BigEndian.Uint32(buf[9:])),
		CollectionID: CollectionID(binary.BigEndian.Uint32(buf[13:])),
	}, nil
}

func EncodeScopeEventData(d ScopeEventData) []byte {
	buf := make([]byte, 0, 13+len(d.Name))
	buf = append(buf, systemEventDataVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(d.ManifestUid))
	buf = binary.BigEndian.AppendUint32(buf, uint32(d.ScopeID))
	return append(buf, d.Name...)
}

func DecodeScopeEventData(buf []byte) (ScopeEventData, error) {
	if len(buf) < 13 || buf[0] != systemEventDataVersion {
		return ScopeEventData{}, fmt.Errorf("malformed create scope data (len:%d): %w",
			len(buf), enginex.ErrInvalidArgument)
	}

	return ScopeEventData{
		ManifestUid: ManifestUid(binary.BigEndian.Uint64(buf[1:])),
		ScopeID:     ScopeID(binary.BigEndian.Uint32(buf[9:])),
		Name:        string(buf[13:]),
	}, nil
}

func EncodeDropScopeEventData(d DropScopeEventData) []byte {
	buf := make([]byte, 0, 13)
	buf = append(buf, systemEventDataVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(d.ManifestUid))
	return binary.BigEndian.AppendUint32(buf, uint32(d.ScopeID))
}

func DecodeDropScopeEventData(buf []byte) (DropScopeEventData, error) {
	if len(buf) != 13 || buf[0] != systemEventDataVersion {
		return DropScopeEventData{}, fmt.Errorf("malformed drop scope data (len:%d): %w",
			len(buf), enginex.ErrInvalidArgument)
	}

	return DropScopeEventData{
		ManifestUid: ManifestUid(binary.BigEndian.Uint64(buf[1:])),
		ScopeID:     ScopeID(binary.BigEndian.Uint32(buf[9:])),
	}, nil
}
