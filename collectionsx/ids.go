package collectionsx

import (
	"fmt"
	"strconv"

	"github.com/couchbase/kvcollectionsx/enginex"
)

// CollectionID identifies a collection within a bucket.
type CollectionID uint32

// ScopeID identifies a scope within a bucket.
type ScopeID uint32

// ManifestUid is the version of a collections manifest. Every change to the
// set of scopes and collections increments it.
type ManifestUid uint64

const (
	// CollectionIDDefault is the always-present _default collection.
	CollectionIDDefault CollectionID = 0

	// CollectionIDSystem is the namespace that system event keys live in.
	CollectionIDSystem CollectionID = 1

	// collectionIDFirstUser is the lowest id a user collection may take,
	// ids below it are reserved.
	collectionIDFirstUser CollectionID = 8
)

const (
	// ScopeIDDefault is the always-present _default scope.
	ScopeIDDefault ScopeID = 0

	scopeIDFirstUser ScopeID = 8
)

const (
	DefaultCollectionName = "_default"
	DefaultScopeName      = "_default"
)

func (cid CollectionID) IsDefault() bool {
	return cid == CollectionIDDefault
}

func (cid CollectionID) IsSystem() bool {
	return cid == CollectionIDSystem
}

// IsReserved is true for ids which cannot be used by a user collection.
func (cid CollectionID) IsReserved() bool {
	return cid != CollectionIDDefault && cid < collectionIDFirstUser
}

func (cid CollectionID) String() string {
	return "0x" + strconv.FormatUint(uint64(cid), 16)
}

func (sid ScopeID) IsDefault() bool {
	return sid == ScopeIDDefault
}

func (sid ScopeID) IsReserved() bool {
	return sid != ScopeIDDefault && sid < scopeIDFirstUser
}

func (sid ScopeID) String() string {
	return "0x" + strconv.FormatUint(uint64(sid), 16)
}

func (uid ManifestUid) String() string {
	return strconv.FormatUint(uint64(uid), 16)
}

func parseHexUint(s string, bitSize int) (uint64, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if s == "" {
		return 0, fmt.Errorf("empty id")
	}
	return strconv.ParseUint(s, 16, bitSize)
}

// MakeCollectionID parses the base-16 representation used in manifests and
// stream filters.
func MakeCollectionID(s string) (CollectionID, error) {
	v, err := parseHexUint(s, 32)
	if err != nil {
		return 0, enginex.InvalidArgumentsError{
			Message: fmt.Sprintf("invalid collection id %q", s),
			Cause:   err,
		}
	}
	return CollectionID(v), nil
}

func MakeScopeID(s string) (ScopeID, error) {
	v, err := parseHexUint(s, 32)
	if err != nil {
		return 0, enginex.InvalidArgumentsError{
			Message: fmt.Sprintf("invalid scope id %q", s),
			Cause:   err,
		}
	}
	return ScopeID(v), nil
}

// MakeManifestUid parses a manifest uid. Manifests carry uids as base-16
// strings.
func MakeManifestUid(s string) (ManifestUid, error) {
	v, err := parseHexUint(s, 64)
	if err != nil {
		return 0, enginex.InvalidArgumentsError{
			Message: fmt.Sprintf("invalid manifest uid %q", s),
			Cause:   err,
		}
	}
	return ManifestUid(v), nil
}
