package collectionsx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/couchbase/kvcollectionsx/enginex"
	"golang.org/x/exp/slices"
)

const maxNameLength = 251

// CollectionManifestCollectionJson is the wire form of a collection within a
// manifest.
type CollectionManifestCollectionJson struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	MaxTTL *int64 `json:"maxTTL,omitempty"`
}

type CollectionManifestScopeJson struct {
	UID         string                             `json:"uid"`
	Name        string                             `json:"name"`
	Collections []CollectionManifestCollectionJson `json:"collections"`
}

type CollectionManifestJson struct {
	UID    string                        `json:"uid"`
	Force  bool                          `json:"force,omitempty"`
	Scopes []CollectionManifestScopeJson `json:"scopes"`
}

// ManifestCollection is a collection as described by a Manifest.
type ManifestCollection struct {
	ID      CollectionID
	ScopeID ScopeID
	Name    string
	MaxTTL  *uint32
}

type ManifestScope struct {
	ID          ScopeID
	Name        string
	Collections []CollectionID
}

// Manifest is a validated, immutable description of the scopes and
// collections of a bucket at a given uid.
type Manifest struct {
	uid         ManifestUid
	force       bool
	scopes      map[ScopeID]*ManifestScope
	collections map[CollectionID]*ManifestCollection
}

// NewDefaultManifest returns the manifest every bucket starts with: uid 0
// and only the _default scope and collection.
func NewDefaultManifest() *Manifest {
	return &Manifest{
		scopes: map[ScopeID]*ManifestScope{
			ScopeIDDefault: {
				ID:          ScopeIDDefault,
				Name:        DefaultScopeName,
				Collections: []CollectionID{CollectionIDDefault},
			},
		},
		collections: map[CollectionID]*ManifestCollection{
			CollectionIDDefault: {
				ID:      CollectionIDDefault,
				ScopeID: ScopeIDDefault,
				Name:    DefaultCollectionName,
			},
		},
	}
}

// NewManifestFromSnapshot rebuilds the manifest a vbucket was last updated
// to from its persisted state.
func NewManifestFromSnapshot(snap *PersistedManifest) *Manifest {
	m := &Manifest{
		uid:         snap.Uid,
		scopes:      make(map[ScopeID]*ManifestScope, len(snap.Scopes)),
		collections: make(map[CollectionID]*ManifestCollection, len(snap.Collections)),
	}

	for _, scope := range snap.Scopes {
		m.scopes[scope.ScopeID] = &ManifestScope{
			ID:   scope.ScopeID,
			Name: scope.Name,
		}
	}
	for _, col := range snap.Collections {
		mc := &ManifestCollection{
			ID:      col.CollectionID,
			ScopeID: col.ScopeID,
			Name:    col.Name,
		}
		if col.MaxTTL != nil {
			ttl := *col.MaxTTL
			mc.MaxTTL = &ttl
		}
		m.collections[col.CollectionID] = mc

		if scope, ok := m.scopes[col.ScopeID]; ok {
			scope.Collections = append(scope.Collections, col.CollectionID)
		}
	}
	for _, scope := range m.scopes {
		slices.Sort(scope.Collections)
	}

	return m
}

func invalidManifest(format string, args ...interface{}) error {
	return enginex.InvalidArgumentsError{
		Message: "manifest: " + fmt.Sprintf(format, args...),
	}
}

func validName(name string) bool {
	if len(name) == 0 || len(name) > maxNameLength {
		return false
	}
	if name[0] == '_' || name[0] == '%' {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '%':
		default:
			return false
		}
	}
	return true
}

// ParseManifest parses and validates a manifest supplied by the control plane.
func ParseManifest(data []byte) (*Manifest, error) {
	var parsed CollectionManifestJson
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, enginex.InvalidArgumentsError{
			Message: "manifest: cannot parse json",
			Cause:   err,
		}
	}

	if parsed.UID == "" {
		return nil, invalidManifest("missing uid")
	}
	uid, err := MakeManifestUid(parsed.UID)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		uid:         uid,
		force:       parsed.Force,
		scopes:      make(map[ScopeID]*ManifestScope, len(parsed.Scopes)),
		collections: make(map[CollectionID]*ManifestCollection),
	}

	scopeNames := make(map[string]struct{}, len(parsed.Scopes))
	for _, scopeJson := range parsed.Scopes {
		sid, err := MakeScopeID(scopeJson.UID)
		if err != nil {
			return nil, err
		}

		if sid.IsReserved() {
			return nil, invalidManifest("scope id %s is reserved", sid)
		}
		if sid.IsDefault() != (scopeJson.Name == DefaultScopeName) {
			return nil, invalidManifest("scope %s named %q: only the default scope may be named %s",
				sid, scopeJson.Name, DefaultScopeName)
		}
		if !sid.IsDefault() && !validName(scopeJson.Name) {
			return nil, invalidManifest("invalid scope name %q", scopeJson.Name)
		}
		if _, ok := m.scopes[sid]; ok {
			return nil, invalidManifest("duplicate scope id %s", sid)
		}
		if _, ok := scopeNames[scopeJson.Name]; ok {
			return nil, invalidManifest("duplicate scope name %q", scopeJson.Name)
		}
		scopeNames[scopeJson.Name] = struct{}{}

		scope := &ManifestScope{
			ID:   sid,
			Name: scopeJson.Name,
		}

		collectionNames := make(map[string]struct{}, len(scopeJson.Collections))
		for _, colJson := range scopeJson.Collections {
			cid, err := MakeCollectionID(colJson.UID)
			if err != nil {
				return nil, err
			}

			if cid.IsReserved() {
				return nil, invalidManifest("collection id %s is reserved", cid)
			}
			if cid.IsDefault() != (colJson.Name == DefaultCollectionName) {
				return nil, invalidManifest("collection %s named %q: only the default collection may be named %s",
					cid, colJson.Name, DefaultCollectionName)
			}
			if cid.IsDefault() && !sid.IsDefault() {
				return nil, invalidManifest("default collection must be in the default scope")
			}
			if !cid.IsDefault() && !validName(colJson.Name) {
				return nil, invalidManifest("invalid collection name %q", colJson.Name)
			}
			if _, ok := m.collections[cid]; ok {
				return nil, invalidManifest("duplicate collection id %s", cid)
			}
			if _, ok := collectionNames[colJson.Name]; ok {
				return nil, invalidManifest("duplicate collection name %q in scope %q",
					colJson.Name, scopeJson.Name)
			}
			collectionNames[colJson.Name] = struct{}{}

			col := &ManifestCollection{
				ID:      cid,
				ScopeID: sid,
				Name:    colJson.Name,
			}
			if colJson.MaxTTL != nil {
				if *colJson.MaxTTL < 0 || *colJson.MaxTTL > int64(^uint32(0)) {
					return nil, invalidManifest("collection %s maxTTL %d out of range", cid, *colJson.MaxTTL)
				}
				ttl := uint32(*colJson.MaxTTL)
				col.MaxTTL = &ttl
			}

			m.collections[cid] = col
			scope.Collections = append(scope.Collections, cid)
		}

		slices.Sort(scope.Collections)
		m.scopes[sid] = scope
	}

	return m, nil
}

func (m *Manifest) Uid() ManifestUid {
	return m.uid
}

// Force is true when the control plane asked for id reuse checks to be
// skipped.
func (m *Manifest) Force() bool {
	return m.force
}

func (m *Manifest) DoesDefaultCollectionExist() bool {
	_, ok := m.collections[CollectionIDDefault]
	return ok
}

func (m *Manifest) FindCollection(cid CollectionID) (ManifestCollection, bool) {
	col, ok := m.collections[cid]
	if !ok {
		return ManifestCollection{}, false
	}
	return *col, true
}

func (m *Manifest) FindScope(sid ScopeID) (ManifestScope, bool) {
	scope, ok := m.scopes[sid]
	if !ok {
		return ManifestScope{}, false
	}
	return ManifestScope{
		ID:          scope.ID,
		Name:        scope.Name,
		Collections: slices.Clone(scope.Collections),
	}, true
}

// CollectionIDs returns every collection id in ascending order.
func (m *Manifest) CollectionIDs() []CollectionID {
	return sortedKeys(m.collections)
}

func (m *Manifest) ScopeIDs() []ScopeID {
	return sortedKeys(m.scopes)
}

func (m *Manifest) findScopeByName(name string) *ManifestScope {
	for _, scope := range m.scopes {
		if scope.Name == name {
			return scope
		}
	}
	return nil
}

// GetScopeID resolves a scope path. An empty path means the default scope.
func (m *Manifest) GetScopeID(path string) (ScopeID, error) {
	name := path
	if name == "" {
		name = DefaultScopeName
	}
	if strings.Contains(name, ".") {
		return 0, invalidManifest("invalid scope path %q", path)
	}

	scope := m.findScopeByName(name)
	if scope == nil {
		return 0, enginex.UnknownScopeError{
			ManifestUid: uint64(m.uid),
			Context:     path,
		}
	}
	return scope.ID, nil
}

// GetCollectionID resolves a "scope.collection" path. Either part may be
// empty, meaning _default.
func (m *Manifest) GetCollectionID(path string) (ScopeID, CollectionID, error) {
	scopeName, colName, found := strings.Cut(path, ".")
	if !found {
		return 0, 0, invalidManifest("invalid collection path %q", path)
	}
	if strings.Contains(colName, ".") {
		return 0, 0, invalidManifest("invalid collection path %q", path)
	}
	if scopeName == "" {
		scopeName = DefaultScopeName
	}
	if colName == "" {
		colName = DefaultCollectionName
	}

	scope := m.findScopeByName(scopeName)
	if scope == nil {
		return 0, 0, enginex.UnknownScopeError{
			ManifestUid: uint64(m.uid),
			Context:     path,
		}
	}

	for _, cid := range scope.Collections {
		if m.collections[cid].Name == colName {
			return scope.ID, cid, nil
		}
	}

	return 0, 0, enginex.UnknownCollectionError{
		ManifestUid: uint64(m.uid),
		Context:     path,
	}
}

// ToJSON renders the manifest, omitting anything isVisible rejects. A scope
// is rendered when the scope itself or any of its collections is visible.
func (m *Manifest) ToJSON(isVisible func(sid ScopeID, cid *CollectionID) bool) ([]byte, error) {
	out := CollectionManifestJson{
		UID:    m.uid.String(),
		Scopes: []CollectionManifestScopeJson{},
	}

	for _, sid := range m.ScopeIDs() {
		scope := m.scopes[sid]
		scopeJson := CollectionManifestScopeJson{
			UID:         fmt.Sprintf("%x", uint32(sid)),
			Name:        scope.Name,
			Collections: []CollectionManifestCollectionJson{},
		}

		for _, cid := range scope.Collections {
			cid := cid
			if isVisible != nil && !isVisible(sid, &cid) {
				continue
			}

			col := m.collections[cid]
			colJson := CollectionManifestCollectionJson{
				UID:  fmt.Sprintf("%x", uint32(cid)),
				Name: col.Name,
			}
			if col.MaxTTL != nil {
				ttl := int64(*col.MaxTTL)
				colJson.MaxTTL = &ttl
			}
			scopeJson.Collections = append(scopeJson.Collections, colJson)
		}

		if len(scopeJson.Collections) == 0 && isVisible != nil && !isVisible(sid, nil) {
			continue
		}
		out.Scopes = append(out.Scopes, scopeJson)
	}

	return json.Marshal(out)
}
