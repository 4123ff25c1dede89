package collectionsx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/couchbase/kvcollectionsx/enginex"
	"go.uber.org/zap"
)

// PrivilegeOracle answers RBAC questions for a stream. The revision changes
// whenever any policy which could affect an answer changes.
type PrivilegeOracle interface {
	GetPrivilegeRevision() uint64
	TestPrivilege(identity enginex.Identity, priv enginex.Privilege, sid *ScopeID, cid *CollectionID) error
}

const (
	filterKeyUid         = "uid"
	filterKeyStreamID    = "sid"
	filterKeyScope       = "scope"
	filterKeyCollections = "collections"
)

// FilterOptions are the inputs to NewFilter. A nil Spec requests a legacy
// stream which can only see the default collection. A non-nil Spec is the
// JSON filter given by the client, empty meaning everything.
type FilterOptions struct {
	Logger   *zap.Logger
	Spec     []byte
	Manifest *VBManifest
	Identity enginex.Identity
	Oracle   PrivilegeOracle
}

// Filter decides which items and system events a DCP stream forwards. A
// Filter is owned by its stream and must not be used concurrently.
type Filter struct {
	logger   *zap.Logger
	identity enginex.Identity
	oracle   PrivilegeOracle

	passthrough         bool
	defaultAllowed      bool
	systemEventsAllowed bool
	scopeID             *ScopeID
	scopeIsDropped      bool
	filter              map[CollectionID]ScopeID
	uid                 *ManifestUid
	streamID            *uint16

	lastCheckedPrivilegeRevision *uint64
	lastPrivilegeErr             error
}

// NewFilter builds the filter of a stream and checks that the identity is
// allowed to stream what the filter selects.
func NewFilter(opts FilterOptions) (*Filter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Manifest == nil || opts.Oracle == nil {
		return nil, enginex.InvalidArgumentsError{Message: "filter requires a manifest and privilege oracle"}
	}

	f := &Filter{
		logger:   logger,
		identity: opts.Identity,
		oracle:   opts.Oracle,
		filter:   make(map[CollectionID]ScopeID),
	}

	if opts.Spec == nil {
		rh := opts.Manifest.Lock()
		exists := rh.DoesDefaultCollectionExist()
		uid := rh.GetManifestUid()
		rh.Unlock()

		if !exists {
			return nil, enginex.UnknownCollectionError{
				ManifestUid: uint64(uid),
				Context:     "legacy stream requires the default collection",
			}
		}
		f.enableDefaultCollection()
	} else {
		f.systemEventsAllowed = true
		f.passthrough = true

		spec := bytes.TrimSpace(opts.Spec)
		if len(spec) > 0 {
			f.enableDefaultCollection()
			if err := f.constructFromJSON(spec, opts.Manifest); err != nil {
				return nil, err
			}
		}
	}

	if err := f.CheckPrivileges(); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *Filter) constructFromJSON(spec []byte, manifest *VBManifest) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(spec, &fields); err != nil {
		return enginex.InvalidArgumentsError{
			Message: "cannot parse filter",
			Cause:   err,
		}
	}

	for key := range fields {
		switch key {
		case filterKeyUid, filterKeyStreamID, filterKeyScope, filterKeyCollections:
		default:
			return enginex.InvalidArgumentsError{Message: "filter has unknown key " + key}
		}
	}

	rh := manifest.Lock()
	defer rh.Unlock()

	if raw, ok := fields[filterKeyStreamID]; ok {
		var sid uint16
		if err := json.Unmarshal(raw, &sid); err != nil {
			return enginex.InvalidArgumentsError{Message: "filter sid must be a 16-bit number", Cause: err}
		}
		if sid == 0 {
			return fmt.Errorf("filter sid cannot be 0: %w", enginex.ErrDcpStreamIDInvalid)
		}
		f.streamID = &sid
	}

	if raw, ok := fields[filterKeyUid]; ok {
		var uidStr string
		if err := json.Unmarshal(raw, &uidStr); err != nil {
			return enginex.InvalidArgumentsError{Message: "filter uid must be a string", Cause: err}
		}
		uid, err := MakeManifestUid(uidStr)
		if err != nil {
			return err
		}

		vbUid := rh.GetManifestUid()
		if uid > vbUid {
			return enginex.ManifestAheadError{
				ClientUid: uint64(uid),
				VbUid:     uint64(vbUid),
			}
		}
		f.uid = &uid
	}

	rawScope, hasScope := fields[filterKeyScope]
	rawCollections, hasCollections := fields[filterKeyCollections]
	if hasScope && hasCollections {
		return enginex.InvalidArgumentsError{Message: "filter cannot specify both scope and collections"}
	}

	if hasScope {
		f.passthrough = false
		f.disableDefaultCollection()

		var scopeStr string
		if err := json.Unmarshal(rawScope, &scopeStr); err != nil {
			return enginex.InvalidArgumentsError{Message: "filter scope must be a string", Cause: err}
		}
		sid, err := MakeScopeID(scopeStr)
		if err != nil {
			return err
		}

		collections, ok := rh.GetCollectionsForScope(sid)
		if !ok {
			return enginex.UnknownScopeError{
				ManifestUid: uint64(rh.GetManifestUid()),
				Context:     sid.String(),
			}
		}

		f.scopeID = &sid
		for _, cid := range collections {
			f.insertCollection(cid, sid)
		}
	} else if hasCollections {
		f.passthrough = false
		f.disableDefaultCollection()

		var collectionStrs []string
		if err := json.Unmarshal(rawCollections, &collectionStrs); err != nil {
			return enginex.InvalidArgumentsError{Message: "filter collections must be an array of strings", Cause: err}
		}

		for _, cidStr := range collectionStrs {
			cid, err := MakeCollectionID(cidStr)
			if err != nil {
				return err
			}

			sid, ok := rh.GetScopeID(cid)
			if !ok {
				return enginex.UnknownCollectionError{
					ManifestUid: uint64(rh.GetManifestUid()),
					Context:     cid.String(),
				}
			}
			f.insertCollection(cid, sid)
		}
	}

	return nil
}

func (f *Filter) insertCollection(cid CollectionID, sid ScopeID) {
	f.filter[cid] = sid
	if cid.IsDefault() {
		f.defaultAllowed = true
	}
}

func (f *Filter) enableDefaultCollection() {
	f.defaultAllowed = true
	f.filter[CollectionIDDefault] = ScopeIDDefault
}

func (f *Filter) disableDefaultCollection() {
	f.defaultAllowed = false
	delete(f.filter, CollectionIDDefault)
}

// CheckPrivileges tests that the identity may stream what the filter
// selects. The answer is cached until the oracle's privilege revision
// changes.
func (f *Filter) CheckPrivileges() error {
	rev := f.oracle.GetPrivilegeRevision()
	if f.lastCheckedPrivilegeRevision != nil && *f.lastCheckedPrivilegeRevision == rev {
		return f.lastPrivilegeErr
	}

	err := f.testPrivileges()
	if err != nil {
		f.logger.Debug("stream privilege check failed",
			zap.Stringer("identity", f.identity),
			zap.Uint64("revision", rev),
			zap.Error(err))
	}
	f.lastCheckedPrivilegeRevision = &rev
	f.lastPrivilegeErr = err
	return err
}

func (f *Filter) testPrivileges() error {
	if f.passthrough {
		return f.oracle.TestPrivilege(f.identity, enginex.PrivilegeDcpStream, nil, nil)
	}

	if f.scopeID != nil {
		sid := *f.scopeID
		return f.oracle.TestPrivilege(f.identity, enginex.PrivilegeDcpStream, &sid, nil)
	}

	var unknownErr, accessErr error
	for _, cid := range sortedKeys(f.filter) {
		sid := f.filter[cid]
		err := f.oracle.TestPrivilege(f.identity, enginex.PrivilegeDcpStream, &sid, &cid)
		switch {
		case err == nil:
		case errors.Is(err, enginex.ErrUnknownCollection):
			if unknownErr == nil {
				unknownErr = err
			}
		case errors.Is(err, enginex.ErrNoAccess):
			if accessErr == nil {
				accessErr = err
			}
		default:
			return err
		}
	}

	// one unknown collection outranks any number of access failures
	if unknownErr != nil {
		return unknownErr
	}
	return accessErr
}

// CheckAndUpdate reports whether the item should be sent on the stream. Drop
// events for tracked collections and scopes update the filter as they pass.
func (f *Filter) CheckAndUpdate(item *Item) (bool, error) {
	inSystem := item.Key.IsInSystemCollection()
	if (f.passthrough && !inSystem) ||
		(f.defaultAllowed && item.Key.IsInDefaultCollection()) {
		return true, nil
	}

	if !inSystem {
		_, ok := f.filter[item.Key.CollectionID()]
		return ok, nil
	}

	return f.checkAndUpdateSystemEvent(item)
}

// CheckSlow reports whether a key may be sent, without the event
// processing of CheckAndUpdate.
func (f *Filter) CheckSlow(key DocKey) bool {
	if f.passthrough {
		return true
	}
	if key.IsInSystemCollection() {
		return f.systemEventsAllowed
	}
	_, ok := f.filter[key.CollectionID()]
	return ok
}

func (f *Filter) checkAndUpdateSystemEvent(item *Item) (bool, error) {
	switch SystemEvent(item.Flags) {
	case SystemEventCollection:
		return f.processCollectionEvent(item)
	case SystemEventScope:
		return f.processScopeEvent(item)
	}
	return false, fmt.Errorf("unknown system event %d: %w", item.Flags, enginex.ErrInvalidArgument)
}

// remove stops tracking the collection of a drop event, returning whether
// the collection was being tracked.
func (f *Filter) remove(cid CollectionID) bool {
	if f.passthrough {
		return false
	}

	if cid.IsDefault() && f.defaultAllowed {
		f.disableDefaultCollection()
		return true
	}

	_, ok := f.filter[cid]
	delete(f.filter, cid)
	return ok
}

func (f *Filter) processCollectionEvent(item *Item) (bool, error) {
	value, err := item.UncompressedValue()
	if err != nil {
		return false, err
	}

	var cid CollectionID
	var sid ScopeID
	if item.Deleted {
		data, err := DecodeDropCollectionEventData(value)
		if err != nil {
			return false, err
		}
		cid, sid = data.CollectionID, data.ScopeID
	} else {
		data, err := DecodeCollectionEventData(value)
		if err != nil {
			return false, err
		}
		cid, sid = data.CollectionID, data.ScopeID
	}

	deleted := false
	if item.Deleted {
		deleted = f.remove(cid)
	}

	if !f.systemEventsAllowed {
		return false, nil
	}

	if f.passthrough || deleted || (cid.IsDefault() && f.defaultAllowed) {
		return true, nil
	}

	if f.scopeID != nil && sid == *f.scopeID {
		if item.Deleted {
			return true, nil
		}
		f.filter[cid] = sid
	}

	_, ok := f.filter[cid]
	return ok, nil
}

func (f *Filter) processScopeEvent(item *Item) (bool, error) {
	if !f.systemEventsAllowed {
		return false, nil
	}
	if f.scopeID == nil && !f.passthrough {
		return false, nil
	}

	value, err := item.UncompressedValue()
	if err != nil {
		return false, err
	}

	var sid ScopeID
	if item.Deleted {
		data, err := DecodeDropScopeEventData(value)
		if err != nil {
			return false, err
		}
		sid = data.ScopeID
		if f.scopeID != nil && sid == *f.scopeID {
			f.scopeIsDropped = true
		}
	} else {
		data, err := DecodeScopeEventData(value)
		if err != nil {
			return false, err
		}
		sid = data.ScopeID
	}

	return f.passthrough || (f.scopeID != nil && sid == *f.scopeID), nil
}

// Empty reports whether the filter can never again allow anything.
func (f *Filter) Empty() bool {
	if f.passthrough {
		return false
	}
	if f.scopeID != nil {
		return f.scopeIsDropped
	}
	return len(f.filter) == 0 && !f.defaultAllowed
}

func (f *Filter) IsPassthrough() bool {
	return f.passthrough
}

func (f *Filter) IsDefaultAllowed() bool {
	return f.defaultAllowed
}

func (f *Filter) AllowSystemEvents() bool {
	return f.systemEventsAllowed
}

// StreamID returns the stream id requested by the client, if any.
func (f *Filter) StreamID() (uint16, bool) {
	if f.streamID == nil {
		return 0, false
	}
	return *f.streamID, true
}

func (f *Filter) Size() int {
	return len(f.filter)
}

func (f *Filter) uidString() string {
	if f.uid == nil {
		return "none"
	}
	return f.uid.String()
}

func (f *Filter) streamIDString() string {
	if f.streamID == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *f.streamID)
}

// AddStats reports the filter state under prefix.
func (f *Filter) AddStats(prefix string, vbid uint16, addStat func(key, value string)) {
	key := func(name string) string {
		return fmt.Sprintf("%s:filter_%d_%s", prefix, vbid, name)
	}

	addStat(key("passthrough"), fmt.Sprintf("%t", f.passthrough))
	addStat(key("default_allowed"), fmt.Sprintf("%t", f.defaultAllowed))
	addStat(key("system_allowed"), fmt.Sprintf("%t", f.systemEventsAllowed))
	if f.scopeID != nil {
		addStat(key("scope_id"), f.scopeID.String())
		addStat(key("scope_dropped"), fmt.Sprintf("%t", f.scopeIsDropped))
	}
	addStat(key("uid"), f.uidString())
	addStat(key("sid"), f.streamIDString())
	addStat(key("size"), fmt.Sprintf("%d", len(f.filter)))
}

func (f *Filter) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Filter{defaultAllowed:%t, passthrough:%t, systemEventsAllowed:%t, scopeIsDropped:%t",
		f.defaultAllowed, f.passthrough, f.systemEventsAllowed, f.scopeIsDropped)
	if f.scopeID != nil {
		fmt.Fprintf(&sb, ", scopeID:%s", f.scopeID)
	}
	if f.lastCheckedPrivilegeRevision != nil {
		fmt.Fprintf(&sb, ", lastCheckedPrivilegeRevision:%d", *f.lastCheckedPrivilegeRevision)
	}
	fmt.Fprintf(&sb, ", uid:%s, sid:%s, collections:%v}", f.uidString(), f.streamIDString(), sortedKeys(f.filter))
	return sb.String()
}
