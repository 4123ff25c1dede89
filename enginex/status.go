package enginex

import "encoding/hex"

// Status is the protocol status code a response carries.
type Status uint16

const (
	// StatusSuccess indicates the operation completed successfully.
	StatusSuccess = Status(0x00)

	// StatusKeyNotFound occurs when an operation is performed on a key that does not exist.
	StatusKeyNotFound = Status(0x01)

	// StatusKeyExists occurs when an operation is performed on a key that already exists
	// or whose cas does not match.
	StatusKeyExists = Status(0x02)

	// StatusInvalidArgs occurs when the server receives invalid arguments for an operation.
	StatusInvalidArgs = Status(0x04)

	// StatusNotStored occurs when the server fails to store a key.
	StatusNotStored = Status(0x05)

	// StatusBadDelta occurs when an invalid delta value is specified to a counter operation.
	StatusBadDelta = Status(0x06)

	// StatusNotMyVBucket occurs when an operation is dispatched to a vbucket which is
	// not in a state that can service it.
	StatusNotMyVBucket = Status(0x07)

	// StatusLocked occurs when an operation fails due to the document being locked.
	StatusLocked = Status(0x09)

	// StatusNotLocked occurs when an unlock is requested for a document which is
	// not locked.
	StatusNotLocked = Status(0x0e)

	// StatusRangeError occurs when a manifest uid is not ahead of the current uid.
	StatusRangeError = Status(0x22)

	// StatusAccessError occurs when the identity lacks the required privilege.
	StatusAccessError = Status(0x24)

	// StatusInternalError occurs when internal errors prevent the server from processing
	// the request.
	StatusInternalError = Status(0x84)

	// StatusTmpFail occurs when a temporary failure is preventing the server from
	// processing the request.
	StatusTmpFail = Status(0x86)

	// StatusCollectionUnknown occurs when a Collection cannot be found.
	StatusCollectionUnknown = Status(0x88)

	// StatusCannotApplyCollectionsManifest occurs when a manifest would re-use or
	// re-purpose a collection or scope id.
	StatusCannotApplyCollectionsManifest = Status(0x8a)

	// StatusCollectionsManifestAhead occurs when the client references a manifest
	// uid the vbucket has not yet reached.
	StatusCollectionsManifestAhead = Status(0x8b)

	// StatusScopeUnknown occurs when a Scope cannot be found.
	StatusScopeUnknown = Status(0x8c)

	// StatusDCPStreamIDInvalid occurs when a dcp stream ID is invalid.
	StatusDCPStreamIDInvalid = Status(0x8d)
)

// String returns the textual representation of this Status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusKeyNotFound:
		return "KeyNotFound"
	case StatusKeyExists:
		return "KeyExists"
	case StatusInvalidArgs:
		return "InvalidArgs"
	case StatusNotStored:
		return "NotStored"
	case StatusBadDelta:
		return "BadDelta"
	case StatusNotMyVBucket:
		return "NotMyVBucket"
	case StatusLocked:
		return "Locked"
	case StatusNotLocked:
		return "NotLocked"
	case StatusRangeError:
		return "RangeError"
	case StatusAccessError:
		return "AccessError"
	case StatusInternalError:
		return "InternalError"
	case StatusTmpFail:
		return "TmpFail"
	case StatusCollectionUnknown:
		return "CollectionUnknown"
	case StatusCannotApplyCollectionsManifest:
		return "CannotApplyCollectionsManifest"
	case StatusCollectionsManifestAhead:
		return "CollectionsManifestAhead"
	case StatusScopeUnknown:
		return "ScopeUnknown"
	case StatusDCPStreamIDInvalid:
		return "DCPStreamIDInvalid"
	}

	return "x" + hex.EncodeToString([]byte{byte(s >> 8), byte(s)})
}

// StatusFromError maps an error produced by this module to the status the
// protocol layer should respond with. A nil error is StatusSuccess.
func StatusFromError(err error) Status {
	if err == nil {
		return StatusSuccess
	}

	for _, m := range errorStatusMap {
		if isErr(err, m.err) {
			return m.status
		}
	}

	return StatusInternalError
}

var errorStatusMap = []struct {
	err    error
	status Status
}{
	{ErrUnknownCollection, StatusCollectionUnknown},
	{ErrUnknownScope, StatusScopeUnknown},
	{ErrManifestIsAhead, StatusCollectionsManifestAhead},
	{ErrCannotApplyManifest, StatusCannotApplyCollectionsManifest},
	{ErrOutOfRange, StatusRangeError},
	{ErrNoAccess, StatusAccessError},
	{ErrDcpStreamIDInvalid, StatusDCPStreamIDInvalid},
	{ErrInvalidArguments, StatusInvalidArgs},
	{ErrInvalidArgument, StatusInvalidArgs},
	{ErrKeyNotFound, StatusKeyNotFound},
	{ErrKeyExists, StatusKeyExists},
	{ErrNotStored, StatusNotStored},
	{ErrDeltaBadValue, StatusBadDelta},
	{ErrNotMyVbucket, StatusNotMyVBucket},
	{ErrLocked, StatusLocked},
	{ErrNotLocked, StatusNotLocked},
	{ErrTmpFail, StatusTmpFail},
	{ErrWouldBlock, StatusTmpFail},
}
