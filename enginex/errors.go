package enginex

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArguments    = errors.New("invalid arguments")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrOutOfRange          = errors.New("out of range")
	ErrCannotApplyManifest = errors.New("cannot apply collections manifest")
	ErrUnknownCollection   = errors.New("unknown collection")
	ErrUnknownScope        = errors.New("unknown scope")
	ErrManifestIsAhead     = errors.New("collections manifest is ahead")
	ErrNoAccess            = errors.New("no access")
	ErrDcpStreamIDInvalid  = errors.New("dcp stream id invalid")
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrKeyExists     = errors.New("key exists")
	ErrNotStored     = errors.New("not stored")
	ErrDeltaBadValue = errors.New("delta bad value")
	ErrLocked        = errors.New("locked")
	ErrNotLocked     = errors.New("not locked")
	ErrNotMyVbucket  = errors.New("not my vbucket")
	ErrTmpFail       = errors.New("temporary failure")

	// ErrWouldBlock is returned when the operation has been queued for
	// background work and must be re-issued by the caller.
	ErrWouldBlock = errors.New("would block")
)

func isErr(err, target error) bool {
	return errors.Is(err, target)
}

// UnknownCollectionError carries the manifest uid the lookup was made against
// so that the client can tell whether it is ahead or behind the server.
type UnknownCollectionError struct {
	ManifestUid uint64
	Context     string
}

func (e UnknownCollectionError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("unknown collection (manifest uid: %x)", e.ManifestUid)
	}
	return fmt.Sprintf("unknown collection: %s (manifest uid: %x)", e.Context, e.ManifestUid)
}

func (e UnknownCollectionError) Unwrap() error {
	return ErrUnknownCollection
}

type UnknownScopeError struct {
	ManifestUid uint64
	Context     string
}

func (e UnknownScopeError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("unknown scope (manifest uid: %x)", e.ManifestUid)
	}
	return fmt.Sprintf("unknown scope: %s (manifest uid: %x)", e.Context, e.ManifestUid)
}

func (e UnknownScopeError) Unwrap() error {
	return ErrUnknownScope
}

type ManifestAheadError struct {
	ClientUid uint64
	VbUid     uint64
}

func (e ManifestAheadError) Error() string {
	return fmt.Sprintf("client manifest is ahead: client uid: %x, vbucket uid: %x", e.ClientUid, e.VbUid)
}

func (e ManifestAheadError) Unwrap() error {
	return ErrManifestIsAhead
}

type ManifestOutOfRangeError struct {
	CurrentUid uint64
	NewUid     uint64
}

func (e ManifestOutOfRangeError) Error() string {
	return fmt.Sprintf("manifest uid not ahead of current: current uid: %x, new uid: %x", e.CurrentUid, e.NewUid)
}

func (e ManifestOutOfRangeError) Unwrap() error {
	return ErrOutOfRange
}

type InvalidArgumentsError struct {
	Message string
	Cause   error
}

func (e InvalidArgumentsError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("invalid arguments: %s", e.Message)
	}
	return fmt.Sprintf("invalid arguments: %s: %s", e.Message, e.Cause.Error())
}

func (e InvalidArgumentsError) Unwrap() error {
	return ErrInvalidArguments
}

type CannotApplyManifestError struct {
	Reason string
}

func (e CannotApplyManifestError) Error() string {
	return fmt.Sprintf("cannot apply collections manifest: %s", e.Reason)
}

func (e CannotApplyManifestError) Unwrap() error {
	return ErrCannotApplyManifest
}
