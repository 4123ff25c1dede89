package enginex

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFromError(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusFromError(nil))

	assert.Equal(t, StatusCollectionUnknown, StatusFromError(UnknownCollectionError{ManifestUid: 4}))
	assert.Equal(t, StatusScopeUnknown, StatusFromError(UnknownScopeError{ManifestUid: 4}))
	assert.Equal(t, StatusCollectionsManifestAhead, StatusFromError(ManifestAheadError{ClientUid: 5, VbUid: 4}))
	assert.Equal(t, StatusRangeError, StatusFromError(ManifestOutOfRangeError{CurrentUid: 4, NewUid: 4}))
	assert.Equal(t, StatusCannotApplyCollectionsManifest, StatusFromError(CannotApplyManifestError{Reason: "reused"}))
	assert.Equal(t, StatusInvalidArgs, StatusFromError(InvalidArgumentsError{Message: "bad json"}))

	wrapped := fmt.Errorf("filter sid cannot be 0: %w", ErrDcpStreamIDInvalid)
	assert.Equal(t, StatusDCPStreamIDInvalid, StatusFromError(wrapped))
	assert.Equal(t, StatusTmpFail, StatusFromError(ErrWouldBlock))
	assert.Equal(t, StatusInternalError, StatusFromError(errors.New("disk on fire")))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "CollectionUnknown", StatusCollectionUnknown.String())
	assert.Equal(t, "x1234", Status(0x1234).String())
}

func TestTypedErrorsUnwrap(t *testing.T) {
	err := fmt.Errorf("set: %w", UnknownCollectionError{ManifestUid: 7, Context: "0x8"})
	assert.ErrorIs(t, err, ErrUnknownCollection)

	var typed UnknownCollectionError
	assert.ErrorAs(t, err, &typed)
	assert.Equal(t, uint64(7), typed.ManifestUid)

	cause := errors.New("unexpected end of JSON input")
	assert.ErrorIs(t, InvalidArgumentsError{Message: "bad", Cause: cause}, ErrInvalidArguments)
}
