package enginex

// DatatypeFlag specifies data flags for the value of a document.
type DatatypeFlag uint8

const (
	// DatatypeFlagJSON indicates the value payload is believed to be JSON.
	DatatypeFlagJSON = DatatypeFlag(0x01)

	// DatatypeFlagCompressed indicates the value payload is snappy compressed.
	DatatypeFlagCompressed = DatatypeFlag(0x02)

	// DatatypeFlagXattrs indicates the inclusion of xattr data in the value payload.
	DatatypeFlagXattrs = DatatypeFlag(0x04)
)

type VbucketState uint32

const (
	VbucketStateActive  = VbucketState(0x01)
	VbucketStateReplica = VbucketState(0x02)
	VbucketStatePending = VbucketState(0x03)
	VbucketStateDead    = VbucketState(0x04)
)

func (s VbucketState) String() string {
	switch s {
	case VbucketStateActive:
		return "active"
	case VbucketStateReplica:
		return "replica"
	case VbucketStatePending:
		return "pending"
	case VbucketStateDead:
		return "dead"
	}
	return "unknown"
}
