package enginex

// Privilege is an RBAC privilege tested against a bucket, scope or collection.
type Privilege uint8

const (
	PrivilegeRead Privilege = iota
	PrivilegeUpsert
	PrivilegeDelete
	PrivilegeDcpStream
	PrivilegeDcpProducer
	PrivilegeMetaRead
	PrivilegeMetaWrite
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeRead:
		return "Read"
	case PrivilegeUpsert:
		return "Upsert"
	case PrivilegeDelete:
		return "Delete"
	case PrivilegeDcpStream:
		return "DcpStream"
	case PrivilegeDcpProducer:
		return "DcpProducer"
	case PrivilegeMetaRead:
		return "MetaRead"
	case PrivilegeMetaWrite:
		return "MetaWrite"
	}
	return "Unknown"
}

// Identity names the authenticated user a request or stream runs on behalf of.
type Identity struct {
	User   string
	Domain string
}

func (i Identity) String() string {
	if i.Domain == "" {
		return i.User
	}
	return i.User + "@" + i.Domain
}
