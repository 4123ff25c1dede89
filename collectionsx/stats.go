package collectionsx

import (
	"encoding/binary"
	"fmt"

	"github.com/couchbase/kvcollectionsx/enginex"
)

// PersistedStats are the per-collection counters written with every flush
// batch which touches the collection.
type PersistedStats struct {
	ItemCount uint64
	HighSeqno uint64
	DiskSize  int64
}

// StatsDocName returns the name of the local document holding the stats of a
// collection.
func StatsDocName(cid CollectionID) string {
	return fmt.Sprintf("|%s|", cid)
}

// Encode writes the stats as three LEB128 values.
func (s PersistedStats) Encode() []byte {
	buf := make([]byte, 0, 3*binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, s.ItemCount)
	buf = binary.AppendUvarint(buf, s.HighSeqno)
	buf = binary.AppendUvarint(buf, uint64(s.DiskSize))
	return buf
}

func DecodePersistedStats(data []byte) (PersistedStats, error) {
	var vals [3]uint64
	for i := range vals {
		val, n := binary.Uvarint(data)
		if n <= 0 {
			return PersistedStats{}, enginex.InvalidArgumentsError{
				Message: fmt.Sprintf("persisted stats are malformed at field %d", i),
			}
		}
		vals[i] = val
		data = data[n:]
	}

	return PersistedStats{
		ItemCount: vals[0],
		HighSeqno: vals[1],
		DiskSize:  int64(vals[2]),
	}, nil
}
