package objectindex

import (
	"encoding/binary"
	"math"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/heapdump"
)

const (
	// RecordSize is the fixed on-disk width of a Record: id, type key and
	// dump offset as big-endian uint64s followed by a one-byte kind.
	RecordSize = 8 + 8 + 8 + 1

	// ReservedID is the all-ones bit pattern. It can never be registered.
	ReservedID uint64 = math.MaxUint64
)

// Record locates one object of the dump. TypeKey is the class id for
// instances, the element class id for object arrays and the PrimitiveKind
// ordinal for primitive arrays.
type Record struct {
	ID      uint64
	TypeKey uint64
	Offset  uint64
	Kind    heapdump.ObjectKind
}

// PrimitiveKind returns the element kind of a primitive array record.
func (r Record) PrimitiveKind() heapdump.PrimitiveKind {
	return heapdump.PrimitiveKind(r.TypeKey)
}

func (r Record) encode(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], r.ID)
	binary.BigEndian.PutUint64(b[8:16], r.TypeKey)
	binary.BigEndian.PutUint64(b[16:24], r.Offset)
	b[24] = byte(r.Kind)
}

func decodeRecord(b []byte) Record {
	return Record{
		ID:      binary.BigEndian.Uint64(b[0:8]),
		TypeKey: binary.BigEndian.Uint64(b[8:16]),
		Offset:  binary.BigEndian.Uint64(b[16:24]),
		Kind:    heapdump.ObjectKind(b[24]),
	}
}
