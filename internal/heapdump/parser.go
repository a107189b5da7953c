package heapdump

import "context"

// ClassDump declares a class: its super class and the name string ids of
// its own instance fields, in declaration order.
type ClassDump struct {
	ClassID      uint64
	SuperClassID uint64
	FieldNameIDs []uint64
}

// LoadClass binds a class id to the string id carrying its name.
type LoadClass struct {
	ClassID uint64
	NameID  uint64
}

// StringUTF8 resolves a string id to its text.
type StringUTF8 struct {
	ID   uint64
	Text string
}

// InstanceAt reports a class instance and the byte offset of its record.
type InstanceAt struct {
	ObjectID uint64
	ClassID  uint64
	Offset   uint64
}

// ObjectArrayAt reports an object array and the byte offset of its record.
type ObjectArrayAt struct {
	ObjectID       uint64
	ElementClassID uint64
	Offset         uint64
}

// PrimitiveArrayAt reports a primitive array. ElementType is the raw
// basic-type code from the dump.
type PrimitiveArrayAt struct {
	ObjectID    uint64
	ElementType byte
	Offset      uint64
}

// Handler receives forward-stream events in file order. Returning an error
// aborts the stream.
//
// A string may arrive before or after the LoadClass and ClassDump events that
// reference its id, as real dumps write strings first. Strings that arrive
// before any reference are only kept when they can be a class or field name,
// so a name given in any other form must follow its references.
type Handler interface {
	ClassDump(ev ClassDump) error
	LoadClass(ev LoadClass) error
	String(ev StringUTF8) error
	InstanceAt(ev InstanceAt) error
	ObjectArrayAt(ev ObjectArrayAt) error
	PrimitiveArrayAt(ev PrimitiveArrayAt) error
}

// Streamer parses a dump forward once, calling h for every event.
type Streamer interface {
	Stream(ctx context.Context, h Handler) error
}

// RecordReader re-parses exactly one record at a byte offset. Implementations
// are called concurrently and must not share a seek position between calls.
// from and limit select a window of array elements.
type RecordReader interface {
	ReadInstance(ctx context.Context, offset uint64) (InstanceDump, error)
	ReadObjectArray(ctx context.Context, offset uint64, from, limit int) (ObjectArrayDump, error)
	ReadPrimitiveArray(ctx context.Context, offset uint64, from, limit int) (PrimitiveArrayDump, error)
}
