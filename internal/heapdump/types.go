// Package heapdump holds the vocabulary shared between the dump parser and
// the index: object and primitive kinds, the forward-stream events, the
// payloads of targeted single-record re-reads, and the parser contracts.
//
// The parser itself lives outside this module. Anything that can emit the
// events below in file order, and re-read one record at a byte offset, can
// drive the index.
package heapdump

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
)

// ObjectKind discriminates the three kinds of heap objects the index stores.
type ObjectKind uint8

const (
	KindInstance ObjectKind = iota
	KindObjectArray
	KindPrimitiveArray
)

func (k ObjectKind) Valid() bool {
	return k <= KindPrimitiveArray
}

func (k ObjectKind) String() string {
	switch k {
	case KindInstance:
		return "instance"
	case KindObjectArray:
		return "object_array"
	case KindPrimitiveArray:
		return "primitive_array"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// PrimitiveKind is the element type of a primitive array. Its ordinal is the
// type key primitive arrays are grouped under.
type PrimitiveKind uint8

const (
	Bool PrimitiveKind = iota
	Char
	Float
	Double
	Byte
	Short
	Int
	Long
)

var primitiveNames = [...]string{"bool", "char", "float", "double", "byte", "short", "int", "long"}

func (k PrimitiveKind) Valid() bool {
	return int(k) < len(primitiveNames)
}

func (k PrimitiveKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("primitive(%d)", uint8(k))
	}
	return primitiveNames[k]
}

// PrimitiveKindFromCode maps the basic-type code used in the dump (4..11) to
// a PrimitiveKind. Any other code means the stream is corrupt.
func PrimitiveKindFromCode(code byte) (PrimitiveKind, error) {
	if code < 4 || code > 11 {
		return 0, fmt.Errorf("unexpected primitive type code %d: %w", code, apperrors.ErrCorruptStream)
	}
	return PrimitiveKind(code - 4), nil
}

// ParsePrimitiveKind accepts the lowercase names returned by String.
func ParsePrimitiveKind(name string) (PrimitiveKind, error) {
	name = strings.TrimSuffix(strings.ToLower(name), "[]")
	for i, n := range primitiveNames {
		if n == name {
			return PrimitiveKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown primitive kind %q: %w", name, apperrors.ErrInvalidInput)
}

// ValueType is the type of one field value or array element read back from
// the dump.
type ValueType uint8

const (
	TypeObject ValueType = iota
	TypeBool
	TypeChar
	TypeFloat
	TypeDouble
	TypeByte
	TypeShort
	TypeInt
	TypeLong
)

func (t ValueType) String() string {
	if t == TypeObject {
		return "object"
	}
	return PrimitiveKind(t - TypeBool).String()
}

// ValueTypeOf returns the value type of a primitive array element.
func ValueTypeOf(k PrimitiveKind) ValueType {
	return ValueType(k) + TypeBool
}

// Value is a raw field value. Raw holds the bits as they appear in the dump,
// zero-extended; object values hold the referenced id, 0 being null.
type Value struct {
	Type ValueType
	Raw  uint64
}

func ObjectValue(id uint64) Value { return Value{Type: TypeObject, Raw: id} }

func (v Value) IsObject() bool { return v.Type == TypeObject }

// String renders the value the way a viewer prints it.
func (v Value) String() string {
	switch v.Type {
	case TypeObject:
		return "0x" + strconv.FormatUint(v.Raw, 16)
	case TypeBool:
		return strconv.FormatBool(v.Raw != 0)
	case TypeChar:
		return string(rune(uint16(v.Raw)))
	case TypeFloat:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v.Raw))), 'g', -1, 32)
	case TypeDouble:
		return strconv.FormatFloat(math.Float64frombits(v.Raw), 'g', -1, 64)
	case TypeByte:
		return strconv.FormatInt(int64(int8(v.Raw)), 10)
	case TypeShort:
		return strconv.FormatInt(int64(int16(v.Raw)), 10)
	case TypeInt:
		return strconv.FormatInt(int64(int32(v.Raw)), 10)
	case TypeLong:
		return strconv.FormatInt(int64(v.Raw), 10)
	default:
		return "?"
	}
}

// InstanceDump is a class instance re-read at its offset. Values are ordered
// own class fields first, then the super class fields, and so on.
type InstanceDump struct {
	ObjectID uint64
	ClassID  uint64
	Values   []Value
}

// ObjectArrayDump holds a window of an object array's elements.
type ObjectArrayDump struct {
	ObjectID       uint64
	ElementClassID uint64
	Elements       []uint64
}

// PrimitiveArrayDump holds a window of a primitive array's elements.
type PrimitiveArrayDump struct {
	ObjectID    uint64
	ElementType PrimitiveKind
	Elements    []Value
}
