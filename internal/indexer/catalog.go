package indexer

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/heapdump"
)

// TypeKind discriminates catalog entries.
type TypeKind uint8

const (
	TypeClass TypeKind = iota
	TypeObjectArray
	TypePrimitiveArray
)

func (k TypeKind) String() string {
	switch k {
	case TypeClass:
		return "class"
	case TypeObjectArray:
		return "object_array"
	case TypePrimitiveArray:
		return "primitive_array"
	default:
		return fmt.Sprintf("type(%d)", uint8(k))
	}
}

func (k TypeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *TypeKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "class":
		*k = TypeClass
	case "object_array":
		*k = TypeObjectArray
	case "primitive_array":
		*k = TypePrimitiveArray
	default:
		return fmt.Errorf("unknown type kind %q", b)
	}
	return nil
}

// TypeEntry is one row of the type catalog. Which of ClassID, ElementClassID
// and PrimitiveKind is meaningful depends on Kind.
type TypeEntry struct {
	Kind           TypeKind
	Name           string
	InstanceCount  uint32
	ClassID        uint64
	ElementClassID uint64
	PrimitiveKind  heapdump.PrimitiveKind
}

// Key is the type key the entry's members are listed under.
func (t TypeEntry) Key() uint64 {
	switch t.Kind {
	case TypeObjectArray:
		return t.ElementClassID
	case TypePrimitiveArray:
		return uint64(t.PrimitiveKind)
	default:
		return t.ClassID
	}
}

type typeEntryJSON struct {
	Kind           TypeKind `json:"kind"`
	Name           string   `json:"name"`
	InstanceCount  uint32   `json:"instance_count"`
	ClassID        uint64   `json:"class_id,omitempty"`
	ElementClassID uint64   `json:"element_class_id,omitempty"`
	PrimitiveKind  string   `json:"primitive_kind,omitempty"`
}

func (t TypeEntry) MarshalJSON() ([]byte, error) {
	out := typeEntryJSON{
		Kind:          t.Kind,
		Name:          t.Name,
		InstanceCount: t.InstanceCount,
	}
	switch t.Kind {
	case TypeClass:
		out.ClassID = t.ClassID
	case TypeObjectArray:
		out.ElementClassID = t.ElementClassID
	case TypePrimitiveArray:
		out.PrimitiveKind = t.PrimitiveKind.String()
	}
	return json.Marshal(out)
}

func (t *TypeEntry) UnmarshalJSON(b []byte) error {
	var in typeEntryJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*t = TypeEntry{
		Kind:           in.Kind,
		Name:           in.Name,
		InstanceCount:  in.InstanceCount,
		ClassID:        in.ClassID,
		ElementClassID: in.ElementClassID,
	}
	if in.Kind == TypePrimitiveArray {
		k, err := heapdump.ParsePrimitiveKind(in.PrimitiveKind)
		if err != nil {
			return err
		}
		t.PrimitiveKind = k
	}
	return nil
}

// buildCatalog assembles the catalog from the ingestion counters. Classes
// without instances are left out.
func buildCatalog(classes map[uint64]*classInfo, arrays map[uint64]uint32, primitives map[heapdump.PrimitiveKind]uint32) []TypeEntry {
	types := make([]TypeEntry, 0, len(arrays)+len(primitives)+64)
	for id, c := range classes {
		if c.count == 0 {
			continue
		}
		types = append(types, TypeEntry{
			Kind:          TypeClass,
			Name:          c.displayName(),
			InstanceCount: c.count,
			ClassID:       id,
		})
	}
	for elem, n := range arrays {
		name := unresolvedClassName
		if c, ok := classes[elem]; ok {
			name = c.displayName()
		}
		types = append(types, TypeEntry{
			Kind:           TypeObjectArray,
			Name:           name + "[]",
			InstanceCount:  n,
			ElementClassID: elem,
		})
	}
	for kind, n := range primitives {
		types = append(types, TypeEntry{
			Kind:          TypePrimitiveArray,
			Name:          kind.String() + "[]",
			InstanceCount: n,
			PrimitiveKind: kind,
		})
	}
	sortCatalog(types)
	return types
}

// sortCatalog orders by instance count descending, then kind, then key.
func sortCatalog(types []TypeEntry) {
	sort.Slice(types, func(i, j int) bool {
		a, b := types[i], types[j]
		if a.InstanceCount != b.InstanceCount {
			return a.InstanceCount > b.InstanceCount
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Key() < b.Key()
	})
}
