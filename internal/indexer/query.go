package indexer

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/heapdump"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/storage/objectindex"
	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
)

// RefKind says what a reference points at.
type RefKind string

const (
	RefNull           RefKind = "null"
	RefClass          RefKind = "class"
	RefInstance       RefKind = "instance"
	RefObjectArray    RefKind = "object_array"
	RefPrimitiveArray RefKind = "primitive_array"
)

// Ref is a resolved object reference.
type Ref struct {
	ID       uint64  `json:"id"`
	Kind     RefKind `json:"kind"`
	TypeName string  `json:"type_name,omitempty"`
}

// Field is one field of an instance. Object fields carry Ref, primitive
// fields carry their rendered Value.
type Field struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
	Ref   *Ref   `json:"ref,omitempty"`
}

type ClassInstance struct {
	ID        uint64  `json:"id"`
	ClassID   uint64  `json:"class_id"`
	ClassName string  `json:"class_name"`
	Fields    []Field `json:"fields"`
}

func (e *Engine) requireFinalized(op string) error {
	if !e.finalized.Load() {
		return fmt.Errorf("%s: %w", op, apperrors.ErrNotFinalized)
	}
	return nil
}

// Types returns a copy of the catalog, largest types first.
func (e *Engine) Types() ([]TypeEntry, error) {
	if err := e.requireFinalized("listing types"); err != nil {
		return nil, err
	}
	return slices.Clone(e.types), nil
}

// ClassName reports the display name of a class and whether the id is a
// known class at all. Before Finalize no class is known.
func (e *Engine) ClassName(classID uint64) (string, bool) {
	if !e.finalized.Load() {
		return "", false
	}
	c, ok := e.classes[classID]
	if !ok {
		return "", false
	}
	return c.name, true
}

func (e *Engine) className(classID uint64) string {
	if name, ok := e.ClassName(classID); ok {
		return name
	}
	return unresolvedClassName
}

// FieldNames returns the instance field names of classID in the order their
// values are laid out: own fields first, then each ancestor's.
func (e *Engine) FieldNames(classID uint64) []string {
	if !e.finalized.Load() {
		return nil
	}
	var names []string
	seen := make(map[uint64]struct{})
	for id := classID; id != 0; {
		if _, loop := seen[id]; loop {
			break
		}
		seen[id] = struct{}{}
		c, ok := e.classes[id]
		if !ok {
			break
		}
		names = append(names, c.fields...)
		id = c.superID
	}
	return names
}

func (e *Engine) LookupObject(id uint64) (objectindex.Record, error) {
	if err := e.requireFinalized("looking up object"); err != nil {
		return objectindex.Record{}, err
	}
	start := time.Now()
	r, err := e.objects.Lookup(id)
	e.metrics.LookupLatency.Observe(time.Since(start).Seconds())
	return r, err
}

func (e *Engine) list(store string, key uint64, offset, limit int) ([]uint64, error) {
	if err := e.requireFinalized("listing " + store); err != nil {
		return nil, err
	}
	start := time.Now()
	ids, err := e.stores[store].List(key, offset, limit)
	e.metrics.ListLatency.WithLabelValues(store).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("listing %s of %#x: %w", store, key, err)
	}
	return ids, nil
}

// ListClassInstances returns the expanded instances of classID in
// [offset, offset+limit) of registration order.
func (e *Engine) ListClassInstances(ctx context.Context, classID uint64, offset, limit int) ([]ClassInstance, error) {
	ids, err := e.list(storeInstances, classID, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ClassInstance, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inst, err := e.ShowInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (e *Engine) ListObjectArrays(elementClassID uint64, offset, limit int) ([]uint64, error) {
	return e.list(storeObjectArrays, elementClassID, offset, limit)
}

func (e *Engine) ListPrimitiveArrays(kind heapdump.PrimitiveKind, offset, limit int) ([]uint64, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("listing primitive arrays of %s: %w", kind, apperrors.ErrInvalidInput)
	}
	return e.list(storePrimitiveArrays, uint64(kind), offset, limit)
}

// CountType returns the number of members stored for a catalog entry.
func (e *Engine) CountType(t TypeEntry) (int, error) {
	if err := e.requireFinalized("counting type"); err != nil {
		return 0, err
	}
	switch t.Kind {
	case TypeObjectArray:
		return e.stores[storeObjectArrays].Count(t.Key())
	case TypePrimitiveArray:
		return e.stores[storePrimitiveArrays].Count(t.Key())
	default:
		return e.stores[storeInstances].Count(t.Key())
	}
}

// resolveRef types a referenced object id. 0 is the null reference.
func (e *Engine) resolveRef(id uint64) (Ref, error) {
	if id == 0 {
		return Ref{Kind: RefNull}, nil
	}
	if name, ok := e.ClassName(id); ok {
		return Ref{ID: id, Kind: RefClass, TypeName: "Class<" + name + ">"}, nil
	}
	r, err := e.LookupObject(id)
	if err != nil {
		return Ref{}, fmt.Errorf("resolving reference %#x: %w", id, err)
	}
	switch r.Kind {
	case heapdump.KindObjectArray:
		return Ref{ID: id, Kind: RefObjectArray, TypeName: e.className(r.TypeKey) + "[]"}, nil
	case heapdump.KindPrimitiveArray:
		return Ref{ID: id, Kind: RefPrimitiveArray, TypeName: r.PrimitiveKind().String() + "[]"}, nil
	default:
		return Ref{ID: id, Kind: RefInstance, TypeName: e.className(r.TypeKey)}, nil
	}
}

// lookupDetail finds id and checks that it is of the wanted kind and that a
// record reader is available.
func (e *Engine) lookupDetail(id uint64, want heapdump.ObjectKind) (objectindex.Record, error) {
	if err := e.requireFinalized("reading " + want.String()); err != nil {
		return objectindex.Record{}, err
	}
	if e.reader == nil {
		return objectindex.Record{}, apperrors.Newf(apperrors.ErrInternal, http.StatusNotImplemented,
			"reading %s %#x: no record reader configured", want, id)
	}
	r, err := e.LookupObject(id)
	if err != nil {
		return objectindex.Record{}, fmt.Errorf("reading %s %#x: %w", want, id, err)
	}
	if r.Kind != want {
		return objectindex.Record{}, fmt.Errorf("object %#x is a %s, not a %s: %w", id, r.Kind, want, apperrors.ErrInvalidInput)
	}
	return r, nil
}

func (e *Engine) countDetail(kind heapdump.ObjectKind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.DetailQueriesTotal.WithLabelValues(kind.String(), result).Inc()
}

// ShowInstance re-reads the instance id from the dump and pairs its values
// with the field names of its class hierarchy.
func (e *Engine) ShowInstance(ctx context.Context, id uint64) (inst ClassInstance, err error) {
	defer func() { e.countDetail(heapdump.KindInstance, err) }()

	r, err := e.lookupDetail(id, heapdump.KindInstance)
	if err != nil {
		return ClassInstance{}, err
	}
	dump, err := e.reader.ReadInstance(ctx, r.Offset)
	if err != nil {
		return ClassInstance{}, fmt.Errorf("reading instance %#x at %d: %w", id, r.Offset, err)
	}
	if dump.ObjectID != id || dump.ClassID != r.TypeKey {
		return ClassInstance{}, fmt.Errorf("record at %d is %#x of class %#x, want %#x of class %#x: %w",
			r.Offset, dump.ObjectID, dump.ClassID, id, r.TypeKey, apperrors.ErrCorruptStream)
	}
	names := e.FieldNames(r.TypeKey)
	if len(names) != len(dump.Values) {
		return ClassInstance{}, fmt.Errorf("instance %#x has %d values for %d fields: %w",
			id, len(dump.Values), len(names), apperrors.ErrCorruptStream)
	}

	inst = ClassInstance{
		ID:        id,
		ClassID:   r.TypeKey,
		ClassName: e.className(r.TypeKey),
		Fields:    make([]Field, len(names)),
	}
	for i, v := range dump.Values {
		f := Field{Name: names[i], Type: v.Type.String()}
		if v.IsObject() {
			ref, err := e.resolveRef(v.Raw)
			if err != nil {
				return ClassInstance{}, fmt.Errorf("field %s of %#x: %w", names[i], id, err)
			}
			f.Ref = &ref
		} else {
			f.Value = v.String()
		}
		inst.Fields[i] = f
	}
	return inst, nil
}

func checkWindow(offset, limit int) error {
	if offset < 0 || limit < 0 {
		return fmt.Errorf("window offset %d limit %d: %w", offset, limit, apperrors.ErrInvalidInput)
	}
	return nil
}

// ListObjectArrayElements re-reads a window of an object array and resolves
// each element.
func (e *Engine) ListObjectArrayElements(ctx context.Context, arrayID uint64, offset, limit int) (refs []Ref, err error) {
	defer func() { e.countDetail(heapdump.KindObjectArray, err) }()

	if err := checkWindow(offset, limit); err != nil {
		return nil, err
	}
	r, err := e.lookupDetail(arrayID, heapdump.KindObjectArray)
	if err != nil {
		return nil, err
	}
	dump, err := e.reader.ReadObjectArray(ctx, r.Offset, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("reading object array %#x at %d: %w", arrayID, r.Offset, err)
	}
	refs = make([]Ref, len(dump.Elements))
	for i, id := range dump.Elements {
		ref, err := e.resolveRef(id)
		if err != nil {
			return nil, fmt.Errorf("element %d of %#x: %w", offset+i, arrayID, err)
		}
		refs[i] = ref
	}
	return refs, nil
}

// ListPrimitiveArrayElements re-reads a window of a primitive array and
// renders each element.
func (e *Engine) ListPrimitiveArrayElements(ctx context.Context, arrayID uint64, offset, limit int) (values []string, err error) {
	defer func() { e.countDetail(heapdump.KindPrimitiveArray, err) }()

	if err := checkWindow(offset, limit); err != nil {
		return nil, err
	}
	r, err := e.lookupDetail(arrayID, heapdump.KindPrimitiveArray)
	if err != nil {
		return nil, err
	}
	dump, err := e.reader.ReadPrimitiveArray(ctx, r.Offset, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("reading primitive array %#x at %d: %w", arrayID, r.Offset, err)
	}
	if dump.ElementType != r.PrimitiveKind() {
		return nil, fmt.Errorf("primitive array %#x holds %s, index says %s: %w",
			arrayID, dump.ElementType, r.PrimitiveKind(), apperrors.ErrCorruptStream)
	}
	values = make([]string, len(dump.Elements))
	for i, v := range dump.Elements {
		values[i] = v.String()
	}
	return values, nil
}
