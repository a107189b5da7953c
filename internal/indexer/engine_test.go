package indexer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/heapdump"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/storage/objectindex"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/metrics"
)

const (
	classA = 100
	classB = 200
)

// fakeReader serves records by offset.
type fakeReader struct {
	instances  map[uint64]heapdump.InstanceDump
	objArrays  map[uint64]heapdump.ObjectArrayDump
	primArrays map[uint64]heapdump.PrimitiveArrayDump
}

func window[T any](all []T, from, limit int) []T {
	if from >= len(all) {
		return nil
	}
	return all[from:min(from+limit, len(all))]
}

func (f *fakeReader) ReadInstance(_ context.Context, offset uint64) (heapdump.InstanceDump, error) {
	d, ok := f.instances[offset]
	if !ok {
		return heapdump.InstanceDump{}, apperrors.StorageIO("read", fmt.Errorf("no instance at %d", offset))
	}
	return d, nil
}

func (f *fakeReader) ReadObjectArray(_ context.Context, offset uint64, from, limit int) (heapdump.ObjectArrayDump, error) {
	d, ok := f.objArrays[offset]
	if !ok {
		return heapdump.ObjectArrayDump{}, apperrors.StorageIO("read", fmt.Errorf("no object array at %d", offset))
	}
	d.Elements = window(d.Elements, from, limit)
	return d, nil
}

func (f *fakeReader) ReadPrimitiveArray(_ context.Context, offset uint64, from, limit int) (heapdump.PrimitiveArrayDump, error) {
	d, ok := f.primArrays[offset]
	if !ok {
		return heapdump.PrimitiveArrayDump{}, apperrors.StorageIO("read", fmt.Errorf("no primitive array at %d", offset))
	}
	d.Elements = window(d.Elements, from, limit)
	return d, nil
}

func intValue(v int32) heapdump.Value {
	return heapdump.Value{Type: heapdump.TypeInt, Raw: uint64(uint32(v))}
}

// scenario is a small dump: class A (3 instances), class B extends A
// (1 instance), two object arrays of A and one int array. Names arrive last;
// B's own field name never does.
func scenario() (heapdump.EventList, *fakeReader) {
	events := heapdump.EventList{
		{Type: heapdump.EventClassDump, ClassID: classA, FieldNameIDs: []uint64{10, 11}},
		{Type: heapdump.EventClassDump, ClassID: classB, SuperClassID: classA, FieldNameIDs: []uint64{12}},
		{Type: heapdump.EventLoadClass, ClassID: classA, NameID: 1},
		{Type: heapdump.EventLoadClass, ClassID: classB, NameID: 2},
		{Type: heapdump.EventInstance, ObjectID: 1001, ClassID: classA, Offset: 10},
		{Type: heapdump.EventObjectArray, ObjectID: 3001, ElementClassID: classA, Offset: 50},
		{Type: heapdump.EventInstance, ObjectID: 1002, ClassID: classA, Offset: 20},
		{Type: heapdump.EventInstance, ObjectID: 2001, ClassID: classB, Offset: 40},
		{Type: heapdump.EventPrimitiveArray, ObjectID: 4001, ElementType: 10, Offset: 70},
		{Type: heapdump.EventInstance, ObjectID: 1003, ClassID: classA, Offset: 30},
		{Type: heapdump.EventObjectArray, ObjectID: 3002, ElementClassID: classA, Offset: 60},
		{Type: heapdump.EventString, StringID: 1, Text: "com/example/A"},
		{Type: heapdump.EventString, StringID: 2, Text: "[Lcom/example/B;"},
		{Type: heapdump.EventString, StringID: 10, Text: "count"},
		{Type: heapdump.EventString, StringID: 11, Text: "next"},
		{Type: heapdump.EventString, StringID: 99, Text: "unused"},
		{Type: heapdump.EventEnd},
	}
	reader := &fakeReader{
		instances: map[uint64]heapdump.InstanceDump{
			10: {ObjectID: 1001, ClassID: classA, Values: []heapdump.Value{intValue(1), heapdump.ObjectValue(1002)}},
			20: {ObjectID: 1002, ClassID: classA, Values: []heapdump.Value{intValue(2), heapdump.ObjectValue(3001)}},
			30: {ObjectID: 1003, ClassID: classA, Values: []heapdump.Value{intValue(-3), heapdump.ObjectValue(0)}},
			40: {ObjectID: 2001, ClassID: classB, Values: []heapdump.Value{
				heapdump.ObjectValue(classA), intValue(7), heapdump.ObjectValue(4001),
			}},
		},
		objArrays: map[uint64]heapdump.ObjectArrayDump{
			50: {ObjectID: 3001, ElementClassID: classA, Elements: []uint64{1001, 0, 2001, 3002}},
			60: {ObjectID: 3002, ElementClassID: classA, Elements: []uint64{classB}},
		},
		primArrays: map[uint64]heapdump.PrimitiveArrayDump{
			70: {ObjectID: 4001, ElementType: heapdump.Int, Elements: []heapdump.Value{intValue(5), intValue(-6), intValue(7)}},
		},
	}
	return events, reader
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(config.IndexerConfig{
		DumpName:        "test",
		TempDir:         t.TempDir(),
		BatchRecords:    2,
		SegmentCapacity: 2,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func runScenario(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	events, reader := scenario()
	e := newTestEngine(t, append([]Option{WithRecordReader(reader)}, opts...)...)
	require.NoError(t, e.Run(context.Background(), events))
	return e
}

func TestEndToEndCatalog(t *testing.T) {
	e := runScenario(t)

	types, err := e.Types()
	require.NoError(t, err)
	require.Len(t, types, 4)

	assert.Equal(t, TypeEntry{Kind: TypeClass, Name: "com.example.A", InstanceCount: 3, ClassID: classA}, types[0])
	assert.Equal(t, TypeEntry{Kind: TypeObjectArray, Name: "com.example.A[]", InstanceCount: 2, ElementClassID: classA}, types[1])
	assert.Equal(t, TypeEntry{Kind: TypeClass, Name: "com.example.B", InstanceCount: 1, ClassID: classB}, types[2])
	assert.Equal(t, TypeEntry{Kind: TypePrimitiveArray, Name: "int[]", InstanceCount: 1, PrimitiveKind: heapdump.Int}, types[3])

	for _, typ := range types {
		n, err := e.CountType(typ)
		require.NoError(t, err)
		assert.Equal(t, int(typ.InstanceCount), n, typ.Name)
	}

	assert.Equal(t, int64(7), e.ObjectCount())
	for _, want := range []objectindex.Record{
		{ID: 1001, TypeKey: classA, Offset: 10, Kind: heapdump.KindInstance},
		{ID: 1002, TypeKey: classA, Offset: 20, Kind: heapdump.KindInstance},
		{ID: 1003, TypeKey: classA, Offset: 30, Kind: heapdump.KindInstance},
		{ID: 2001, TypeKey: classB, Offset: 40, Kind: heapdump.KindInstance},
		{ID: 3001, TypeKey: classA, Offset: 50, Kind: heapdump.KindObjectArray},
		{ID: 3002, TypeKey: classA, Offset: 60, Kind: heapdump.KindObjectArray},
		{ID: 4001, TypeKey: uint64(heapdump.Int), Offset: 70, Kind: heapdump.KindPrimitiveArray},
	} {
		got, err := e.LookupObject(want.ID)
		require.NoError(t, err, "object %d", want.ID)
		assert.Equal(t, want, got, "object %d", want.ID)
	}
	_, err = e.LookupObject(9999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// The returned slice is a copy.
	types[0].Name = "mutated"
	again, err := e.Types()
	require.NoError(t, err)
	assert.Equal(t, "com.example.A", again[0].Name)
}

func TestListsFollowRegistrationOrder(t *testing.T) {
	e := runScenario(t)

	arrays, err := e.ListObjectArrays(classA, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3001, 3002}, arrays)

	prims, err := e.ListPrimitiveArrays(heapdump.Int, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4001}, prims)

	_, err = e.ListPrimitiveArrays(heapdump.Long, 0, 10)
	assert.ErrorIs(t, err, apperrors.ErrTypeNotFound)
	_, err = e.ListPrimitiveArrays(heapdump.PrimitiveKind(42), 0, 10)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	page, err := e.ListClassInstances(context.Background(), classA, 1, 5)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(1002), page[0].ID)
	assert.Equal(t, uint64(1003), page[1].ID)

	// Idempotent.
	again, err := e.ListClassInstances(context.Background(), classA, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, page, again)
}

func TestFieldNamesFollowHierarchy(t *testing.T) {
	e := runScenario(t)

	assert.Equal(t, []string{"count", "next"}, e.FieldNames(classA))
	assert.Equal(t, []string{"field1", "count", "next"}, e.FieldNames(classB))
	assert.Nil(t, e.FieldNames(12345))

	name, ok := e.ClassName(classB)
	assert.True(t, ok)
	assert.Equal(t, "com.example.B", name)
	_, ok = e.ClassName(12345)
	assert.False(t, ok)
}

func TestShowInstanceResolvesReferences(t *testing.T) {
	e := runScenario(t)
	ctx := context.Background()

	inst, err := e.ShowInstance(ctx, 2001)
	require.NoError(t, err)
	assert.Equal(t, "com.example.B", inst.ClassName)
	assert.Equal(t, []Field{
		{Name: "field1", Type: "object", Ref: &Ref{ID: classA, Kind: RefClass, TypeName: "Class<com.example.A>"}},
		{Name: "count", Type: "int", Value: "7"},
		{Name: "next", Type: "object", Ref: &Ref{ID: 4001, Kind: RefPrimitiveArray, TypeName: "int[]"}},
	}, inst.Fields)

	inst, err = e.ShowInstance(ctx, 1002)
	require.NoError(t, err)
	assert.Equal(t, &Ref{ID: 3001, Kind: RefObjectArray, TypeName: "com.example.A[]"}, inst.Fields[1].Ref)

	inst, err = e.ShowInstance(ctx, 1003)
	require.NoError(t, err)
	assert.Equal(t, "-3", inst.Fields[0].Value)
	assert.Equal(t, &Ref{Kind: RefNull}, inst.Fields[1].Ref)

	_, err = e.ShowInstance(ctx, 3001)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = e.ShowInstance(ctx, 777)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestArrayElements(t *testing.T) {
	e := runScenario(t)
	ctx := context.Background()

	refs, err := e.ListObjectArrayElements(ctx, 3001, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []Ref{
		{ID: 1001, Kind: RefInstance, TypeName: "com.example.A"},
		{Kind: RefNull},
		{ID: 2001, Kind: RefInstance, TypeName: "com.example.B"},
		{ID: 3002, Kind: RefObjectArray, TypeName: "com.example.A[]"},
	}, refs)

	refs, err = e.ListObjectArrayElements(ctx, 3001, 3, 10)
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	values, err := e.ListPrimitiveArrayElements(ctx, 4001, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"-6"}, values)

	_, err = e.ListPrimitiveArrayElements(ctx, 3001, 0, 1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = e.ListObjectArrayElements(ctx, 3001, -1, 1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestDanglingReferenceIsNotFound(t *testing.T) {
	events := heapdump.EventList{
		{Type: heapdump.EventClassDump, ClassID: classA, FieldNameIDs: []uint64{10}},
		{Type: heapdump.EventInstance, ObjectID: 1, ClassID: classA, Offset: 5},
	}
	reader := &fakeReader{instances: map[uint64]heapdump.InstanceDump{
		5: {ObjectID: 1, ClassID: classA, Values: []heapdump.Value{heapdump.ObjectValue(0xdead)}},
	}}
	e := newTestEngine(t, WithRecordReader(reader))
	require.NoError(t, e.Run(context.Background(), events))

	_, err := e.ShowInstance(context.Background(), 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	types, err := e.Types()
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, "<???>", types[0].Name)
	assert.Equal(t, []string{"field1"}, e.FieldNames(classA))
}

func TestDeferredNaming(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.String(heapdump.StringUTF8{ID: 5, Text: "early/Named"}))
	require.NoError(t, e.String(heapdump.StringUTF8{ID: 6, Text: "(Ljava/lang/String;)V"}))
	require.NoError(t, e.LoadClass(heapdump.LoadClass{ClassID: 1, NameID: 7}))
	require.NoError(t, e.LoadClass(heapdump.LoadClass{ClassID: 2, NameID: 7}))
	require.NoError(t, e.LoadClass(heapdump.LoadClass{ClassID: 3, NameID: 5}))
	require.NoError(t, e.LoadClass(heapdump.LoadClass{ClassID: 5, NameID: 6}))
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, e.InstanceAt(heapdump.InstanceAt{ObjectID: 100 + i, ClassID: 1 + i%3, Offset: i}))
	}
	require.NoError(t, e.String(heapdump.StringUTF8{ID: 7, Text: "java/lang/Shared"}))
	// A class bound after its string arrived resolves immediately.
	require.NoError(t, e.LoadClass(heapdump.LoadClass{ClassID: 4, NameID: 7}))
	require.NoError(t, e.InstanceAt(heapdump.InstanceAt{ObjectID: 200, ClassID: 4, Offset: 9}))
	require.NoError(t, e.Finalize(context.Background()))

	for _, id := range []uint64{1, 2, 4} {
		name, ok := e.ClassName(id)
		require.True(t, ok)
		assert.Equal(t, "java.lang.Shared", name, "class %d", id)
	}
	name, _ := e.ClassName(3)
	assert.Equal(t, "early.Named", name)
	// Strings that cannot be names are not kept.
	name, _ = e.ClassName(5)
	assert.Equal(t, "<???>", name)
}

func TestStringsBeforeTheirReferences(t *testing.T) {
	e := newTestEngine(t)
	events := heapdump.EventList{
		{Type: heapdump.EventString, StringID: 7, Text: "java/lang/String"},
		{Type: heapdump.EventString, StringID: 8, Text: "value"},
		{Type: heapdump.EventString, StringID: 9, Text: "hash"},
		{Type: heapdump.EventString, StringID: 10, Text: "[Ljava/lang/Object;"},
		{Type: heapdump.EventLoadClass, ClassID: 1, NameID: 7},
		{Type: heapdump.EventLoadClass, ClassID: 2, NameID: 10},
		{Type: heapdump.EventClassDump, ClassID: 1, FieldNameIDs: []uint64{8, 9}},
		{Type: heapdump.EventInstance, ObjectID: 10, ClassID: 1, Offset: 1},
		{Type: heapdump.EventObjectArray, ObjectID: 11, ElementClassID: 2, Offset: 2},
		{Type: heapdump.EventEnd},
	}
	require.NoError(t, e.Run(context.Background(), events))

	types, err := e.Types()
	require.NoError(t, err)
	require.Len(t, types, 2)
	assert.Equal(t, "java.lang.String", types[0].Name)
	assert.Equal(t, "java.lang.Object[]", types[1].Name)
	assert.Equal(t, []string{"value", "hash"}, e.FieldNames(1))
}

func TestNameLike(t *testing.T) {
	for _, s := range []string{"java/util/HashMap$Entry", "[Ljava/lang/String;", "count", "val$x", "Foo$$Lambda+0x1234/5678", "<init>"} {
		assert.True(t, nameLike(s), s)
	}
	for _, s := range []string{"", "(I)V", "hello world", "a,b", "x:y"} {
		assert.False(t, nameLike(s), s)
	}
}

func TestFirstClassDefinitionWins(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.ClassDump(heapdump.ClassDump{ClassID: 1, SuperClassID: 0, FieldNameIDs: []uint64{8}}))
	require.NoError(t, e.ClassDump(heapdump.ClassDump{ClassID: 1, SuperClassID: 9, FieldNameIDs: []uint64{8, 8}}))
	require.NoError(t, e.String(heapdump.StringUTF8{ID: 8, Text: "size"}))
	require.NoError(t, e.Finalize(context.Background()))

	assert.Equal(t, []string{"size"}, e.FieldNames(1))
}

func TestCorruptPrimitiveCode(t *testing.T) {
	for _, code := range []byte{0, 2, 3, 12, 255} {
		e := newTestEngine(t)
		err := e.PrimitiveArrayAt(heapdump.PrimitiveArrayAt{ObjectID: 1, ElementType: code})
		assert.ErrorIs(t, err, apperrors.ErrCorruptStream, "code %d", code)
	}
}

func TestLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Types()
	assert.ErrorIs(t, err, apperrors.ErrNotFinalized)
	_, err = e.ListObjectArrays(1, 0, 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFinalized)
	_, err = e.ShowInstance(ctx, 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFinalized)

	err = e.InstanceAt(heapdump.InstanceAt{ObjectID: objectindex.ReservedID, ClassID: 1})
	assert.ErrorIs(t, err, apperrors.ErrReservedKey)

	require.NoError(t, e.Finalize(ctx))
	assert.True(t, e.Finalized())
	assert.ErrorIs(t, e.Finalize(ctx), apperrors.ErrAlreadyFinalized)
	assert.ErrorIs(t, e.InstanceAt(heapdump.InstanceAt{ObjectID: 1, ClassID: 1}), apperrors.ErrAlreadyFinalized)
	assert.ErrorIs(t, e.String(heapdump.StringUTF8{ID: 1}), apperrors.ErrAlreadyFinalized)

	types, err := e.Types()
	require.NoError(t, err)
	assert.Empty(t, types)

	// Without a record reader detail queries fail, lookups still work.
	_, err = e.ShowInstance(ctx, 1)
	assert.ErrorIs(t, err, apperrors.ErrInternal)
}

func TestQueriesWaitForTheWholeFinalize(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.LoadClass(heapdump.LoadClass{ClassID: 1, NameID: 2}))
	require.NoError(t, e.String(heapdump.StringUTF8{ID: 2, Text: "a/B"}))
	require.NoError(t, e.InstanceAt(heapdump.InstanceAt{ObjectID: 10, ClassID: 1, Offset: 3}))

	// The object index can be ready while the engine is still finalizing its
	// other stores and class tables.
	require.NoError(t, e.objects.Finalize())
	_, err := e.LookupObject(10)
	assert.ErrorIs(t, err, apperrors.ErrNotFinalized)
	_, ok := e.ClassName(1)
	assert.False(t, ok)
	assert.Nil(t, e.FieldNames(1))
}

func TestRunPropagatesStreamErrors(t *testing.T) {
	e := newTestEngine(t)
	events := heapdump.EventList{
		{Type: heapdump.EventInstance, ObjectID: 1, ClassID: 1},
		{Type: heapdump.EventInstance, ObjectID: 1, ClassID: 1},
	}
	// Duplicates are caught when the runs are merged.
	err := e.Run(context.Background(), events)
	assert.ErrorIs(t, err, apperrors.ErrCorruptStream)

	e = newTestEngine(t)
	err = e.Run(context.Background(), heapdump.EventList{{Type: "bogus"}})
	assert.ErrorIs(t, err, apperrors.ErrCorruptStream)
	assert.False(t, e.Finalized())
}

func TestConcurrentQueries(t *testing.T) {
	e := runScenario(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := e.ShowInstance(ctx, 2001); err != nil {
					errs <- err
					return
				}
				if _, err := e.ListClassInstances(ctx, classA, 0, 3); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestMetricsAndCleanup(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New(prometheus.NewRegistry())
	events, reader := scenario()
	e, err := NewEngine(config.IndexerConfig{TempDir: dir, BatchRecords: 2, SegmentCapacity: 2},
		WithRecordReader(reader), WithMetrics(m))
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), events))

	assert.Equal(t, float64(4), testutil.ToFloat64(m.ObjectsIndexedTotal.WithLabelValues("instance")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ObjectsIndexedTotal.WithLabelValues("object_array")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.CatalogTypes))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.SortedRunsTotal))

	_, err = e.ShowInstance(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DetailQueriesTotal.WithLabelValues("instance", "ok")))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNormalizeClassName(t *testing.T) {
	cases := map[string]string{
		"java/util/HashMap":   "java.util.HashMap",
		"[Ljava/lang/String;": "java.lang.String",
		"Plain":               "Plain",
		"[I":                  "[I",
		"[[Lcom/x/Y;":         "[[Lcom.x.Y;",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeClassName(in), in)
	}
}

func TestTypeEntryJSON(t *testing.T) {
	entries := []TypeEntry{
		{Kind: TypeClass, Name: "A", InstanceCount: 3, ClassID: 100},
		{Kind: TypePrimitiveArray, Name: "bool[]", InstanceCount: 1, PrimitiveKind: heapdump.Bool},
	}
	for _, want := range entries {
		b, err := want.MarshalJSON()
		require.NoError(t, err)
		var got TypeEntry
		require.NoError(t, got.UnmarshalJSON(b))
		assert.Equal(t, want, got)
	}
	b, err := entries[1].MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"primitive_array","name":"bool[]","instance_count":1,"primitive_kind":"bool"}`, string(b))
}
