package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/heapdump"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/storage/objectindex"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/storage/typestore"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/tracing"
)

const progressEvery = 1_000_000

// Store names used in logs and metric labels.
const (
	storeObjects         = "objects"
	storeInstances       = "instances"
	storeObjectArrays    = "object_arrays"
	storePrimitiveArrays = "primitive_arrays"
)

var _ heapdump.Handler = (*Engine)(nil)

// classMeta is what survives of a class after Finalize.
type classMeta struct {
	name    string
	superID uint64
	fields  []string
}

// Engine consumes the forward event stream of one dump and builds the object
// index, the per-type member lists and the type catalog. Events must come
// from a single goroutine. Once Finalize returns, the query methods are safe
// for concurrent use.
type Engine struct {
	cfg     config.IndexerConfig
	objects *objectindex.Index
	stores  map[string]*typestore.Store
	reader  heapdump.RecordReader
	metrics *metrics.Metrics
	logger  *slog.Logger
	indexed [3]prometheus.Counter

	table      *classTable
	arrays     map[uint64]uint32
	primitives map[heapdump.PrimitiveKind]uint32
	registered int64
	strings    int64
	resolved   int64

	classes map[uint64]classMeta
	types   []TypeEntry

	sealed    bool
	finalized atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type Option func(*Engine)

// WithRecordReader sets the reader used by the detail queries.
func WithRecordReader(r heapdump.RecordReader) Option {
	return func(e *Engine) { e.reader = r }
}

// WithMetrics records into m instead of a private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(cfg config.IndexerConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		stores:     make(map[string]*typestore.Store, 3),
		logger:     slog.Default().With("component", "indexer"),
		table:      newClassTable(),
		arrays:     make(map[uint64]uint32),
		primitives: make(map[heapdump.PrimitiveKind]uint32),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(prometheus.NewRegistry())
	}
	for _, k := range []heapdump.ObjectKind{heapdump.KindInstance, heapdump.KindObjectArray, heapdump.KindPrimitiveArray} {
		e.indexed[k] = e.metrics.ObjectsIndexedTotal.WithLabelValues(k.String())
	}

	objects, err := objectindex.New(objectindex.Options{
		Dir:                 cfg.TempDir,
		BatchRecords:        cfg.BatchRecords,
		RunBufferRecords:    cfg.RunBufferRecords,
		OutputBufferRecords: cfg.OutputBufferRecords,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object index: %w", err)
	}
	e.objects = objects
	for _, name := range []string{storeInstances, storeObjectArrays, storePrimitiveArrays} {
		s, err := typestore.New(typestore.Options{
			Dir:             cfg.TempDir,
			Name:            name,
			SegmentCapacity: cfg.SegmentCapacity,
		})
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("creating %s store: %w", name, err)
		}
		e.stores[name] = s
	}

	e.logger.Info("indexer engine created",
		"dump", cfg.DumpName,
		"temp_dir", cfg.TempDir,
		"batch_records", cfg.BatchRecords,
		"segment_capacity", cfg.SegmentCapacity,
	)
	return e, nil
}

func (e *Engine) checkOpen(op string) error {
	if e.sealed {
		return fmt.Errorf("%s: %w", op, apperrors.ErrAlreadyFinalized)
	}
	return nil
}

func (e *Engine) ClassDump(ev heapdump.ClassDump) error {
	if err := e.checkOpen("class dump"); err != nil {
		return err
	}
	if !e.table.define(ev.ClassID, ev.SuperClassID, ev.FieldNameIDs) {
		e.logger.Debug("ignoring repeated class definition", "class_id", ev.ClassID)
	}
	return nil
}

func (e *Engine) LoadClass(ev heapdump.LoadClass) error {
	if err := e.checkOpen("load class"); err != nil {
		return err
	}
	e.table.bindName(ev.ClassID, ev.NameID)
	return nil
}

func (e *Engine) String(ev heapdump.StringUTF8) error {
	if err := e.checkOpen("string"); err != nil {
		return err
	}
	e.strings++
	e.resolved += int64(e.table.resolve(ev.ID, ev.Text))
	return nil
}

func (e *Engine) InstanceAt(ev heapdump.InstanceAt) error {
	if err := e.checkOpen("instance"); err != nil {
		return err
	}
	err := e.register(objectindex.Record{
		ID:      ev.ObjectID,
		TypeKey: ev.ClassID,
		Offset:  ev.Offset,
		Kind:    heapdump.KindInstance,
	}, storeInstances)
	if err != nil {
		return err
	}
	e.table.class(ev.ClassID).count++
	return nil
}

func (e *Engine) ObjectArrayAt(ev heapdump.ObjectArrayAt) error {
	if err := e.checkOpen("object array"); err != nil {
		return err
	}
	err := e.register(objectindex.Record{
		ID:      ev.ObjectID,
		TypeKey: ev.ElementClassID,
		Offset:  ev.Offset,
		Kind:    heapdump.KindObjectArray,
	}, storeObjectArrays)
	if err != nil {
		return err
	}
	e.arrays[ev.ElementClassID]++
	return nil
}

func (e *Engine) PrimitiveArrayAt(ev heapdump.PrimitiveArrayAt) error {
	if err := e.checkOpen("primitive array"); err != nil {
		return err
	}
	kind, err := heapdump.PrimitiveKindFromCode(ev.ElementType)
	if err != nil {
		return fmt.Errorf("primitive array %#x: %w", ev.ObjectID, err)
	}
	err = e.register(objectindex.Record{
		ID:      ev.ObjectID,
		TypeKey: uint64(kind),
		Offset:  ev.Offset,
		Kind:    heapdump.KindPrimitiveArray,
	}, storePrimitiveArrays)
	if err != nil {
		return err
	}
	e.primitives[kind]++
	return nil
}

// register adds r to the object index and to the member list of its type.
func (e *Engine) register(r objectindex.Record, store string) error {
	if err := e.objects.Register(r); err != nil {
		return fmt.Errorf("indexing %s %#x: %w", r.Kind, r.ID, err)
	}
	if err := e.stores[store].Append(r.TypeKey, r.ID); err != nil {
		return fmt.Errorf("appending %s %#x: %w", r.Kind, r.ID, err)
	}
	e.indexed[r.Kind].Inc()
	e.registered++
	if e.registered%progressEvery == 0 {
		e.logger.Info("indexing progress",
			"objects", e.registered,
			"runs", e.objects.Runs(),
			"classes", len(e.table.classes),
		)
	}
	return nil
}

// Run drives one forward pass of s into the engine and finalizes it.
func (e *Engine) Run(ctx context.Context, s heapdump.Streamer) error {
	streamCtx, span := tracing.Start(ctx, "stream")
	err := s.Stream(streamCtx, e)
	span.SetAttr("objects", e.registered)
	span.SetAttr("strings", e.strings)
	span.End()
	if err != nil {
		return fmt.Errorf("streaming dump events: %w", err)
	}
	e.logger.Info("dump stream consumed",
		"objects", e.registered,
		"strings", e.strings,
		"duration_ms", span.Duration().Milliseconds(),
	)

	finalizeCtx, span := tracing.Start(ctx, "finalize")
	defer span.End()
	return e.Finalize(finalizeCtx)
}

// Finalize seals the stores in parallel and builds the class tables and the
// type catalog. Ingestion scratch state is released afterwards.
func (e *Engine) Finalize(ctx context.Context) error {
	if err := e.checkOpen("finalizing indexer"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.sealed = true
	start := time.Now()

	var g errgroup.Group
	e.finalizeStore(&g, storeObjects, e.objects.Finalize)
	for name, s := range e.stores {
		e.finalizeStore(&g, name, s.Finalize)
	}

	classes := make(map[uint64]classMeta, len(e.table.classes))
	for id, c := range e.table.classes {
		classes[id] = classMeta{
			name:    c.displayName(),
			superID: c.superID,
			fields:  c.fieldNames(),
		}
	}
	types := buildCatalog(e.table.classes, e.arrays, e.primitives)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("finalizing stores: %w", err)
	}

	e.classes = classes
	e.types = types
	early, dropped := e.table.early, e.table.dropped
	e.table, e.arrays, e.primitives = nil, nil, nil

	e.metrics.SortedRunsTotal.Add(float64(e.objects.Runs()))
	for name, s := range e.stores {
		e.metrics.SegmentsFlushedTotal.WithLabelValues(name).Add(float64(s.Segments()))
	}
	e.metrics.CatalogTypes.Set(float64(len(types)))
	e.finalized.Store(true)

	e.logger.Info("indexer finalized",
		"dump", e.cfg.DumpName,
		"objects", e.objects.Len(),
		"classes", len(classes),
		"types", len(types),
		"names_resolved", e.resolved,
		"early_strings", early,
		"strings_dropped", dropped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (e *Engine) finalizeStore(g *errgroup.Group, name string, finalize func() error) {
	g.Go(func() error {
		start := time.Now()
		err := finalize()
		e.metrics.FinalizeDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// ObjectCount is the number of objects in the finalized index.
func (e *Engine) ObjectCount() int64 {
	return e.objects.Len()
}

// Finalized reports whether queries can be served.
func (e *Engine) Finalized() bool {
	return e.finalized.Load()
}

// Close releases every store and removes their temporary files.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.objects != nil {
			errs = append(errs, e.objects.Close())
		}
		for _, s := range e.stores {
			errs = append(errs, s.Close())
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info("indexer closed", "dump", e.cfg.DumpName)
	})
	return e.closeErr
}
