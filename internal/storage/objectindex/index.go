// Package objectindex is an external-memory map from object id to Record.
//
// Registration buffers records in a fixed-size batch; every full batch is
// sorted and written as a run file. Finalize merges the runs into one file of
// fixed-width records sorted by id, and Lookup binary-searches that file with
// positioned reads, so peak memory never depends on the number of objects.
package objectindex

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
)

const (
	DefaultBatchRecords        = 1_000_000
	DefaultRunBufferRecords    = 100
	DefaultOutputBufferRecords = 1000

	mergedFileName = "objects.idx"
)

// Options sizes the buffers of an Index. Zero values select the defaults.
type Options struct {
	// Dir is the parent of the index's private working directory; empty
	// means os.TempDir().
	Dir                 string
	BatchRecords        int
	RunBufferRecords    int
	OutputBufferRecords int
}

func (o Options) withDefaults() Options {
	if o.BatchRecords <= 0 {
		o.BatchRecords = DefaultBatchRecords
	}
	if o.RunBufferRecords <= 0 {
		o.RunBufferRecords = DefaultRunBufferRecords
	}
	if o.OutputBufferRecords <= 0 {
		o.OutputBufferRecords = DefaultOutputBufferRecords
	}
	return o
}

// Index is written by a single goroutine until Finalize; after that Lookup
// may be called concurrently.
type Index struct {
	opts   Options
	dir    string
	batch  []Record
	runs   []string
	spills int
	sealed bool
	ready  atomic.Bool
	closed atomic.Bool
	file   *os.File
	count  int64
	logger *slog.Logger
}

// New creates an empty index with its own working directory.
func New(opts Options) (*Index, error) {
	opts = opts.withDefaults()
	dir, err := os.MkdirTemp(opts.Dir, "objidx-")
	if err != nil {
		return nil, apperrors.StorageIO("creating object index directory", err)
	}
	return &Index{
		opts:   opts,
		dir:    dir,
		batch:  make([]Record, 0, min(opts.BatchRecords, 64*1024)),
		logger: slog.Default().With("component", "object-index"),
	}, nil
}

// Register adds r to the current batch, spilling a sorted run when the
// batch is full.
func (x *Index) Register(r Record) error {
	if x.sealed {
		return fmt.Errorf("registering object %#x: %w", r.ID, apperrors.ErrAlreadyFinalized)
	}
	if r.ID == ReservedID {
		return fmt.Errorf("registering object: %w", apperrors.ErrReservedKey)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("registering object %#x with kind %d: %w", r.ID, r.Kind, apperrors.ErrInvalidInput)
	}
	x.batch = append(x.batch, r)
	if len(x.batch) >= x.opts.BatchRecords {
		return x.spill()
	}
	return nil
}

func (x *Index) spill() error {
	path, err := writeRun(x.dir, len(x.runs), x.batch)
	if err != nil {
		return err
	}
	x.runs = append(x.runs, path)
	x.spills++
	x.logger.Debug("sorted run written",
		"run", filepath.Base(path),
		"records", len(x.batch),
		"runs", len(x.runs),
	)
	x.batch = x.batch[:0]
	return nil
}

// Finalize spills the trailing batch, merges every run into the final
// sorted file and opens it for lookups. It can only be called once.
func (x *Index) Finalize() error {
	if x.sealed {
		return fmt.Errorf("finalizing object index: %w", apperrors.ErrAlreadyFinalized)
	}
	x.sealed = true
	start := time.Now()

	if len(x.batch) > 0 {
		if err := x.spill(); err != nil {
			return fmt.Errorf("finalizing object index: %w", err)
		}
	}
	x.batch = nil

	out := filepath.Join(x.dir, mergedFileName)
	count, err := mergeRuns(x.runs, out, x.opts.RunBufferRecords, x.opts.OutputBufferRecords)
	if err != nil {
		return fmt.Errorf("merging %d sorted runs: %w", len(x.runs), err)
	}
	for _, run := range x.runs {
		if err := os.Remove(run); err != nil {
			x.logger.Warn("removing sorted run", "run", run, "error", err)
		}
	}
	runs := len(x.runs)
	x.runs = nil

	f, err := os.Open(out)
	if err != nil {
		return apperrors.StorageIO("opening merged index", err)
	}
	x.file = f
	x.count = count
	x.ready.Store(true)

	x.logger.Info("object index finalized",
		"records", count,
		"runs_merged", runs,
		"duration", time.Since(start),
	)
	return nil
}

// Lookup returns the record registered under id. It needs O(log n) reads of
// the merged file.
func (x *Index) Lookup(id uint64) (Record, error) {
	if !x.ready.Load() {
		return Record{}, fmt.Errorf("looking up object %#x: %w", id, apperrors.ErrNotFinalized)
	}
	var buf [RecordSize]byte
	lo, hi := int64(0), x.count
	for lo < hi {
		mid := lo + (hi-lo)/2
		if _, err := x.file.ReadAt(buf[:], mid*RecordSize); err != nil {
			return Record{}, apperrors.StorageIO(fmt.Sprintf("reading index record %d", mid), err)
		}
		r := decodeRecord(buf[:])
		switch {
		case r.ID == id:
			return r, nil
		case r.ID < id:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return Record{}, fmt.Errorf("object %#x: %w", id, apperrors.ErrNotFound)
}

// Len returns the number of records in the finalized index.
func (x *Index) Len() int64 {
	if !x.ready.Load() {
		return 0
	}
	return x.count
}

// Runs returns how many sorted runs have been written so far.
func (x *Index) Runs() int {
	return x.spills
}

// Close releases the merged file and removes the working directory.
func (x *Index) Close() error {
	if !x.closed.CompareAndSwap(false, true) {
		return nil
	}
	var closeErr error
	if x.file != nil {
		closeErr = x.file.Close()
	}
	if err := os.RemoveAll(x.dir); err != nil {
		return apperrors.StorageIO("removing object index directory", err)
	}
	if closeErr != nil {
		return apperrors.StorageIO("closing merged index", closeErr)
	}
	return nil
}
