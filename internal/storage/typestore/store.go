// Package typestore keeps, per type key, the ordered list of member object
// ids in fixed-size segments appended to one shared backing file. Only the
// tail segment of each type lives in memory while ids are appended; after
// Finalize any window of a type's list is read back with a few positioned
// reads.
package typestore

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
)

const (
	DefaultSegmentCapacity = 100

	// EntrySize is the on-disk width of one member id.
	EntrySize = 8
)

// Options configures a Store. Zero values select the defaults.
type Options struct {
	// Dir holds the backing file; empty means os.TempDir().
	Dir string
	// Name tags the backing file and the store's log lines.
	Name            string
	SegmentCapacity int
}

// typeSegments is the directory entry of one type key.
type typeSegments struct {
	offsets   []int64
	lastCount int
	tail      []byte
	tailLen   int
}

// Store is appended to by a single goroutine until Finalize; List may then
// be called concurrently.
type Store struct {
	name     string
	capacity int
	file     *os.File
	end      int64
	types    map[uint64]*typeSegments
	entries  int64
	segments int
	sealed   bool
	ready    atomic.Bool
	closed   atomic.Bool
	logger   *slog.Logger
}

// New creates an empty store backed by a fresh temporary file.
func New(opts Options) (*Store, error) {
	if opts.SegmentCapacity <= 0 {
		opts.SegmentCapacity = DefaultSegmentCapacity
	}
	if opts.Name == "" {
		opts.Name = "types"
	}
	f, err := os.CreateTemp(opts.Dir, "typestore-"+opts.Name+"-*.seg")
	if err != nil {
		return nil, apperrors.StorageIO("creating type store file", err)
	}
	return &Store{
		name:     opts.Name,
		capacity: opts.SegmentCapacity,
		file:     f,
		types:    make(map[uint64]*typeSegments),
		logger:   slog.Default().With("component", "type-store", "store", opts.Name),
	}, nil
}

// Append adds id to the end of typeKey's list.
func (s *Store) Append(typeKey, id uint64) error {
	if s.sealed {
		return fmt.Errorf("appending to type %#x: %w", typeKey, apperrors.ErrAlreadyFinalized)
	}
	ts, ok := s.types[typeKey]
	if !ok {
		ts = &typeSegments{tail: make([]byte, s.capacity*EntrySize)}
		s.types[typeKey] = ts
	}
	binary.BigEndian.PutUint64(ts.tail[ts.tailLen*EntrySize:], id)
	ts.tailLen++
	s.entries++
	if ts.tailLen == s.capacity {
		return s.flushTail(typeKey, ts)
	}
	return nil
}

// flushTail writes the tail segment at the current end of the file. The
// segment always occupies a full capacity slot so offsets stay aligned.
func (s *Store) flushTail(typeKey uint64, ts *typeSegments) error {
	if _, err := s.file.WriteAt(ts.tail, s.end); err != nil {
		return apperrors.StorageIO(fmt.Sprintf("writing segment of type %#x", typeKey), err)
	}
	ts.offsets = append(ts.offsets, s.end)
	ts.lastCount = ts.tailLen
	ts.tailLen = 0
	s.end += int64(len(ts.tail))
	s.segments++
	return nil
}

// Finalize flushes every open tail segment, even partial ones, and makes the
// store read-only.
func (s *Store) Finalize() error {
	if s.sealed {
		return fmt.Errorf("finalizing type store %s: %w", s.name, apperrors.ErrAlreadyFinalized)
	}
	s.sealed = true
	for key, ts := range s.types {
		if ts.tailLen > 0 {
			if err := s.flushTail(key, ts); err != nil {
				return fmt.Errorf("finalizing type store %s: %w", s.name, err)
			}
		}
		ts.tail = nil
	}
	s.ready.Store(true)
	s.logger.Info("type store finalized",
		"types", len(s.types),
		"entries", s.entries,
		"segments", s.segments,
		"bytes", s.end,
	)
	return nil
}

// List returns the ids at positions [offset, offset+limit) of typeKey's list
// in append order. Fewer than limit ids, possibly none, come back when the
// list ends first.
func (s *Store) List(typeKey uint64, offset, limit int) ([]uint64, error) {
	if !s.ready.Load() {
		return nil, fmt.Errorf("listing type %#x: %w", typeKey, apperrors.ErrNotFinalized)
	}
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("listing type %#x with offset %d limit %d: %w",
			typeKey, offset, limit, apperrors.ErrInvalidInput)
	}
	ts, ok := s.types[typeKey]
	if !ok {
		return nil, fmt.Errorf("listing type %#x in %s: %w", typeKey, s.name, apperrors.ErrTypeNotFound)
	}

	seg := offset / s.capacity
	skip := offset % s.capacity
	ids := make([]uint64, 0, min(limit, s.count(ts)))
	for ; seg < len(ts.offsets) && len(ids) < limit; seg++ {
		segLen := s.capacity
		if seg == len(ts.offsets)-1 {
			segLen = ts.lastCount
		}
		n := min(segLen-skip, limit-len(ids))
		if n <= 0 {
			break
		}
		buf := make([]byte, n*EntrySize)
		if _, err := s.file.ReadAt(buf, ts.offsets[seg]+int64(skip*EntrySize)); err != nil {
			return nil, apperrors.StorageIO(fmt.Sprintf("reading segment %d of type %#x", seg, typeKey), err)
		}
		for i := range n {
			ids = append(ids, binary.BigEndian.Uint64(buf[i*EntrySize:]))
		}
		skip = 0
	}
	return ids, nil
}

// Count returns how many ids typeKey holds.
func (s *Store) Count(typeKey uint64) (int, error) {
	if !s.ready.Load() {
		return 0, fmt.Errorf("counting type %#x: %w", typeKey, apperrors.ErrNotFinalized)
	}
	ts, ok := s.types[typeKey]
	if !ok {
		return 0, fmt.Errorf("counting type %#x in %s: %w", typeKey, s.name, apperrors.ErrTypeNotFound)
	}
	return s.count(ts), nil
}

func (s *Store) count(ts *typeSegments) int {
	if len(ts.offsets) == 0 {
		return 0
	}
	return (len(ts.offsets)-1)*s.capacity + ts.lastCount
}

// Segments returns how many segments have been flushed to the backing file.
func (s *Store) Segments() int {
	return s.segments
}

// Close closes and removes the backing file.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	path := s.file.Name()
	closeErr := s.file.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperrors.StorageIO("removing type store file", err)
	}
	if closeErr != nil {
		return apperrors.StorageIO("closing type store file", closeErr)
	}
	return nil
}
