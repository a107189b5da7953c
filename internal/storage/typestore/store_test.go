package typestore

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
)

const testCapacity = 5

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{Dir: t.TempDir(), Name: "test", SegmentCapacity: testCapacity})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// memberIDs builds k distinct ids for type key, offset so that types differ.
func memberIDs(key uint64, k int) []uint64 {
	ids := make([]uint64, k)
	for i := range ids {
		ids[i] = key<<32 | uint64(i*3+1)
	}
	return ids
}

func expectedWindow(all []uint64, offset, limit int) []uint64 {
	if offset >= len(all) {
		return []uint64{}
	}
	end := min(offset+limit, len(all))
	return all[offset:end]
}

func TestPaginationIsExactAtSegmentBoundaries(t *testing.T) {
	sizes := []int{1, testCapacity - 1, testCapacity, testCapacity + 1, 2*testCapacity - 1, 2 * testCapacity, 3*testCapacity + 2}
	s := newTestStore(t)

	want := make(map[uint64][]uint64, len(sizes))
	for i, k := range sizes {
		want[uint64(i+1)] = memberIDs(uint64(i+1), k)
	}
	// Interleave appends across types, as a dump stream would.
	for pos := 0; ; pos++ {
		appended := false
		for key, ids := range want {
			if pos < len(ids) {
				require.NoError(t, s.Append(key, ids[pos]))
				appended = true
			}
		}
		if !appended {
			break
		}
	}
	require.NoError(t, s.Finalize())

	for key, ids := range want {
		k := len(ids)
		n, err := s.Count(key)
		require.NoError(t, err)
		assert.Equal(t, k, n)

		for offset := 0; offset <= k+1; offset++ {
			for limit := 0; limit <= k+testCapacity; limit++ {
				got, err := s.List(key, offset, limit)
				require.NoError(t, err)
				assert.Equal(t, expectedWindow(ids, offset, limit), got,
					fmt.Sprintf("type %d (k=%d) offset=%d limit=%d", key, k, offset, limit))
			}
		}
	}
}

func TestListIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ids := memberIDs(9, 12)
	for _, id := range ids {
		require.NoError(t, s.Append(9, id))
	}
	require.NoError(t, s.Finalize())

	first, err := s.List(9, 3, 7)
	require.NoError(t, err)
	second, err := s.List(9, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, ids[3:10], first)
}

func TestLifecycleErrors(t *testing.T) {
	s := newTestStore(t)

	_, err := s.List(1, 0, 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFinalized)
	_, err = s.Count(1)
	assert.ErrorIs(t, err, apperrors.ErrNotFinalized)

	require.NoError(t, s.Append(1, 100))
	require.NoError(t, s.Finalize())

	assert.ErrorIs(t, s.Append(1, 101), apperrors.ErrAlreadyFinalized)
	assert.ErrorIs(t, s.Finalize(), apperrors.ErrAlreadyFinalized)

	_, err = s.List(2, 0, 1)
	assert.ErrorIs(t, err, apperrors.ErrTypeNotFound)
	_, err = s.List(1, -1, 1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = s.List(1, 0, -1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestSegmentsAreFlushedAsTheyFill(t *testing.T) {
	s := newTestStore(t)
	for i := range 2*testCapacity + 1 {
		require.NoError(t, s.Append(7, uint64(i)))
	}
	assert.Equal(t, 2, s.Segments())

	require.NoError(t, s.Finalize())
	assert.Equal(t, 3, s.Segments())

	info, err := s.file.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(3*testCapacity*EntrySize), info.Size())
}

func TestCloseRemovesBackingFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(1, 1))
	require.NoError(t, s.Finalize())

	path := s.file.Name()
	require.NoError(t, s.Close())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, s.Close())
}
