package objectindex

import (
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/heapdump"
	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
)

func newTestIndex(t *testing.T, batch int) *Index {
	t.Helper()
	x, err := New(Options{
		Dir:                 t.TempDir(),
		BatchRecords:        batch,
		RunBufferRecords:    3,
		OutputBufferRecords: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	return x
}

// shuffledRecords returns n records with distinct ids in random order.
func shuffledRecords(n int, seed uint64) []Record {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	recs := make([]Record, n)
	for i := range recs {
		id := uint64(i)*7919 + 1
		recs[i] = Record{
			ID:      id,
			TypeKey: id % 13,
			Offset:  id * 31,
			Kind:    heapdump.ObjectKind(i % 3),
		}
	}
	rng.Shuffle(n, func(i, j int) { recs[i], recs[j] = recs[j], recs[i] })
	return recs
}

// readMerged returns every record of the merged file in file order.
func readMerged(t *testing.T, x *Index) []Record {
	t.Helper()
	info, err := x.file.Stat()
	require.NoError(t, err)
	require.Zero(t, info.Size()%RecordSize)

	out := make([]Record, 0, info.Size()/RecordSize)
	buf := make([]byte, RecordSize)
	for off := int64(0); off < info.Size(); off += RecordSize {
		_, err := x.file.ReadAt(buf, off)
		require.NoError(t, err)
		out = append(out, decodeRecord(buf))
	}
	return out
}

func TestRegisterFinalizeLookupAcrossBatchBoundaries(t *testing.T) {
	const batch = 10
	for _, n := range []int{0, 1, batch - 1, batch, batch + 1, 3 * batch, 3*batch + 7} {
		t.Run(fmt.Sprintf("records=%d", n), func(t *testing.T) {
			x := newTestIndex(t, batch)
			recs := shuffledRecords(n, uint64(n))
			for _, r := range recs {
				require.NoError(t, x.Register(r))
			}
			require.NoError(t, x.Finalize())

			assert.Equal(t, int64(n), x.Len())
			assert.Equal(t, (n+batch-1)/batch, x.Runs())

			merged := readMerged(t, x)
			require.Len(t, merged, n)
			for i := 1; i < len(merged); i++ {
				assert.Less(t, merged[i-1].ID, merged[i].ID)
			}

			for _, r := range recs {
				got, err := x.Lookup(r.ID)
				require.NoError(t, err)
				assert.Equal(t, r, got)
			}
		})
	}
}

func TestLookupMissingIDs(t *testing.T) {
	x := newTestIndex(t, 4)
	for _, id := range []uint64{10, 20, 30, 40, 50} {
		require.NoError(t, x.Register(Record{ID: id, Kind: heapdump.KindInstance}))
	}
	require.NoError(t, x.Finalize())

	for _, id := range []uint64{0, 5, 15, 45, 55, ReservedID - 1} {
		_, err := x.Lookup(id)
		assert.ErrorIs(t, err, apperrors.ErrNotFound, "id %d", id)
	}
}

func TestLookupOnEmptyIndex(t *testing.T) {
	x := newTestIndex(t, 4)
	require.NoError(t, x.Finalize())

	_, err := x.Lookup(1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Zero(t, x.Len())
}

func TestLifecycleErrors(t *testing.T) {
	x := newTestIndex(t, 4)

	_, err := x.Lookup(1)
	assert.ErrorIs(t, err, apperrors.ErrNotFinalized)

	err = x.Register(Record{ID: ReservedID})
	assert.ErrorIs(t, err, apperrors.ErrReservedKey)

	err = x.Register(Record{ID: 9, Kind: heapdump.ObjectKind(7)})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	require.NoError(t, x.Register(Record{ID: 1}))
	require.NoError(t, x.Finalize())

	assert.ErrorIs(t, x.Register(Record{ID: 2}), apperrors.ErrAlreadyFinalized)
	assert.ErrorIs(t, x.Finalize(), apperrors.ErrAlreadyFinalized)
}

func TestDuplicateIDIsCorruptStream(t *testing.T) {
	x := newTestIndex(t, 2)
	for _, id := range []uint64{3, 1, 2, 3} {
		require.NoError(t, x.Register(Record{ID: id}))
	}

	err := x.Finalize()
	assert.ErrorIs(t, err, apperrors.ErrCorruptStream)
}

func TestRepeatedAndConcurrentLookups(t *testing.T) {
	x := newTestIndex(t, 50)
	recs := shuffledRecords(500, 42)
	for _, r := range recs {
		require.NoError(t, x.Register(r))
	}
	require.NoError(t, x.Finalize())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; i < len(recs); i += 8 {
				for range 2 {
					got, err := x.Lookup(recs[i].ID)
					if err != nil {
						errs <- err
						return
					}
					if got != recs[i] {
						errs <- fmt.Errorf("lookup %d: got %+v want %+v", recs[i].ID, got, recs[i])
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestFinalizeRemovesRunsAndCloseRemovesDir(t *testing.T) {
	x := newTestIndex(t, 3)
	for _, r := range shuffledRecords(10, 7) {
		require.NoError(t, x.Register(r))
	}
	require.NoError(t, x.Finalize())

	entries, err := os.ReadDir(x.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, mergedFileName, entries[0].Name())

	require.NoError(t, x.Close())
	_, err = os.Stat(x.dir)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, x.Close())
}

func TestRecordEncoding(t *testing.T) {
	r := Record{ID: 0x0102030405060708, TypeKey: 6, Offset: 1 << 40, Kind: heapdump.KindPrimitiveArray}
	var buf [RecordSize]byte
	r.encode(buf[:])

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf[:8])
	assert.Equal(t, byte(heapdump.KindPrimitiveArray), buf[24])
	assert.Equal(t, r, decodeRecord(buf[:]))
	assert.Equal(t, heapdump.Int, r.PrimitiveKind())
}
