package objectindex

import (
	"bufio"
	"container/heap"
	"errors"
	"fmt"
	"io"
	"os"

	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
)

// runCursor streams one sorted run through a small read buffer. head is the
// record at the front of the run.
type runCursor struct {
	run  int
	f    *os.File
	buf  []byte
	pos  int
	n    int
	head Record
}

// advance moves head to the next record, refilling the buffer from the file
// when it is drained. It returns false once the run is exhausted.
func (c *runCursor) advance() (bool, error) {
	if c.pos >= c.n {
		n, err := io.ReadFull(c.f, c.buf)
		switch {
		case errors.Is(err, io.EOF):
			return false, nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			if n%RecordSize != 0 {
				return false, apperrors.StorageIO("reading sorted run",
					fmt.Errorf("run %d ends with a partial record (%d bytes)", c.run, n%RecordSize))
			}
		case err != nil:
			return false, apperrors.StorageIO("reading sorted run", err)
		}
		c.pos, c.n = 0, n
	}
	c.head = decodeRecord(c.buf[c.pos : c.pos+RecordSize])
	c.pos += RecordSize
	return true, nil
}

// cursorHeap orders cursors by head id, then by run number so equal ids are
// always taken in the same order.
type cursorHeap []*runCursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if h[i].head.ID != h[j].head.ID {
		return h[i].head.ID < h[j].head.ID
	}
	return h[i].run < h[j].run
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) {
	*h = append(*h, x.(*runCursor))
}

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// mergeRuns k-way merges the sorted runs into a single sorted file at out and
// returns the number of records written. Memory stays at one read buffer of
// runBufferRecords per run plus one output buffer of outputBufferRecords.
// A duplicate id is reported as a corrupt stream.
func mergeRuns(runs []string, out string, runBufferRecords, outputBufferRecords int) (int64, error) {
	files := make([]*os.File, 0, len(runs))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	cursors := make(cursorHeap, 0, len(runs))
	for i, path := range runs {
		f, err := os.Open(path)
		if err != nil {
			return 0, apperrors.StorageIO("opening sorted run", err)
		}
		files = append(files, f)
		c := &runCursor{run: i, f: f, buf: make([]byte, runBufferRecords*RecordSize)}
		ok, err := c.advance()
		if err != nil {
			return 0, err
		}
		if ok {
			cursors = append(cursors, c)
		}
	}
	heap.Init(&cursors)

	f, err := os.Create(out)
	if err != nil {
		return 0, apperrors.StorageIO("creating merged index", err)
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, outputBufferRecords*RecordSize)

	var (
		count  int64
		lastID uint64
		rec    [RecordSize]byte
	)
	for cursors.Len() > 0 {
		c := cursors[0]
		if count > 0 && c.head.ID == lastID {
			return 0, fmt.Errorf("duplicate object id %#x in run %d: %w", c.head.ID, c.run, apperrors.ErrCorruptStream)
		}
		c.head.encode(rec[:])
		if _, err := w.Write(rec[:]); err != nil {
			return 0, apperrors.StorageIO("writing merged index", err)
		}
		lastID = c.head.ID
		count++

		ok, err := c.advance()
		if err != nil {
			return 0, err
		}
		if ok {
			heap.Fix(&cursors, 0)
		} else {
			heap.Pop(&cursors)
		}
	}

	if err := w.Flush(); err != nil {
		return 0, apperrors.StorageIO("flushing merged index", err)
	}
	if err := f.Close(); err != nil {
		return 0, apperrors.StorageIO("closing merged index", err)
	}
	return count, nil
}
