package objectindex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
)

const runWriteBufferSize = 64 * 1024

// writeRun sorts batch by id in place and writes it as run file number seq
// under dir. It returns the path of the new run.
func writeRun(dir string, seq int, batch []Record) (string, error) {
	sort.Slice(batch, func(i, j int) bool {
		return batch[i].ID < batch[j].ID
	})

	path := filepath.Join(dir, fmt.Sprintf("run_%06d_%d.tmp", seq, len(batch)))
	f, err := os.Create(path)
	if err != nil {
		return "", apperrors.StorageIO("creating sorted run", err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, runWriteBufferSize)
	var rec [RecordSize]byte
	for _, r := range batch {
		r.encode(rec[:])
		if _, err := w.Write(rec[:]); err != nil {
			return "", apperrors.StorageIO("writing sorted run", err)
		}
	}
	if err := w.Flush(); err != nil {
		return "", apperrors.StorageIO("flushing sorted run", err)
	}
	if err := f.Close(); err != nil {
		return "", apperrors.StorageIO("closing sorted run", err)
	}
	return path, nil
}
