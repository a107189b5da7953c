package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/heapdump"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/kafka"
)

type recorder struct{ batches [][]kafka.Message }

func (r *recorder) PublishBatch(_ context.Context, msgs []kafka.Message) error {
	r.batches = append(r.batches, append([]kafka.Message(nil), msgs...))
	return nil
}

func writeEvents(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestReplayBatchesAndAppendsEnd(t *testing.T) {
	path := writeEvents(t, `{"type":"string","string_id":1,"text":"a/B"}
{"type":"load_class","class_id":2,"name_id":1}
{"type":"instance","object_id":3,"class_id":2,"offset":9}
`)
	var r recorder
	n, err := replay(context.Background(), &r, path, "heap-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, r.batches, 2)
	assert.Len(t, r.batches[0], 2)

	last := r.batches[1][len(r.batches[1])-1]
	assert.Equal(t, "heap-1", last.Key)
	assert.Equal(t, heapdump.Event{Type: heapdump.EventEnd}, last.Value)
}

func TestReplayRejectsNonPositiveBatch(t *testing.T) {
	path := writeEvents(t, `{"type":"end"}`)
	for _, size := range []int{0, -1} {
		var r recorder
		_, err := replay(context.Background(), &r, path, "heap-1", size)
		assert.Error(t, err, "batch %d", size)
		assert.Empty(t, r.batches)
	}
}
