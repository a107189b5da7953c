// Command hprof-publish replays a JSON-lines file of dump events onto the
// dump events topic, keyed by dump name, and appends the end marker if the
// file does not carry one.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/heapdump"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	eventsPath := flag.String("events", "", "JSON-lines file of dump events")
	batchSize := flag.Int("batch", 500, "messages per Kafka write")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if *eventsPath == "" {
		slog.Error("-events is required")
		os.Exit(2)
	}
	if *batchSize < 1 {
		slog.Error("-batch must be at least 1", "batch", *batchSize)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DumpEvents)
	defer producer.Close()

	start := time.Now()
	n, err := replay(ctx, producer, *eventsPath, cfg.Indexer.DumpName, *batchSize)
	if err != nil {
		slog.Error("publishing events failed", "published", n, "error", err)
		os.Exit(1)
	}
	slog.Info("events published",
		"dump", cfg.Indexer.DumpName,
		"topic", cfg.Kafka.Topics.DumpEvents,
		"events", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

type publisher interface {
	PublishBatch(ctx context.Context, msgs []kafka.Message) error
}

func replay(ctx context.Context, p publisher, path, dump string, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size %d: must be at least 1", batchSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	batch := make([]kafka.Message, 0, batchSize)
	published := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.PublishBatch(ctx, batch); err != nil {
			return err
		}
		published += len(batch)
		batch = batch[:0]
		return nil
	}

	sawEnd := false
	for dec.More() && !sawEnd {
		var ev heapdump.Event
		if err := dec.Decode(&ev); err != nil {
			return published, fmt.Errorf("decoding event %d: %w", published+len(batch), err)
		}
		sawEnd = ev.Type == heapdump.EventEnd
		batch = append(batch, kafka.Message{Key: dump, Value: ev})
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return published, err
			}
		}
	}
	if !sawEnd {
		batch = append(batch, kafka.Message{Key: dump, Value: heapdump.Event{Type: heapdump.EventEnd}})
	}
	if err := flush(); err != nil {
		return published, err
	}
	return published, nil
}
