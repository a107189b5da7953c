// Package consumer feeds the indexer from dump events published on Kafka.
// A parser running elsewhere publishes one JSON heapdump.Event per message,
// keyed by dump name, and terminates the stream with an "end" event.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/heapdump"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/kafka"
)

type loop interface {
	Start(ctx context.Context) error
	Close() error
}

// Streamer is a heapdump.Streamer over a Kafka topic.
type Streamer struct {
	topic  string
	dump   string
	open   func(kafka.MessageHandler) loop
	logger *slog.Logger
}

var _ heapdump.Streamer = (*Streamer)(nil)

// New creates a Streamer for the dump events topic. Every Stream call reads
// the topic from its first offset under a fresh consumer group, since the
// index is rebuilt from scratch on each run. Messages whose key is not dump
// are skipped; an empty dump accepts every message.
func New(cfg config.KafkaConfig, dump string) *Streamer {
	topic := cfg.Topics.DumpEvents
	return &Streamer{
		topic: topic,
		dump:  dump,
		open: func(h kafka.MessageHandler) loop {
			return kafka.NewReplayConsumer(cfg, topic, h)
		},
		logger: slog.Default().With("component", "event-consumer", "topic", topic),
	}
}

// Stream delivers events to h in topic order until the end marker.
func (s *Streamer) Stream(ctx context.Context, h heapdump.Handler) error {
	var events, skipped int64
	c := s.open(func(ctx context.Context, key, value []byte) error {
		if s.dump != "" && string(key) != s.dump {
			skipped++
			return nil
		}
		ev, err := kafka.DecodeJSON[heapdump.Event](value)
		if err != nil {
			return errors.Join(apperrors.ErrCorruptStream, err)
		}
		end, err := heapdump.Dispatch(ev, h)
		if err != nil {
			return fmt.Errorf("event %d (%s): %w", events, ev.Type, err)
		}
		events++
		if end {
			return kafka.ErrStop
		}
		return nil
	})
	defer c.Close()

	s.logger.Info("consuming dump events", "dump", s.dump)
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("consuming %s: %w", s.topic, err)
	}
	s.logger.Info("dump events consumed",
		"dump", s.dump,
		"events", events,
		"skipped", skipped,
	)
	return nil
}
