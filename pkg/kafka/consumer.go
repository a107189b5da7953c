// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises values as JSON, while the
// consumer hands raw messages to a MessageHandler in partition order.
package kafka

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/config"
)

// ErrStop ends a consume loop cleanly once the handler has seen the last
// message it needs. The message that produced it is still committed.
var ErrStop = errors.New("stop consuming")

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler. Any handler error other than ErrStop ends the loop.
type Consumer struct {
	reader  messageReader
	logger  *slog.Logger
	handler MessageHandler
}

// NewConsumer creates a Consumer in cfg.ConsumerGroup. It resumes from the
// group's committed offset and starts at the first offset only when the group
// has none.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	return newConsumer(kafka.NewReader(readerConfig(cfg, topic, cfg.ConsumerGroup)), topic, handler)
}

// NewReplayConsumer creates a Consumer that reads topic from its first
// offset on every call. It joins a fresh group derived from
// cfg.ConsumerGroup, so offsets committed by earlier runs are never resumed.
func NewReplayConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	group := ReplayGroupID(cfg.ConsumerGroup)
	c := newConsumer(kafka.NewReader(readerConfig(cfg, topic, group)), topic, handler)
	c.logger = c.logger.With("group", group)
	return c
}

// ReplayGroupID returns a consumer group id unique to one run.
func ReplayGroupID(base string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return base + "-replay-" + hex.EncodeToString(b)
}

func readerConfig(cfg config.KafkaConfig, topic, group string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	}
}

func newConsumer(r messageReader, topic string, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
	}
}

// Start enters the consume loop. It returns nil once the handler returns
// ErrStop, and an error if ctx ends first or a message cannot be fetched,
// handled or committed.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	var consumed int64
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err(), "consumed", consumed)
				return ctx.Err()
			}
			return fmt.Errorf("fetching message: %w", err)
		}
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		herr := c.handler(ctx, msg.Key, msg.Value)
		if herr != nil && !errors.Is(herr, ErrStop) {
			c.logger.Error("failed to process message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", herr,
			)
			return fmt.Errorf("processing message at partition %d offset %d: %w", msg.Partition, msg.Offset, herr)
		}
		consumed++
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("committing offset %d: %w", msg.Offset, err)
		}
		if herr != nil {
			c.logger.Info("consumer reached end of stream", "consumed", consumed)
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
