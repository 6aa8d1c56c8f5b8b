package kafka

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/errors"
)

var ErrAlreadyRunning = errors.New(errors.ErrCodeConflict, "consumer already running")

// ConsumerConfig holds configuration for the Consumer.
type ConsumerConfig struct {
	Brokers        []string
	GroupID        string
	Topic          string
	StartAtLatest  bool
	CommitInterval time.Duration
}

// ReaderInterface abstracts kafka.Reader for testing.
type ReaderInterface interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one envelope. A returned error stops consumption
// without committing the message.
type Handler func(ctx context.Context, env *EventEnvelope) error

// Consumer reads envelopes from one topic in a consumer group.
type Consumer struct {
	reader  ReaderInterface
	logger  logging.Logger
	running atomic.Bool
}

// NewConsumer creates a new Consumer.
func NewConsumer(cfg ConsumerConfig, logger logging.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New(errors.ErrCodeValidation, "brokers, topic and group id are required")
	}
	start := kafka.FirstOffset
	if cfg.StartAtLatest {
		start = kafka.LastOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		StartOffset:    start,
		CommitInterval: cfg.CommitInterval,
		MaxWait:        time.Second,
	})
	return &Consumer{reader: reader, logger: logger}, nil
}

// Run fetches, handles and commits until ctx ends or the handler fails.
// Undecodable messages are logged and committed so they do not block the
// partition.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
				return nil
			}
			return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "fetch failed")
		}
		env, err := EnvelopeFromMessage(msg.Value)
		if err != nil {
			c.logger.Warn("Skipping undecodable message",
				logging.String("topic", msg.Topic), logging.Int64("offset", msg.Offset), logging.Err(err))
		} else if err := handle(ctx, env); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "commit failed")
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
