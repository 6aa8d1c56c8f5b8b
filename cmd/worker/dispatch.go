package main

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
)

const (
	maxRetries     = 3
	initialBackoff = time.Second
	dlqSuffix      = ".dlq"
)

type messageWriter interface {
	Publish(ctx context.Context, msg *kafka.Message) error
}

// dispatcher wraps each topic handler with retries and a dead-letter
// fallback. A message that still fails after maxRetries is written to
// <topic>.dlq and committed.
type dispatcher struct {
	topics    kafka.Topics
	routes    map[string]kafka.Handler
	dlq       messageWriter
	processed prometheus.CounterVec
	newPolicy func() backoff.BackOff
	logger    logging.Logger
}

func newDispatcher(topics kafka.Topics, dlq messageWriter, collector prometheus.MetricsCollector, logger logging.Logger) *dispatcher {
	return &dispatcher{
		topics:    topics,
		routes:    make(map[string]kafka.Handler),
		dlq:       dlq,
		processed: collector.RegisterCounter("worker_messages_total", "Messages handled by the worker", "topic", "outcome"),
		newPolicy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initialBackoff
			b.Multiplier = 2
			b.RandomizationFactor = 0
			return backoff.WithMaxRetries(b, maxRetries)
		},
		logger: logger.Named("dispatcher"),
	}
}

// route registers h for the topic with the given suffix.
func (d *dispatcher) route(topic string, h kafka.Handler) {
	d.routes[topic] = h
}

// Topics lists the routed topic suffixes.
func (d *dispatcher) Topics() []string {
	out := make([]string, 0, len(d.routes))
	for t := range d.routes {
		out = append(out, t)
	}
	return out
}

// handler returns the consumer handler for topic. It only fails when ctx
// ends mid-retry or the dead letter cannot be written; the consumer then
// stops without committing and the message is redelivered.
func (d *dispatcher) handler(topic string) kafka.Handler {
	h := d.routes[topic]
	full := d.topics.Name(topic)
	return func(ctx context.Context, env *kafka.EventEnvelope) error {
		attempts := 0
		err := backoff.Retry(func() error {
			attempts++
			return h(ctx, env)
		}, backoff.WithContext(d.newPolicy(), ctx))
		if err == nil {
			d.processed.WithLabelValues(topic, "ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		d.logger.Error("handler failed, dead-lettering",
			logging.String("topic", full),
			logging.String("event_id", env.EventID),
			logging.String("event_type", env.EventType),
			logging.Int("attempts", attempts),
			logging.Err(err))
		msg, merr := env.ToMessage(full + dlqSuffix)
		if merr == nil {
			if msg.Headers == nil {
				msg.Headers = make(map[string]string)
			}
			msg.Headers["error"] = err.Error()
			merr = d.dlq.Publish(ctx, msg)
		}
		if merr != nil {
			d.processed.WithLabelValues(topic, "error").Inc()
			return merr
		}
		d.processed.WithLabelValues(topic, "dead_lettered").Inc()
		return nil
	}
}
