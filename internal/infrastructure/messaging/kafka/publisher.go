package kafka

import (
	"context"
	"time"

	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
)

// Publisher turns domain events into envelopes on the configured topics.
type Publisher struct {
	producer *Producer
	topics   Topics
	source   string
	logger   logging.Logger
}

func NewPublisher(producer *Producer, topics Topics, source string, logger logging.Logger) *Publisher {
	return &Publisher{producer: producer, topics: topics, source: source, logger: logger}
}

// Publish wraps payload in an envelope keyed by familyID and writes it to
// the topic with the given suffix.
func (p *Publisher) Publish(ctx context.Context, topic, eventType, familyID string, payload interface{}) error {
	env, err := NewEventEnvelope(eventType, familyID, p.source, payload, time.Now())
	if err != nil {
		return err
	}
	msg, err := env.ToMessage(p.topics.Name(topic))
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, msg)
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}
