package care

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
)

// Domain event types published for downstream consumers.
const (
	EventFamilyCreated      = "family.created"
	EventFamilyArchived     = "family.archived"
	EventChildAdded         = "family.child_added"
	EventMemberRemoved      = "family.member_removed"
	EventActivityAppended   = "activity.appended"
	EventConflictDetected   = "conflict.detected"
	EventConflictResolved   = "conflict.resolved"
	EventConflictEscalated  = "conflict.escalated"
	EventGrantChanged       = "grant.changed"
	EventInvitationIssued   = "invitation.issued"
	EventInvitationAccepted = "invitation.accepted"
	EventInvitationRevoked  = "invitation.revoked"
	EventInvitationExpired  = "invitation.expired"
	EventSyncActionRejected = "sync.dead_lettered"
)

const (
	publishTimeout           = 10 * time.Second
	defaultPublishQueueDepth = 1024
)

// EventPublisher delivers domain events to the message bus. kafka.Publisher
// satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, topic, eventType, familyID string, payload interface{}) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, string, interface{}) error { return nil }

type outboundEvent struct {
	topic     string
	eventType string
	familyID  string
	payload   interface{}
}

// asyncPublisher hands events to a single background sender so family
// actors never wait on the broker. Events are dropped, and counted, when the
// queue is full.
type asyncPublisher struct {
	next    EventPublisher
	queue   chan outboundEvent
	metrics *prometheus.CareMetrics
	logger  logging.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newAsyncPublisher(next EventPublisher, depth int, metrics *prometheus.CareMetrics, logger logging.Logger) *asyncPublisher {
	if next == nil {
		next = nopPublisher{}
	}
	if depth <= 0 {
		depth = defaultPublishQueueDepth
	}
	p := &asyncPublisher{
		next:    next,
		queue:   make(chan outboundEvent, depth),
		metrics: metrics,
		logger:  logger.Named("publisher"),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *asyncPublisher) publish(topic, eventType, familyID string, payload interface{}) {
	ev := outboundEvent{topic: topic, eventType: eventType, familyID: familyID, payload: payload}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.EventsPublished.WithLabelValues(topic, "dropped").Inc()
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.metrics.EventsPublished.WithLabelValues(topic, "dropped").Inc()
		p.logger.Warn("publish queue full, event dropped",
			logging.String("event_type", eventType), logging.FamilyID(familyID))
	}
}

func (p *asyncPublisher) loop() {
	defer close(p.done)
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.next.Publish(ctx, ev.topic, ev.eventType, ev.familyID, ev.payload)
		cancel()
		if err != nil {
			p.metrics.EventsPublished.WithLabelValues(ev.topic, "error").Inc()
			p.logger.Error("failed to publish event",
				logging.String("event_type", ev.eventType), logging.FamilyID(ev.familyID), logging.Err(err))
			continue
		}
		p.metrics.EventsPublished.WithLabelValues(ev.topic, "ok").Inc()
	}
}

// close flushes queued events and stops the sender.
func (p *asyncPublisher) close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Payloads of published events.

type grantChangedPayload struct {
	MemberID     string               `json:"member_id"`
	ChangedBy    string               `json:"changed_by"`
	Change       string               `json:"change"`
	Capabilities family.CapabilitySet `json:"capabilities"`
	AccessExpiry *time.Time           `json:"access_expiry,omitempty"`
	ChildScope   []string             `json:"child_scope,omitempty"`
}

type escalationPayload struct {
	ConflictID string     `json:"conflict_id"`
	ChildID    string     `json:"child_id"`
	Notify     []string   `json:"notify"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

type deadLetterPayload struct {
	DeviceID string      `json:"device_id"`
	MemberID string      `json:"member_id"`
	Action   interface{} `json:"action"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error"`
}

var _ EventPublisher = (*kafka.Publisher)(nil)
