package care

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/domain/presence"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

// Stream names a live subscription channel.
type Stream string

const (
	StreamActivity Stream = "activity"
	StreamPresence Stream = "presence"
)

// MessageKind tags a live message.
type MessageKind string

const (
	MessageActivity MessageKind = "activity"
	MessageConflict MessageKind = "conflict"
	MessagePresence MessageKind = "presence"
)

// Close reasons reported by Subscription.Reason.
const (
	CloseResync       = "resync"
	CloseUnsubscribed = "unsubscribed"
	CloseRevoked      = "access_revoked"
	CloseShutdown     = "shutdown"
)

const defaultQueueSize = 64

// Message is one live update pushed to a family session.
type Message struct {
	Kind     MessageKind      `json:"kind"`
	FamilyID string           `json:"family_id"`
	At       time.Time        `json:"at"`
	Activity *activity.Event  `json:"activity,omitempty"`
	Conflict *conflict.Record `json:"conflict,omitempty"`
	Presence *presence.Delta  `json:"presence,omitempty"`
}

// Visibility decides per message whether a subscriber sees it. It runs on
// the subscriber's own goroutine. A denial or not-found error ends the
// subscription with CloseRevoked; any other error means access could not be
// evaluated and ends it with CloseResync.
type Visibility func(ctx context.Context, m Message) (bool, error)

// Subscription is a bounded queue of messages for one session. Messages are
// filtered by its Visibility on a dedicated goroutine, so a slow access check
// delays only this session.
type Subscription struct {
	id       uint64
	familyID string
	memberID string
	stream   Stream
	visible  Visibility

	inbox  chan Message
	ch     chan Message
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	reason string
}

// Messages is closed when the subscription ends; Reason then tells why.
func (s *Subscription) Messages() <-chan Message { return s.ch }

// FamilyID returns the subscribed family.
func (s *Subscription) FamilyID() string { return s.familyID }

// MemberID returns the subscribing member.
func (s *Subscription) MemberID() string { return s.memberID }

// Stream returns the subscribed stream.
func (s *Subscription) Stream() Stream { return s.stream }

// Reason reports why the subscription ended, or "" while it is open.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// offer enqueues m without blocking and reports whether it fit.
func (s *Subscription) offer(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.inbox <- m:
		return true
	default:
		return false
	}
}

func (s *Subscription) close(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	close(s.quit)
	s.cancel()
	return true
}

// deliver filters queued messages and hands them to the session. It owns ch
// and closes it on exit.
func (s *Subscription) deliver(h *hub) {
	defer close(s.ch)
	for {
		var m Message
		select {
		case <-s.quit:
			return
		case m = <-s.inbox:
		}
		if s.visible != nil {
			ok, err := s.visible(s.ctx, m)
			if err != nil {
				reason := closeReasonFor(err)
				h.logger.Info("subscriber closed after access check",
					logging.FamilyID(s.familyID), logging.MemberID(s.memberID),
					logging.String("reason", reason), logging.Err(err))
				h.remove(s, reason)
				return
			}
			if !ok {
				continue
			}
		}
		select {
		case s.ch <- m:
		case <-s.quit:
			return
		}
	}
}

func closeReasonFor(err error) string {
	if pkgerrors.IsPermissionDenied(err) || pkgerrors.IsNotFound(err) {
		return CloseRevoked
	}
	return CloseResync
}

// hub fans messages out to the live sessions of each family. A subscriber
// whose queue is full is dropped with CloseResync and must refetch.
type hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID atomic.Uint64

	queueSize int
	metrics   *prometheus.CareMetrics
	logger    logging.Logger
}

func newHub(queueSize int, metrics *prometheus.CareMetrics, logger logging.Logger) *hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &hub{
		subs:      make(map[string]map[uint64]*Subscription),
		queueSize: queueSize,
		metrics:   metrics,
		logger:    logger.Named("hub"),
	}
}

func (h *hub) subscribe(familyID, memberID string, stream Stream, visible Visibility) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:       h.nextID.Add(1),
		familyID: familyID,
		memberID: memberID,
		stream:   stream,
		visible:  visible,
		inbox:    make(chan Message, h.queueSize),
		ch:       make(chan Message),
		quit:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.mu.Lock()
	fam, ok := h.subs[familyID]
	if !ok {
		fam = make(map[uint64]*Subscription)
		h.subs[familyID] = fam
	}
	fam[s.id] = s
	h.mu.Unlock()
	go s.deliver(h)

	h.metrics.ActiveSubscribers.WithLabelValues(string(stream)).Inc()
	h.logger.Debug("subscriber joined", logging.FamilyID(familyID), logging.MemberID(memberID), logging.String("stream", string(stream)))
	return s
}

// unsubscribe ends s. It is safe to call more than once.
func (h *hub) unsubscribe(s *Subscription) {
	h.remove(s, CloseUnsubscribed)
}

func (h *hub) remove(s *Subscription, reason string) {
	h.mu.Lock()
	if fam, ok := h.subs[s.familyID]; ok {
		delete(fam, s.id)
		if len(fam) == 0 {
			delete(h.subs, s.familyID)
		}
	}
	h.mu.Unlock()
	if s.close(reason) {
		h.metrics.ActiveSubscribers.WithLabelValues(string(s.stream)).Dec()
	}
}

// broadcast queues m for every subscriber of stream in m's family. It never
// blocks and does no I/O; family actors call it inline.
func (h *hub) broadcast(stream Stream, m Message) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[m.FamilyID]))
	for _, s := range h.subs[m.FamilyID] {
		if s.stream == stream {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.offer(m) {
			h.metrics.SubscriberDrops.WithLabelValues(string(stream)).Inc()
			h.logger.Warn("slow subscriber dropped", logging.FamilyID(s.familyID), logging.MemberID(s.memberID), logging.String("stream", string(stream)))
			h.remove(s, CloseResync)
		}
	}
}

// dropMember ends every subscription memberID holds in familyID.
func (h *hub) dropMember(familyID, memberID, reason string) {
	h.mu.RLock()
	var victims []*Subscription
	for _, s := range h.subs[familyID] {
		if s.memberID == memberID {
			victims = append(victims, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range victims {
		h.remove(s, reason)
	}
}

// subscribers returns the number of open subscriptions for familyID.
func (h *hub) subscribers(familyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[familyID])
}

// closeAll ends every subscription with CloseShutdown.
func (h *hub) closeAll() {
	h.mu.Lock()
	var all []*Subscription
	for _, fam := range h.subs {
		for _, s := range fam {
			all = append(all, s)
		}
	}
	h.subs = make(map[string]map[uint64]*Subscription)
	h.mu.Unlock()
	for _, s := range all {
		if s.close(CloseShutdown) {
			h.metrics.ActiveSubscribers.WithLabelValues(string(s.stream)).Dec()
		}
	}
}
