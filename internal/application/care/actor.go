package care

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/CareCircle/pkg/errors"
)

const (
	defaultMailboxSize = 256
	defaultIdleTimeout = 5 * time.Minute
)

var (
	// ErrMailboxFull is returned when a family's actor has too much queued
	// work. Callers may retry.
	ErrMailboxFull = errors.New(errors.ErrCodeServiceUnavailable, "family is busy, retry shortly")
	// ErrShuttingDown is returned once the service has begun to stop.
	ErrShuttingDown = errors.New(errors.ErrCodeServiceUnavailable, "service is shutting down")
)

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

type actor struct {
	familyID string
	mailbox  chan *task
}

// actorSystem serializes every mutation of a family on one goroutine.
// Actors start on first use and retire after idleTimeout without work.
type actorSystem struct {
	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup

	mailboxSize int
	idleTimeout time.Duration
	onRetire    func(familyID string)
	metrics     *prometheus.CareMetrics
	logger      logging.Logger
}

func newActorSystem(mailboxSize int, idleTimeout time.Duration, metrics *prometheus.CareMetrics, logger logging.Logger, onRetire func(string)) *actorSystem {
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if onRetire == nil {
		onRetire = func(string) {}
	}
	return &actorSystem{
		actors:      make(map[string]*actor),
		mailboxSize: mailboxSize,
		idleTimeout: idleTimeout,
		onRetire:    onRetire,
		metrics:     metrics,
		logger:      logger.Named("actors"),
	}
}

// do runs fn on familyID's actor and waits for its result. If ctx ends
// before the actor picks the task up, fn never runs.
func (s *actorSystem) do(ctx context.Context, familyID string, fn func(ctx context.Context) error) error {
	if familyID == "" {
		return errors.New(errors.ErrCodeValidation, "family_id is required")
	}
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	if err := s.enqueue(familyID, t); err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeTimeout, "family actor did not answer in time")
	}
}

func (s *actorSystem) enqueue(familyID string, t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	a, ok := s.actors[familyID]
	if !ok {
		a = &actor{familyID: familyID, mailbox: make(chan *task, s.mailboxSize)}
		s.actors[familyID] = a
		s.wg.Add(1)
		go s.run(a)
		s.metrics.ActiveActors.WithLabelValues().Inc()
	}
	select {
	case a.mailbox <- t:
		return nil
	default:
		s.metrics.MailboxRejections.WithLabelValues().Inc()
		s.logger.Warn("family mailbox full", logging.FamilyID(familyID), logging.Int("size", s.mailboxSize))
		return ErrMailboxFull
	}
}

func (s *actorSystem) run(a *actor) {
	defer s.wg.Done()
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case t, ok := <-a.mailbox:
			if !ok {
				return
			}
			s.execute(a, t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTimeout)
		case <-idle.C:
			if s.retire(a) {
				return
			}
			idle.Reset(s.idleTimeout)
		}
	}
}

// retire removes a from the registry unless work arrived meanwhile. The
// registry lock makes removal atomic with respect to enqueue.
func (s *actorSystem) retire(a *actor) bool {
	s.mu.Lock()
	if len(a.mailbox) > 0 || s.actors[a.familyID] != a {
		s.mu.Unlock()
		return false
	}
	delete(s.actors, a.familyID)
	s.mu.Unlock()

	s.metrics.ActiveActors.WithLabelValues().Dec()
	s.onRetire(a.familyID)
	s.logger.Debug("family actor retired", logging.FamilyID(a.familyID))
	return true
}

func (s *actorSystem) execute(a *actor, t *task) {
	if err := t.ctx.Err(); err != nil {
		t.done <- errors.Wrap(err, errors.ErrCodeTimeout, "request abandoned before it ran")
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("family actor task panicked",
				logging.FamilyID(a.familyID), logging.String("panic", fmt.Sprint(p)))
			t.done <- errors.Internal("internal error while processing family command")
		}
	}()
	t.done <- t.fn(t.ctx)
}

// active returns the number of running actors.
func (s *actorSystem) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// stop refuses new work, lets every actor drain its mailbox and waits for
// them or for ctx.
func (s *actorSystem) stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for id, a := range s.actors {
			close(a.mailbox)
			delete(s.actors, id)
			s.metrics.ActiveActors.WithLabelValues().Dec()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeTimeout, "family actors did not drain in time")
	}
}
