package care

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

const (
	defaultEscalationSweep = time.Minute
	defaultInvitationSweep = 5 * time.Minute
	leaderReleaseTimeout   = 5 * time.Second
)

// Leader elects one replica to run the escalation and invitation sweeps.
// redis.Leader satisfies it. It is only used from a single goroutine.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Run drives the background sweeps until ctx ends. Presence expiry runs on
// every replica; escalation timeouts and invitation expiry run on the leader.
func (s *service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.presence.Run(ctx) })
	g.Go(func() error { return s.runLeaderJobs(ctx) })
	return g.Wait()
}

func (s *service) runLeaderJobs(ctx context.Context) error {
	escalations := time.NewTicker(positive(s.cfg.Escalation.SweepInterval, defaultEscalationSweep))
	defer escalations.Stop()
	invitations := time.NewTicker(positive(s.cfg.Invitation.SweepInterval, defaultInvitationSweep))
	defer invitations.Stop()
	defer s.releaseLeadership()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-escalations.C:
			if s.lead(ctx) {
				s.SweepEscalations(ctx)
			}
		case <-invitations.C:
			if s.lead(ctx) {
				s.SweepInvitations(ctx)
			}
		}
	}
}

func (s *service) lead(ctx context.Context) bool {
	if s.leader == nil {
		return true
	}
	ok, err := s.leader.Acquire(ctx)
	if err != nil {
		s.logger.Warn("leader election failed", logging.Err(err))
		s.metrics.RecordError("sweeper", string(pkgerrors.GetCode(err)))
		return false
	}
	return ok
}

func (s *service) releaseLeadership() {
	if s.leader == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaderReleaseTimeout)
	defer cancel()
	if err := s.leader.Release(ctx); err != nil {
		s.logger.Warn("leader release failed", logging.Err(err))
	}
}

// SweepEscalations resolves overdue ESCALATED conflicts to KEPT_SEPARATE and
// returns how many it closed. Each family's records are expired on that
// family's actor, after any command already queued there.
func (s *service) SweepEscalations(ctx context.Context) int {
	due, err := s.resolver.DueEscalations(ctx)
	if err != nil {
		s.logger.Error("escalation sweep failed", logging.Err(err))
		s.metrics.RecordError("sweeper", string(pkgerrors.GetCode(err)))
		return 0
	}
	byFamily := make(map[string][]string)
	for _, rec := range due {
		byFamily[rec.FamilyID] = append(byFamily[rec.FamilyID], rec.ID)
	}

	var closed atomic.Int32
	for familyID, batch := range byFamily {
		batch := batch
		err := s.actors.do(ctx, familyID, func(ctx context.Context) error {
			for _, id := range batch {
				out, err := s.resolver.ExpireEscalation(ctx, id)
				if err != nil {
					s.logger.Warn("escalation timeout failed", logging.ConflictID(id), logging.Err(err))
					s.metrics.RecordError("sweeper", string(pkgerrors.GetCode(err)))
					continue
				}
				if out == nil {
					continue
				}
				closed.Add(1)
				s.metrics.RecordResolution(string(conflict.ResolutionKeepSeparate), true)
				s.emitOutcome(ctx, out)
				s.logger.Info("escalation timed out",
					logging.FamilyID(out.Record.FamilyID),
					logging.ConflictID(out.Record.ID))
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("escalation sweep skipped family", logging.FamilyID(familyID), logging.Err(err))
			s.metrics.RecordError("sweeper", string(pkgerrors.GetCode(err)))
		}
	}
	return int(closed.Load())
}

// SweepInvitations expires PENDING invitations past their deadline and
// returns how many it expired. Like escalations, each family's invitations
// are expired on its actor, so a concurrent accept or revoke wins.
func (s *service) SweepInvitations(ctx context.Context) int {
	due, err := s.invitations.DueForExpiry(ctx)
	if err != nil {
		s.logger.Error("invitation sweep failed", logging.Err(err))
		s.metrics.RecordError("sweeper", string(pkgerrors.GetCode(err)))
		return 0
	}
	byFamily := make(map[string][]string)
	for _, inv := range due {
		byFamily[inv.FamilyID] = append(byFamily[inv.FamilyID], inv.ID)
	}

	var expired atomic.Int32
	for familyID, batch := range byFamily {
		batch := batch
		err := s.actors.do(ctx, familyID, func(ctx context.Context) error {
			for _, id := range batch {
				inv, err := s.invitations.Expire(ctx, id)
				if err != nil {
					s.logger.Warn("failed to expire invitation", logging.String("invitation_id", id), logging.Err(err))
					continue
				}
				if inv == nil {
					continue
				}
				expired.Add(1)
				s.metrics.InvitationsTotal.WithLabelValues(string(inv.Status)).Inc()
				s.publisher.publish(kafka.TopicInvitation, EventInvitationExpired, inv.FamilyID, inv.Redacted())
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("invitation sweep skipped family", logging.FamilyID(familyID), logging.Err(err))
			s.metrics.RecordError("sweeper", string(pkgerrors.GetCode(err)))
		}
	}
	n := int(expired.Load())
	if n > 0 {
		s.logger.Info("invitations expired", logging.Int("count", n))
	}
	return n
}

func positive(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
