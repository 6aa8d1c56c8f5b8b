package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/domain/permission"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/clock"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// DefaultEscalationTimeout is how long an ESCALATED record waits for a
// manual decision.
const DefaultEscalationTimeout = 24 * time.Hour

// Command is one resolution request.
type Command struct {
	ConflictID string     `json:"conflict_id"`
	Resolution Resolution `json:"resolution"`
	// ResolverID is the acting member.
	ResolverID      string `json:"resolver_id"`
	ExpectedVersion int64  `json:"expected_version"`
	// TargetEventID selects the event to tombstone for DELETE.
	TargetEventID string `json:"target_event_id,omitempty"`
}

// Outcome is the result of an applied or replayed command.
type Outcome struct {
	Record    *Record         `json:"conflict"`
	Canonical *activity.Event `json:"canonical,omitempty"`
	// Changed lists the source events whose annotations changed.
	Changed []*activity.Event `json:"changed,omitempty"`
	// Notify lists authors to prompt after an escalation.
	Notify []string `json:"notify,omitempty"`
	// Replayed is true when the command had already been applied and the
	// stored result was returned unchanged.
	Replayed bool `json:"replayed"`
}

// Resolver applies the resolution state machine.
type Resolver struct {
	conflicts Repository
	log       *activity.Log
	perms     permission.Engine
	clock     clock.Clock
	logger    logging.Logger
	timeout   time.Duration
}

// NewResolver returns a Resolver. A non-positive escalationTimeout uses
// DefaultEscalationTimeout.
func NewResolver(conflicts Repository, log *activity.Log, perms permission.Engine, escalationTimeout time.Duration, clk clock.Clock, logger logging.Logger) *Resolver {
	if escalationTimeout <= 0 {
		escalationTimeout = DefaultEscalationTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Resolver{
		conflicts: conflicts,
		log:       log,
		perms:     perms,
		clock:     clk,
		logger:    logger.Named("conflict-resolver"),
		timeout:   escalationTimeout,
	}
}

// Resolve authorizes and applies cmd.
func (r *Resolver) Resolve(ctx context.Context, cmd Command) (*Outcome, error) {
	if !cmd.Resolution.IsValid() {
		return nil, errors.New(errors.ErrCodeResolutionInvalid, fmt.Sprintf("unknown resolution %q", cmd.Resolution))
	}
	rec, err := r.conflicts.FindByID(ctx, cmd.ConflictID)
	if err != nil {
		return nil, err
	}

	if replayOf(rec, cmd) {
		return r.finish(ctx, rec)
	}
	if rec.Status.IsTerminal() || cmd.ExpectedVersion != rec.Version {
		return nil, errors.AlreadyResolved(rec.ID).
			WithDetail(fmt.Sprintf("status=%s version=%d", rec.Status, rec.Version))
	}
	if rec.Status == StatusEscalated && cmd.Resolution == ResolutionEscalate {
		return nil, errors.New(errors.ErrCodeResolutionInvalid, "conflict is already escalated")
	}
	if cmd.Resolution == ResolutionDelete && !rec.Involves(cmd.TargetEventID) {
		return nil, errors.New(errors.ErrCodeResolutionInvalid, "delete needs a target event from the conflict")
	}
	if err := r.authorize(ctx, rec, cmd); err != nil {
		return nil, err
	}
	return r.apply(ctx, rec, cmd)
}

// DueEscalations lists ESCALATED records whose deadline has passed. Each
// one is closed with ExpireEscalation.
func (r *Resolver) DueEscalations(ctx context.Context) ([]*Record, error) {
	due, err := r.conflicts.EscalatedBefore(ctx, r.clock.Now())
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to list escalated conflicts")
	}
	return due, nil
}

// ExpireEscalation re-reads conflictID and, if it is still ESCALATED past its
// deadline, resolves it to KEPT_SEPARATE. It returns nil when the record was
// decided in the meantime. Callers run it on the family's actor.
func (r *Resolver) ExpireEscalation(ctx context.Context, conflictID string) (*Outcome, error) {
	rec, err := r.conflicts.FindByID(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusEscalated || rec.EscalationDeadline == nil || rec.EscalationDeadline.After(r.clock.Now()) {
		return nil, nil
	}
	out, err := r.apply(ctx, rec, Command{
		ConflictID:      rec.ID,
		Resolution:      ResolutionKeepSeparate,
		ResolverID:      SystemResolver,
		ExpectedVersion: rec.Version,
	})
	if errors.IsCode(err, errors.CodeAlreadyResolved) {
		return nil, nil
	}
	return out, err
}

// replayOf reports whether cmd is exactly the command that produced rec's
// last transition.
func replayOf(rec *Record, cmd Command) bool {
	return rec.Resolution == cmd.Resolution &&
		rec.ResolvedBy == cmd.ResolverID &&
		rec.Version == cmd.ExpectedVersion+1 &&
		(cmd.Resolution != ResolutionDelete || rec.DeletedEventID == cmd.TargetEventID)
}

func (r *Resolver) authorize(ctx context.Context, rec *Record, cmd Command) error {
	d := r.perms.Check(ctx, cmd.ResolverID, permission.ActionEditOthers)
	if d.Member != nil && d.Member.FamilyID != rec.FamilyID {
		return errors.PermissionDenied(string(permission.ActionEditOthers)).WithDetail("cross-family resolution")
	}
	if d.Allowed {
		return nil
	}
	// An involved author may keep their own event separate without
	// EDIT_OTHERS, provided their grant is still live.
	if cmd.Resolution == ResolutionKeepSeparate && d.Reason == permission.ReasonMissingCapability && rec.HasAuthor(cmd.ResolverID) {
		return nil
	}
	return d.Err()
}

// apply performs one transition. The version claim is the commit point: a
// merge appends its canonical event first, so a MERGED record always names a
// stored event. Event annotations follow the claim and are completed by a
// replay of the same command if they fail part way.
func (r *Resolver) apply(ctx context.Context, rec *Record, cmd Command) (*Outcome, error) {
	events, err := r.log.Repository().FindByIDs(ctx, rec.EventIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to load conflicting events")
	}

	now := r.clock.Now()
	next := rec.Clone()
	next.Status = cmd.Resolution.Target()
	next.Resolution = cmd.Resolution
	next.ResolvedBy = cmd.ResolverID
	next.ResolvedAt = &now
	next.Version = rec.Version + 1
	next.UpdatedAt = now

	out := &Outcome{Record: next}
	switch cmd.Resolution {
	case ResolutionMerge:
		canonical, err := activity.NewCanonical(events, cmd.ResolverID)
		if err != nil {
			return nil, err
		}
		committed, err := r.log.Append(ctx, canonical)
		if err != nil {
			return nil, err
		}
		next.CanonicalEventID = committed.ID
		out.Canonical = committed
	case ResolutionDelete:
		next.DeletedEventID = cmd.TargetEventID
	case ResolutionEscalate:
		deadline := now.Add(r.timeout)
		next.EscalationDeadline = &deadline
		out.Notify = append([]string(nil), rec.AuthorIDs...)
	}

	if err := r.conflicts.Update(ctx, next, rec.Version); err != nil {
		if out.Canonical != nil {
			r.discard(ctx, out.Canonical, now)
		}
		return nil, err
	}

	changed, err := r.settle(ctx, next, events)
	if err != nil {
		return nil, err
	}
	out.Changed = changed

	r.logger.Info("conflict resolved",
		logging.FamilyID(next.FamilyID),
		logging.ConflictID(next.ID),
		logging.String("status", string(next.Status)),
		logging.String("resolved_by", next.ResolvedBy),
		logging.Int64("version", next.Version))
	return out, nil
}

// finish answers a replayed command with the stored outcome, completing any
// event annotations an interrupted attempt left undone.
func (r *Resolver) finish(ctx context.Context, rec *Record) (*Outcome, error) {
	out := &Outcome{Record: rec, Replayed: true}
	if rec.Resolution == ResolutionMerge {
		found, err := r.log.Repository().FindByIDs(ctx, []string{rec.CanonicalEventID})
		if err != nil || len(found) == 0 {
			r.logger.Error("merged conflict lost its canonical event", logging.ConflictID(rec.ID), logging.Err(err))
			return nil, errors.Internal("merged conflict has no canonical event")
		}
		out.Canonical = found[0]
	}
	events, err := r.log.Repository().FindByIDs(ctx, rec.EventIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to load conflicting events")
	}
	changed, err := r.settle(ctx, rec, events)
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		r.logger.Warn("completed an interrupted resolution",
			logging.ConflictID(rec.ID), logging.Int("events", len(changed)))
	}
	out.Changed = changed
	return out, nil
}

// discard hides a canonical event whose merge lost the version race.
func (r *Resolver) discard(ctx context.Context, orphan *activity.Event, now time.Time) {
	orphan.Tombstone(SystemResolver, now)
	orphan.SyncStatus = activity.SyncCommitted
	if err := r.log.Annotate(ctx, orphan); err != nil {
		r.logger.Error("failed to discard canonical event", logging.EventID(orphan.ID), logging.Err(err))
	}
}

// settle brings every source event to the state rec's resolution leaves it
// in and returns the events it wrote. Events still held by another open
// conflict stay CONFLICTED.
func (r *Resolver) settle(ctx context.Context, rec *Record, events []*activity.Event) ([]*activity.Event, error) {
	if rec.Status == StatusEscalated || rec.Status == StatusPending {
		return nil, nil
	}
	held, err := r.heldElsewhere(ctx, rec)
	if err != nil {
		return nil, err
	}
	var changed []*activity.Event
	for _, e := range events {
		if !settleEvent(rec, e, held[e.ID]) {
			continue
		}
		if err := r.log.Annotate(ctx, e); err != nil {
			return nil, err
		}
		changed = append(changed, e)
	}
	return changed, nil
}

func settleEvent(rec *Record, e *activity.Event, held bool) bool {
	changed := false
	switch rec.Resolution {
	case ResolutionMerge:
		if e.SupersededBy != rec.CanonicalEventID {
			e.SupersededBy = rec.CanonicalEventID
			changed = true
		}
	case ResolutionKeepSeparate:
		if !e.Distinct {
			e.Distinct = true
			changed = true
		}
	case ResolutionDelete:
		if e.ID == rec.DeletedEventID && !e.Tombstoned {
			e.Tombstone(rec.ResolvedBy, *rec.ResolvedAt)
			changed = true
		}
	}
	if !held && e.SyncStatus == activity.SyncConflicted {
		e.SyncStatus = activity.SyncCommitted
		changed = true
	}
	return changed
}

// heldElsewhere returns the events of rec that another open conflict still
// covers.
func (r *Resolver) heldElsewhere(ctx context.Context, rec *Record) (map[string]bool, error) {
	open, err := r.conflicts.List(ctx, Filter{
		FamilyID: rec.FamilyID,
		ChildID:  rec.ChildID,
		Statuses: []Status{StatusPending, StatusEscalated},
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to list open conflicts")
	}
	held := make(map[string]bool)
	for _, o := range open {
		if o.ID == rec.ID {
			continue
		}
		for _, id := range o.EventIDs {
			if rec.Involves(id) {
				held[id] = true
			}
		}
	}
	return held, nil
}
