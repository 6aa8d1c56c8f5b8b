package care

import (
	"context"
	"strings"

	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/domain/permission"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

// ConflictQuery lists a family's conflicts.
type ConflictQuery struct {
	UserID   string
	FamilyID string
	ChildID  string
	Statuses []conflict.Status
	Limit    int
}

// ResolveRequest applies one resolution to a conflict.
type ResolveRequest struct {
	UserID          string              `json:"-"`
	FamilyID        string              `json:"-"`
	ConflictID      string              `json:"-"`
	Resolution      conflict.Resolution `json:"resolution"`
	ExpectedVersion int64               `json:"expected_version"`
	TargetEventID   string              `json:"target_event_id,omitempty"`
}

func (r *ResolveRequest) Validate() error {
	if strings.TrimSpace(r.ConflictID) == "" {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "conflict_id is required")
	}
	if !r.Resolution.IsValid() {
		return pkgerrors.New(pkgerrors.ErrCodeResolutionInvalid, "resolution must be MERGE, KEEP_SEPARATE, DELETE or ESCALATE")
	}
	if r.ExpectedVersion < 1 {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "expected_version is required")
	}
	if r.Resolution == conflict.ResolutionDelete && strings.TrimSpace(r.TargetEventID) == "" {
		return pkgerrors.New(pkgerrors.ErrCodeResolutionInvalid, "DELETE requires target_event_id")
	}
	return nil
}

// ListConflicts returns conflicts newest first. Members without VIEW_ALL see
// only conflicts over events they authored.
func (s *service) ListConflicts(ctx context.Context, req *ConflictQuery) ([]*conflict.Record, error) {
	_, m, err := s.membership(ctx, req.FamilyID, req.UserID)
	if err != nil {
		return nil, err
	}
	v, err := s.viewerFor(ctx, m)
	if err != nil {
		return nil, err
	}
	recs, err := s.records.List(ctx, conflict.Filter{
		FamilyID: req.FamilyID,
		ChildID:  req.ChildID,
		Statuses: req.Statuses,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*conflict.Record, 0, len(recs))
	for _, r := range recs {
		if !v.seesConflict(r) {
			continue
		}
		out = append(out, r)
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

func (s *service) GetConflict(ctx context.Context, userID, familyID, conflictID string) (*conflict.Record, error) {
	_, m, err := s.membership(ctx, familyID, userID)
	if err != nil {
		return nil, err
	}
	v, err := s.viewerFor(ctx, m)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.FindByID(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if rec.FamilyID != familyID || !v.seesConflict(rec) {
		return nil, pkgerrors.New(pkgerrors.ErrCodeConflictNotFound, "conflict not found")
	}
	return rec, nil
}

func (s *service) ResolveConflict(ctx context.Context, req *ResolveRequest) (*conflict.Outcome, error) {
	defer s.observe("resolve_conflict")()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var out *conflict.Outcome
	err := s.actors.do(ctx, req.FamilyID, func(ctx context.Context) error {
		_, m, err := s.writable(ctx, req.FamilyID, req.UserID)
		if err != nil {
			return err
		}
		out, err = s.resolveOnActor(ctx, req.FamilyID, conflict.Command{
			ConflictID:      req.ConflictID,
			Resolution:      req.Resolution,
			ResolverID:      m.ID,
			ExpectedVersion: req.ExpectedVersion,
			TargetEventID:   req.TargetEventID,
		})
		return err
	})
	return out, err
}

func (s *service) resolveOnActor(ctx context.Context, familyID string, cmd conflict.Command) (*conflict.Outcome, error) {
	rec, err := s.records.FindByID(ctx, cmd.ConflictID)
	if err != nil {
		return nil, err
	}
	if rec.FamilyID != familyID {
		return nil, pkgerrors.New(pkgerrors.ErrCodeConflictNotFound, "conflict not found")
	}
	out, err := s.resolver.Resolve(ctx, cmd)
	if err != nil {
		s.countDenial(permission.ActionEditOthers, err)
		return nil, err
	}
	switch {
	case !out.Replayed:
		s.metrics.RecordResolution(string(cmd.Resolution), false)
		s.emitOutcome(ctx, out)
	case len(out.Changed) > 0:
		// The replay finished annotations an earlier attempt left undone.
		s.emitChanged(ctx, out.Changed)
	}
	return out, nil
}

// emitOutcome publishes a resolution: the updated record, the canonical
// event and every annotated source event.
func (s *service) emitOutcome(ctx context.Context, out *conflict.Outcome) {
	rec := out.Record
	if out.Canonical != nil {
		s.emitEvent(ctx, out.Canonical)
	}
	s.emitChanged(ctx, out.Changed)
	if rec.Status == conflict.StatusEscalated {
		s.hub.broadcast(StreamActivity, Message{Kind: MessageConflict, FamilyID: rec.FamilyID, At: s.clock.Now(), Conflict: rec.Clone()})
		s.publisher.publish(kafka.TopicConflicts, EventConflictEscalated, rec.FamilyID, escalationPayload{
			ConflictID: rec.ID,
			ChildID:    rec.ChildID,
			Notify:     out.Notify,
			Deadline:   rec.EscalationDeadline,
		})
		return
	}
	s.emitConflict(ctx, rec, EventConflictResolved)
}

// emitChanged pushes annotated source events to live sessions.
func (s *service) emitChanged(ctx context.Context, events []*activity.Event) {
	for _, e := range events {
		s.hub.broadcast(StreamActivity, Message{Kind: MessageActivity, FamilyID: e.FamilyID, At: s.clock.Now(), Activity: e.Clone()})
	}
}
