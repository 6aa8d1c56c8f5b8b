package care

import (
	"context"
	"strings"

	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/presence"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

// HeartbeatRequest refreshes the caller's presence.
type HeartbeatRequest struct {
	UserID   string `json:"-"`
	FamilyID string `json:"-"`
	Status   string `json:"status"`
	ChildID  string `json:"child_id,omitempty"`
}

func (r *HeartbeatRequest) Validate() error {
	if strings.TrimSpace(r.Status) == "" {
		return nil
	}
	_, err := presence.ParseStatus(r.Status)
	return err
}

// Heartbeat bypasses the family actor; the presence store is safe for
// concurrent use. Members whose grant expired are refused.
func (s *service) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*presence.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	_, m, err := s.membership(ctx, req.FamilyID, req.UserID)
	if err != nil {
		return nil, err
	}
	return s.heartbeat(ctx, m, req.Status, req.ChildID)
}

func (s *service) heartbeat(ctx context.Context, m *family.Member, status, childID string) (*presence.Record, error) {
	if m.IsExpired(s.clock.Now()) {
		s.metrics.PermissionDenials.WithLabelValues("HEARTBEAT", "grant_expired").Inc()
		return nil, pkgerrors.GrantExpired("HEARTBEAT")
	}
	if childID != "" && !m.CanAccessChild(childID) {
		return nil, pkgerrors.New(pkgerrors.ErrCodeChildOutOfScope, "child is outside the member's scope")
	}
	return s.presence.Heartbeat(ctx, presence.HeartbeatInput{
		FamilyID: m.FamilyID,
		UserID:   m.UserID,
		MemberID: m.ID,
		Status:   presence.Status(strings.ToUpper(status)),
		ChildID:  childID,
	})
}

// Presence lists the family's live records the caller may see: everything
// with VIEW_ALL, otherwise their own record plus CARING records for children
// in their scope.
func (s *service) Presence(ctx context.Context, userID, familyID string) ([]*presence.Record, error) {
	_, m, err := s.membership(ctx, familyID, userID)
	if err != nil {
		return nil, err
	}
	v, err := s.viewerFor(ctx, m)
	if err != nil {
		return nil, err
	}
	recs, err := s.presence.List(ctx, familyID)
	if err != nil {
		return nil, err
	}
	return presence.FilterVisible(recs, v.member.UserID, v.viewAll, v.member.CanAccessChild), nil
}

func (s *service) SubscribePresence(ctx context.Context, userID, familyID string) (*Subscription, error) {
	_, m, err := s.membership(ctx, familyID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.viewerFor(ctx, m); err != nil {
		return nil, err
	}
	return s.hub.subscribe(familyID, m.ID, StreamPresence, s.visibility(m.ID)), nil
}

// onPresence receives every presence change, from heartbeats and sweeps.
func (s *service) onPresence(ctx context.Context, d presence.Delta) {
	s.metrics.PresenceTransitions.WithLabelValues(string(d.Record.Status), string(d.Reason)).Inc()
	delta := d
	s.hub.broadcast(StreamPresence, Message{
		Kind:     MessagePresence,
		FamilyID: d.Record.FamilyID,
		At:       s.clock.Now(),
		Presence: &delta,
	})
}
