package care

import (
	"context"
	"strings"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/invitation"
	"github.com/turtacn/CareCircle/internal/domain/permission"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

// CreateInvitationRequest invites someone into a family.
type CreateInvitationRequest struct {
	UserID       string             `json:"-"`
	FamilyID     string             `json:"-"`
	Contact      invitation.Contact `json:"contact"`
	Role         family.Role        `json:"role"`
	Capabilities []string           `json:"capabilities,omitempty"`
	ChildScope   []string           `json:"child_scope,omitempty"`
	// AccessDuration bounds the resulting membership, e.g. "72h".
	AccessDuration string `json:"access_duration,omitempty"`
	// TTL overrides how long the invitation can be accepted.
	TTL string `json:"ttl,omitempty"`
}

func (r *CreateInvitationRequest) Validate() error {
	if !r.Role.IsValid() {
		return pkgerrors.New(pkgerrors.ErrCodeInvalidRole, "unknown role")
	}
	for _, c := range r.Capabilities {
		if _, err := family.ParseCapability(c); err != nil {
			return err
		}
	}
	if _, err := parseOptionalDuration("access_duration", r.AccessDuration); err != nil {
		return err
	}
	if _, err := parseOptionalDuration("ttl", r.TTL); err != nil {
		return err
	}
	return nil
}

func (r *CreateInvitationRequest) input(inviterID string) invitation.CreateInput {
	in := invitation.CreateInput{
		FamilyID:   r.FamilyID,
		InviterID:  inviterID,
		Contact:    r.Contact,
		Role:       r.Role,
		ChildScope: r.ChildScope,
	}
	if len(r.Capabilities) > 0 {
		caps := make([]family.Capability, 0, len(r.Capabilities))
		for _, c := range r.Capabilities {
			parsed, _ := family.ParseCapability(c)
			caps = append(caps, parsed)
		}
		set := family.CapabilitiesOf(caps...)
		in.Capabilities = &set
	}
	if d, _ := parseOptionalDuration("access_duration", r.AccessDuration); d > 0 {
		in.AccessDuration = &d
	}
	in.TTL, _ = parseOptionalDuration("ttl", r.TTL)
	return in
}

func parseOptionalDuration(field, v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, pkgerrors.New(pkgerrors.ErrCodeValidation, field+" must be a positive duration")
	}
	return d, nil
}

// AcceptInvitationRequest redeems an invitation token for the caller.
type AcceptInvitationRequest struct {
	UserID      string `json:"-"`
	Token       string `json:"-"`
	DisplayName string `json:"display_name,omitempty"`
}

// AcceptResult is the consumed invitation and the member it created.
type AcceptResult struct {
	Invitation *invitation.Invitation `json:"invitation"`
	Member     *family.Member         `json:"member"`
}

// invitationIssued carries the token to the delivery layer, which is the
// only consumer that may see it.
type invitationIssued struct {
	InvitationID string             `json:"invitation_id"`
	Contact      invitation.Contact `json:"contact"`
	Role         family.Role        `json:"role"`
	Token        string             `json:"token"`
	ExpiresAt    time.Time          `json:"expires_at"`
}

func (s *service) CreateInvitation(ctx context.Context, req *CreateInvitationRequest) (*invitation.Invitation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var out *invitation.Invitation
	err := s.actors.do(ctx, req.FamilyID, func(ctx context.Context) error {
		_, m, err := s.writable(ctx, req.FamilyID, req.UserID)
		if err != nil {
			return err
		}
		for _, id := range req.ChildScope {
			c, err := s.children.FindByID(ctx, id)
			if err != nil || c.FamilyID != req.FamilyID {
				return pkgerrors.New(pkgerrors.ErrCodeChildNotFound, "child scope names an unknown child")
			}
		}
		inv, err := s.invitations.Create(ctx, req.input(m.ID))
		if err != nil {
			s.countDenial(permission.ActionInvite, err)
			return err
		}
		s.metrics.InvitationsTotal.WithLabelValues(string(inv.Status)).Inc()
		s.publisher.publish(kafka.TopicInvitation, EventInvitationIssued, inv.FamilyID, invitationIssued{
			InvitationID: inv.ID,
			Contact:      inv.Contact,
			Role:         inv.Role,
			Token:        inv.Token,
			ExpiresAt:    inv.ExpiresAt,
		})
		out = inv
		return nil
	})
	return out, err
}

// ListInvitations requires INVITE. Tokens are never listed.
func (s *service) ListInvitations(ctx context.Context, userID, familyID string) ([]*invitation.Invitation, error) {
	_, m, err := s.membership(ctx, familyID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, m.ID, permission.ActionInvite); err != nil {
		return nil, err
	}
	return s.invitations.List(ctx, familyID)
}

func (s *service) RevokeInvitation(ctx context.Context, userID, familyID, invitationID string) (*invitation.Invitation, error) {
	var out *invitation.Invitation
	err := s.actors.do(ctx, familyID, func(ctx context.Context) error {
		_, m, err := s.membership(ctx, familyID, userID)
		if err != nil {
			return err
		}
		inv, err := s.invitations.Revoke(ctx, m.ID, invitationID)
		if err != nil {
			s.countDenial(permission.ActionInvite, err)
			return err
		}
		s.metrics.InvitationsTotal.WithLabelValues(string(inv.Status)).Inc()
		out = inv.Redacted()
		s.publisher.publish(kafka.TopicInvitation, EventInvitationRevoked, familyID, out)
		return nil
	})
	return out, err
}

// AcceptInvitation runs on the inviting family's actor, so acceptance is
// ordered against grant changes and revocation of the same invitation.
func (s *service) AcceptInvitation(ctx context.Context, req *AcceptInvitationRequest) (*AcceptResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, pkgerrors.New(pkgerrors.ErrCodeValidation, "user_id is required")
	}
	inv, err := s.invitations.Lookup(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	var out *AcceptResult
	err = s.actors.do(ctx, inv.FamilyID, func(ctx context.Context) error {
		fam, err := s.families.FindByID(ctx, inv.FamilyID)
		if err != nil {
			return err
		}
		if fam.IsArchived() {
			return pkgerrors.New(pkgerrors.ErrCodeFamilyArchived, "family is archived")
		}
		accepted, member, err := s.invitations.Accept(ctx, req.Token, req.UserID, req.DisplayName)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.ErrCodeInvitationExpired) {
				s.metrics.InvitationsTotal.WithLabelValues(string(invitation.StatusExpired)).Inc()
			}
			return err
		}
		s.metrics.InvitationsTotal.WithLabelValues(string(accepted.Status)).Inc()
		out = &AcceptResult{Invitation: accepted.Redacted(), Member: member}
		s.logger.Info("member joined",
			logging.FamilyID(member.FamilyID),
			logging.MemberID(member.ID),
			logging.String("role", string(member.Role)))
		s.publisher.publish(kafka.TopicInvitation, EventInvitationAccepted, member.FamilyID, out.Invitation)
		return nil
	})
	return out, err
}
