package invitation

import (
	"context"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/permission"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/clock"
	"github.com/turtacn/CareCircle/pkg/errors"
)

const (
	// DefaultTTL is how long an invitation can be accepted.
	DefaultTTL = 7 * 24 * time.Hour
	maxTTL     = 30 * 24 * time.Hour
)

// CreateInput describes a new invitation.
type CreateInput struct {
	FamilyID  string
	InviterID string
	Contact   Contact
	Role      family.Role
	// Capabilities replaces the role template when set. Requires the
	// inviter to hold MANAGE_GRANTS.
	Capabilities   *family.CapabilitySet
	ChildScope     []string
	AccessDuration *time.Duration
	TTL            time.Duration
}

// Manager issues, accepts, revokes and expires invitations.
type Manager struct {
	invitations Repository
	members     family.MemberRepository
	perms       permission.Engine
	clock       clock.Clock
	logger      logging.Logger
	defaultTTL  time.Duration
}

// NewManager returns a Manager. A non-positive defaultTTL uses DefaultTTL.
func NewManager(invitations Repository, members family.MemberRepository, perms permission.Engine, defaultTTL time.Duration, clk clock.Clock, logger logging.Logger) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{
		invitations: invitations,
		members:     members,
		perms:       perms,
		clock:       clk,
		logger:      logger.Named("invitation"),
		defaultTTL:  defaultTTL,
	}
}

// Create issues a PENDING invitation.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Invitation, error) {
	d := m.perms.Check(ctx, in.InviterID, permission.ActionInvite)
	if !d.Allowed {
		return nil, d.Err()
	}
	if d.Member.FamilyID != in.FamilyID {
		return nil, errors.PermissionDenied(string(permission.ActionInvite)).WithDetail("cross-family invitation")
	}
	if in.Role == family.RoleOwner {
		return nil, errors.New(errors.ErrCodeInvalidRole, "a family has exactly one owner")
	}
	if err := in.Contact.Validate(); err != nil {
		return nil, err
	}
	if in.AccessDuration != nil && *in.AccessDuration <= 0 {
		return nil, errors.InvalidParam("access duration must be positive")
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl > maxTTL {
		return nil, errors.InvalidParam("invitation ttl exceeds 30 days")
	}

	inv, err := newInvitation(in.FamilyID, in.InviterID, in.Contact, in.Role, m.clock.Now(), ttl)
	if err != nil {
		return nil, err
	}
	if in.Capabilities != nil {
		if !d.Member.Capabilities.Has(family.CapManageGrants) {
			return nil, errors.PermissionDenied(string(permission.ActionManageGrants)).WithDetail("custom capabilities")
		}
		inv.Capabilities = *in.Capabilities
	}
	inv.ChildScope = append([]string(nil), in.ChildScope...)
	if in.AccessDuration != nil {
		dur := *in.AccessDuration
		inv.AccessDuration = &dur
	}
	if in.Role == family.RoleTemporary && inv.AccessDuration == nil {
		dur := 24 * time.Hour
		inv.AccessDuration = &dur
	}

	if err := m.invitations.Create(ctx, inv); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to store invitation")
	}
	m.logger.Info("invitation created",
		logging.FamilyID(inv.FamilyID),
		logging.String("invitation_id", inv.ID),
		logging.String("role", string(inv.Role)),
		logging.Time("expires_at", inv.ExpiresAt))
	return inv, nil
}

// Lookup finds a PENDING invitation by token without consuming it.
func (m *Manager) Lookup(ctx context.Context, token string) (*Invitation, error) {
	if token == "" {
		return nil, errors.InvalidParam("token is required")
	}
	return m.invitations.FindByToken(ctx, token)
}

// Accept consumes the invitation identified by token and creates the
// member for userID.
func (m *Manager) Accept(ctx context.Context, token, userID, displayName string) (*Invitation, *family.Member, error) {
	inv, err := m.Lookup(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if inv.Status != StatusPending {
		return nil, nil, errors.New(errors.ErrCodeInvitationNotPending, "invitation is "+string(inv.Status))
	}
	now := m.clock.Now()
	if inv.IsExpired(now) {
		if _, err := m.transition(ctx, inv, StatusExpired, now); err != nil {
			m.logger.Warn("failed to mark invitation expired", logging.String("invitation_id", inv.ID), logging.Err(err))
		}
		return nil, nil, errors.New(errors.ErrCodeInvitationExpired, "invitation expired; ask for a new one")
	}

	member, err := family.NewMember(inv.FamilyID, userID, inv.Role, inv.InvitedBy, now)
	if err != nil {
		return nil, nil, err
	}
	member.DisplayName = displayName
	member.Capabilities = inv.Capabilities
	member.ChildScope = append([]string(nil), inv.ChildScope...)
	if inv.AccessDuration != nil {
		exp := now.Add(*inv.AccessDuration)
		member.AccessExpiry = &exp
	}
	if err := m.members.Create(ctx, member); err != nil {
		return nil, nil, err
	}

	inv.AcceptedBy = member.ID
	inv.AcceptedAt = &now
	accepted, err := m.transition(ctx, inv, StatusAccepted, now)
	if err != nil {
		return nil, nil, err
	}
	m.logger.Info("invitation accepted",
		logging.FamilyID(inv.FamilyID),
		logging.String("invitation_id", inv.ID),
		logging.MemberID(member.ID))
	return accepted, member, nil
}

// Revoke cancels a PENDING invitation. The actor needs INVITE in the
// invitation's family.
func (m *Manager) Revoke(ctx context.Context, actorID, invitationID string) (*Invitation, error) {
	d := m.perms.Check(ctx, actorID, permission.ActionInvite)
	if !d.Allowed {
		return nil, d.Err()
	}
	inv, err := m.invitations.FindByID(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.FamilyID != d.Member.FamilyID {
		return nil, errors.PermissionDenied(string(permission.ActionInvite)).WithDetail("cross-family invitation")
	}
	if inv.Status != StatusPending {
		return nil, errors.New(errors.ErrCodeInvitationNotPending, "invitation is "+string(inv.Status))
	}
	now := m.clock.Now()
	inv.RevokedAt = &now
	return m.transition(ctx, inv, StatusRevoked, now)
}

// List returns the family's invitations without tokens.
func (m *Manager) List(ctx context.Context, familyID string) ([]*Invitation, error) {
	invs, err := m.invitations.ListByFamily(ctx, familyID)
	if err != nil {
		return nil, err
	}
	out := make([]*Invitation, 0, len(invs))
	for _, inv := range invs {
		out = append(out, inv.Redacted())
	}
	return out, nil
}

// DueForExpiry lists PENDING invitations past their deadline. Each one is
// closed with Expire.
func (m *Manager) DueForExpiry(ctx context.Context) ([]*Invitation, error) {
	due, err := m.invitations.PendingExpiredBefore(ctx, m.clock.Now())
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to list stale invitations")
	}
	return due, nil
}

// Expire re-reads invitationID and marks it EXPIRED if it is still PENDING
// past its deadline. It returns nil when the invitation was accepted or
// revoked in the meantime. Callers run it on the family's actor.
func (m *Manager) Expire(ctx context.Context, invitationID string) (*Invitation, error) {
	inv, err := m.invitations.FindByID(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if inv.Status != StatusPending || !inv.IsExpired(now) {
		return nil, nil
	}
	return m.transition(ctx, inv, StatusExpired, now)
}

func (m *Manager) transition(ctx context.Context, inv *Invitation, to Status, now time.Time) (*Invitation, error) {
	inv.Status = to
	inv.UpdatedAt = now
	if err := m.invitations.Update(ctx, inv); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to update invitation")
	}
	return inv, nil
}
