package care

import (
	"context"
	"strings"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/permission"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

// GrantRequest adds or removes one capability.
type GrantRequest struct {
	UserID     string `json:"-"`
	FamilyID   string `json:"-"`
	MemberID   string `json:"-"`
	Capability string `json:"capability"`
}

func (r *GrantRequest) Validate() error {
	if strings.TrimSpace(r.MemberID) == "" {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "member_id is required")
	}
	_, err := family.ParseCapability(r.Capability)
	return err
}

// SetExpiryRequest bounds or unbounds a member's access. A nil ExpiresAt
// clears the expiry.
type SetExpiryRequest struct {
	UserID    string     `json:"-"`
	FamilyID  string     `json:"-"`
	MemberID  string     `json:"-"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// SetChildScopeRequest restricts a member to the listed children. An empty
// list means every child.
type SetChildScopeRequest struct {
	UserID   string   `json:"-"`
	FamilyID string   `json:"-"`
	MemberID string   `json:"-"`
	ChildIDs []string `json:"child_ids"`
}

func (s *service) GrantCapability(ctx context.Context, req *GrantRequest) (*family.Member, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	c, _ := family.ParseCapability(req.Capability)
	return s.changeGrant(ctx, req.UserID, req.FamilyID, req.MemberID, "grant:"+string(c),
		func(ctx context.Context, actorID string) (*family.Member, error) {
			return s.perms.GrantCapability(ctx, actorID, req.MemberID, c)
		})
}

func (s *service) RevokeCapability(ctx context.Context, req *GrantRequest) (*family.Member, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	c, _ := family.ParseCapability(req.Capability)
	return s.changeGrant(ctx, req.UserID, req.FamilyID, req.MemberID, "revoke:"+string(c),
		func(ctx context.Context, actorID string) (*family.Member, error) {
			return s.perms.RevokeCapability(ctx, actorID, req.MemberID, c)
		})
}

func (s *service) SetExpiry(ctx context.Context, req *SetExpiryRequest) (*family.Member, error) {
	return s.changeGrant(ctx, req.UserID, req.FamilyID, req.MemberID, "expiry",
		func(ctx context.Context, actorID string) (*family.Member, error) {
			return s.perms.SetExpiry(ctx, actorID, req.MemberID, req.ExpiresAt)
		})
}

func (s *service) SetChildScope(ctx context.Context, req *SetChildScopeRequest) (*family.Member, error) {
	return s.changeGrant(ctx, req.UserID, req.FamilyID, req.MemberID, "child_scope",
		func(ctx context.Context, actorID string) (*family.Member, error) {
			for _, id := range req.ChildIDs {
				c, err := s.children.FindByID(ctx, id)
				if err != nil || c.FamilyID != req.FamilyID {
					return nil, pkgerrors.New(pkgerrors.ErrCodeChildNotFound, "child scope names an unknown child")
				}
			}
			return s.perms.SetChildScope(ctx, actorID, req.MemberID, req.ChildIDs)
		})
}

// changeGrant runs a grant mutation on the family actor. Commands queued
// behind it are authorized against the updated grant.
func (s *service) changeGrant(ctx context.Context, userID, familyID, memberID, change string,
	apply func(ctx context.Context, actorID string) (*family.Member, error)) (*family.Member, error) {
	defer s.observe("change_grant")()
	var out *family.Member
	err := s.actors.do(ctx, familyID, func(ctx context.Context) error {
		_, actor, err := s.writable(ctx, familyID, userID)
		if err != nil {
			return err
		}
		target, err := s.members.FindByID(ctx, memberID)
		if err != nil {
			return err
		}
		if target.FamilyID != familyID {
			return pkgerrors.New(pkgerrors.ErrCodeMemberNotFound, "member not found")
		}
		updated, err := apply(ctx, actor.ID)
		if err != nil {
			s.countDenial(permission.ActionManageGrants, err)
			return err
		}
		out = updated.Clone()
		s.publisher.publish(kafka.TopicGrants, EventGrantChanged, familyID, grantChangedPayload{
			MemberID:     out.ID,
			ChangedBy:    actor.ID,
			Change:       change,
			Capabilities: out.Capabilities,
			AccessExpiry: out.AccessExpiry,
			ChildScope:   out.ChildScope,
		})
		return nil
	})
	return out, err
}
