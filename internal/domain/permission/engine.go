// Package permission evaluates and mutates per-member capability grants.
//
// Authorization reads the member store on every call; nothing is cached, so a
// revocation or an expiry is visible to the very next request from any
// session.
package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/clock"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// Action is an authorizable operation tag.
type Action string

const (
	ActionLogActivity   Action = "LOG_ACTIVITY"
	ActionEditOthers    Action = "EDIT_OTHERS"
	ActionInvite        Action = "INVITE"
	ActionViewAll       Action = "VIEW_ALL"
	ActionManageGrants  Action = "MANAGE_GRANTS"
	ActionExport        Action = "EXPORT"
	ActionViewAnalytics Action = "VIEW_ANALYTICS"
)

var actionCapabilities = map[Action]family.Capability{
	ActionLogActivity:   family.CapLog,
	ActionEditOthers:    family.CapEditOthers,
	ActionInvite:        family.CapInvite,
	ActionViewAll:       family.CapViewAll,
	ActionManageGrants:  family.CapManageGrants,
	ActionExport:        family.CapExportData,
	ActionViewAnalytics: family.CapViewAnalytics,
}

// Capability returns the capability that gates a. Unknown actions map to "".
func (a Action) Capability() family.Capability {
	return actionCapabilities[a]
}

// Mutates reports whether a writes family state. Archived families deny
// mutating actions and keep the read-only ones.
func (a Action) Mutates() bool {
	switch a {
	case ActionViewAll, ActionExport, ActionViewAnalytics:
		return false
	}
	return true
}

// DenyReason explains a negative decision.
type DenyReason string

const (
	ReasonNone              DenyReason = ""
	ReasonMissingCapability DenyReason = "missing_capability"
	ReasonGrantExpired      DenyReason = "grant_expired"
	ReasonUnknownMember     DenyReason = "unknown_member"
	ReasonUnknownAction     DenyReason = "unknown_action"
	ReasonFamilyArchived    DenyReason = "family_archived"
)

// Decision is the outcome of a capability check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Action  Action
	// Member is the evaluated member when it could be loaded.
	Member *family.Member
}

// Err converts a negative decision into the caller-facing error. An expired
// grant maps to GrantExpired and an archived family to FamilyArchived; every
// other denial maps to PermissionDenied.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonGrantExpired:
		return errors.GrantExpired(string(d.Action))
	case ReasonFamilyArchived:
		return errors.New(errors.ErrCodeFamilyArchived, "family is archived")
	}
	return errors.PermissionDenied(string(d.Action)).WithDetail(string(d.Reason))
}

// Engine is the capability evaluator and grant mutator.
type Engine interface {
	// Authorize reports whether memberID may perform action now. It never
	// errors; storage failures deny.
	Authorize(ctx context.Context, memberID string, action Action) bool

	// Check is Authorize with the reason attached.
	Check(ctx context.Context, memberID string, action Action) Decision

	// GrantCapability and RevokeCapability override a single capability on
	// memberID. actorID must hold MANAGE_GRANTS in the same family.
	GrantCapability(ctx context.Context, actorID, memberID string, c family.Capability) (*family.Member, error)
	RevokeCapability(ctx context.Context, actorID, memberID string, c family.Capability) (*family.Member, error)

	// SetExpiry sets or clears (nil) the access window end.
	SetExpiry(ctx context.Context, actorID, memberID string, expiry *time.Time) (*family.Member, error)

	// SetChildScope restricts memberID to the given children; nil clears it.
	SetChildScope(ctx context.Context, actorID, memberID string, childIDs []string) (*family.Member, error)
}

type engineImpl struct {
	members  family.MemberRepository
	families family.Repository
	clock    clock.Clock
	logger   logging.Logger
}

// EngineOption configures optional engine behaviour.
type EngineOption func(*engineImpl)

// WithFamilies makes Check load the member's family and deny mutating
// actions once it is archived. Without it only the member record is read.
func WithFamilies(families family.Repository) EngineOption {
	return func(e *engineImpl) { e.families = families }
}

// NewEngine constructs the permission engine.
func NewEngine(members family.MemberRepository, clk clock.Clock, logger logging.Logger, opts ...EngineOption) Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	e := &engineImpl{members: members, clock: clk, logger: logger.Named("permission")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate is the pure decision function shared by Check and callers that
// already hold a loaded member.
func Evaluate(m *family.Member, action Action, now time.Time) Decision {
	d := Decision{Action: action, Member: m}
	capability := action.Capability()
	switch {
	case m == nil:
		d.Reason = ReasonUnknownMember
	case capability == "":
		d.Reason = ReasonUnknownAction
	case m.IsExpired(now):
		d.Reason = ReasonGrantExpired
	case !m.Capabilities.Has(capability):
		d.Reason = ReasonMissingCapability
	default:
		d.Allowed = true
	}
	return d
}

func (e *engineImpl) Authorize(ctx context.Context, memberID string, action Action) bool {
	return e.Check(ctx, memberID, action).Allowed
}

func (e *engineImpl) Check(ctx context.Context, memberID string, action Action) Decision {
	m, err := e.members.FindByID(ctx, memberID)
	if err != nil {
		if !errors.IsNotFound(err) {
			e.logger.Warn("member lookup failed during authorization",
				logging.MemberID(memberID), logging.String("action", string(action)), logging.Err(err))
		}
		return Decision{Action: action, Reason: ReasonUnknownMember}
	}
	d := Evaluate(m, action, e.clock.Now())
	if d.Allowed && action.Mutates() && e.families != nil {
		d = e.checkFamily(ctx, d)
	}
	if !d.Allowed {
		e.logger.Debug("authorization denied",
			logging.MemberID(memberID),
			logging.String("action", string(action)),
			logging.String("reason", string(d.Reason)))
	}
	return d
}

// checkFamily denies d when the member's family is archived or cannot be
// read.
func (e *engineImpl) checkFamily(ctx context.Context, d Decision) Decision {
	fam, err := e.families.FindByID(ctx, d.Member.FamilyID)
	switch {
	case err != nil:
		if !errors.IsNotFound(err) {
			e.logger.Warn("family lookup failed during authorization",
				logging.FamilyID(d.Member.FamilyID), logging.String("action", string(d.Action)), logging.Err(err))
		}
		d.Allowed, d.Reason = false, ReasonUnknownMember
	case fam.IsArchived():
		d.Allowed, d.Reason = false, ReasonFamilyArchived
	}
	return d
}

func (e *engineImpl) GrantCapability(ctx context.Context, actorID, memberID string, c family.Capability) (*family.Member, error) {
	return e.mutate(ctx, actorID, memberID, func(m *family.Member) {
		m.Capabilities = m.Capabilities.With(c, true)
	})
}

func (e *engineImpl) RevokeCapability(ctx context.Context, actorID, memberID string, c family.Capability) (*family.Member, error) {
	return e.mutate(ctx, actorID, memberID, func(m *family.Member) {
		m.Capabilities = m.Capabilities.With(c, false)
	})
}

func (e *engineImpl) SetExpiry(ctx context.Context, actorID, memberID string, expiry *time.Time) (*family.Member, error) {
	return e.mutate(ctx, actorID, memberID, func(m *family.Member) {
		if expiry == nil {
			m.AccessExpiry = nil
			return
		}
		exp := expiry.UTC()
		m.AccessExpiry = &exp
	})
}

func (e *engineImpl) SetChildScope(ctx context.Context, actorID, memberID string, childIDs []string) (*family.Member, error) {
	return e.mutate(ctx, actorID, memberID, func(m *family.Member) {
		m.ChildScope = append([]string(nil), childIDs...)
	})
}

func (e *engineImpl) mutate(ctx context.Context, actorID, memberID string, apply func(*family.Member)) (*family.Member, error) {
	decision := e.Check(ctx, actorID, ActionManageGrants)
	if !decision.Allowed {
		return nil, decision.Err()
	}
	target, err := e.members.FindByID(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if target.FamilyID != decision.Member.FamilyID {
		return nil, errors.PermissionDenied(string(ActionManageGrants)).WithDetail("cross-family grant")
	}
	if target.IsOwner() {
		return nil, errors.New(errors.ErrCodeOwnerImmutable, "owner grants cannot be changed")
	}

	apply(target)
	target.UpdatedAt = e.clock.Now()
	if err := e.members.Update(ctx, target); err != nil {
		return nil, errors.Wrap(err, errors.CodeUnknown, fmt.Sprintf("failed to update member %s", memberID))
	}

	e.logger.Info("grant changed",
		logging.FamilyID(target.FamilyID),
		logging.MemberID(memberID),
		logging.String("actor_id", actorID),
		logging.Any("capabilities", target.Capabilities.List()))
	return target, nil
}
