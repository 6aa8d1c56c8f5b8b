package family

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/CareCircle/pkg/errors"
)

// Role names the capability template a member was created from. Authorization
// never consults the role, only the capability set.
type Role string

const (
	RoleOwner              Role = "owner"
	RoleParent             Role = "parent"
	RoleFamilyRelative     Role = "family_relative"
	RoleProfessional       Role = "professional"
	RoleInstitutionalStaff Role = "institutional_staff"
	RoleTemporary          Role = "temporary"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	_, ok := roleTemplates[r]
	return ok
}

// Capability is a single named permission.
type Capability string

const (
	CapLog           Capability = "can_log"
	CapViewAll       Capability = "can_view_all"
	CapEditOthers    Capability = "can_edit_others"
	CapInvite        Capability = "can_invite"
	CapManageGrants  Capability = "can_manage_grants"
	CapExportData    Capability = "can_export_data"
	CapViewAnalytics Capability = "can_view_analytics"
)

// AllCapabilities lists every capability in a stable order.
var AllCapabilities = []Capability{
	CapLog, CapViewAll, CapEditOthers, CapInvite, CapManageGrants, CapExportData, CapViewAnalytics,
}

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	for _, c := range AllCapabilities {
		if string(c) == s {
			return c, nil
		}
	}
	return "", errors.New(errors.ErrCodeInvalidCapability, fmt.Sprintf("unknown capability %q", s))
}

// CapabilitySet is the explicit per-member grant.
type CapabilitySet struct {
	CanLog           bool `json:"can_log"`
	CanViewAll       bool `json:"can_view_all"`
	CanEditOthers    bool `json:"can_edit_others"`
	CanInvite        bool `json:"can_invite"`
	CanManageGrants  bool `json:"can_manage_grants"`
	CanExportData    bool `json:"can_export_data"`
	CanViewAnalytics bool `json:"can_view_analytics"`
}

// Has reports whether c is granted.
func (s CapabilitySet) Has(c Capability) bool {
	switch c {
	case CapLog:
		return s.CanLog
	case CapViewAll:
		return s.CanViewAll
	case CapEditOthers:
		return s.CanEditOthers
	case CapInvite:
		return s.CanInvite
	case CapManageGrants:
		return s.CanManageGrants
	case CapExportData:
		return s.CanExportData
	case CapViewAnalytics:
		return s.CanViewAnalytics
	}
	return false
}

// With returns a copy of s with c set to granted.
func (s CapabilitySet) With(c Capability, granted bool) CapabilitySet {
	switch c {
	case CapLog:
		s.CanLog = granted
	case CapViewAll:
		s.CanViewAll = granted
	case CapEditOthers:
		s.CanEditOthers = granted
	case CapInvite:
		s.CanInvite = granted
	case CapManageGrants:
		s.CanManageGrants = granted
	case CapExportData:
		s.CanExportData = granted
	case CapViewAnalytics:
		s.CanViewAnalytics = granted
	}
	return s
}

// List returns the granted capabilities.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(AllCapabilities))
	for _, c := range AllCapabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// CapabilitiesOf builds a set with exactly cs granted.
func CapabilitiesOf(cs ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range cs {
		s = s.With(c, true)
	}
	return s
}

var roleTemplates = map[Role]CapabilitySet{
	RoleOwner:              CapabilitiesOf(AllCapabilities...),
	RoleParent:             CapabilitiesOf(AllCapabilities...),
	RoleFamilyRelative:     CapabilitiesOf(CapLog, CapViewAll),
	RoleProfessional:       CapabilitiesOf(CapLog),
	RoleInstitutionalStaff: CapabilitiesOf(CapLog, CapExportData, CapViewAnalytics),
	RoleTemporary:          CapabilitiesOf(CapLog),
}

// Template returns the default capability bundle for role.
func Template(role Role) (CapabilitySet, error) {
	s, ok := roleTemplates[role]
	if !ok {
		return CapabilitySet{}, errors.New(errors.ErrCodeInvalidRole, fmt.Sprintf("unknown role %q", role))
	}
	return s, nil
}

// Member is a caregiver's membership and capability grant within one family.
type Member struct {
	ID           string        `json:"id"`
	FamilyID     string        `json:"family_id"`
	UserID       string        `json:"user_id"`
	DisplayName  string        `json:"display_name,omitempty"`
	Role         Role          `json:"role"`
	Capabilities CapabilitySet `json:"capabilities"`
	// ChildScope limits the member to specific children; empty means all.
	ChildScope   []string   `json:"child_scope,omitempty"`
	AccessExpiry *time.Time `json:"access_expiry,omitempty"`
	InvitedBy    string     `json:"invited_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewMember creates a member carrying the template for role.
func NewMember(familyID, userID string, role Role, invitedBy string, now time.Time) (*Member, error) {
	caps, err := Template(role)
	if err != nil {
		return nil, err
	}
	m := &Member{
		ID:           uuid.New().String(),
		FamilyID:     familyID,
		UserID:       userID,
		Role:         role,
		Capabilities: caps,
		InvitedBy:    invitedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks required fields.
func (m *Member) Validate() error {
	if m.FamilyID == "" {
		return errors.InvalidParam("family id is required")
	}
	if m.UserID == "" {
		return errors.InvalidParam("user id is required")
	}
	if !m.Role.IsValid() {
		return errors.New(errors.ErrCodeInvalidRole, fmt.Sprintf("unknown role %q", m.Role))
	}
	return nil
}

// IsOwner reports whether m is the family owner.
func (m *Member) IsOwner() bool { return m.Role == RoleOwner }

// IsExpired reports whether the access window closed at or before now.
func (m *Member) IsExpired(now time.Time) bool {
	return m.AccessExpiry != nil && !now.Before(*m.AccessExpiry)
}

// CanAccessChild reports whether childID is inside the member's scope.
func (m *Member) CanAccessChild(childID string) bool {
	if len(m.ChildScope) == 0 {
		return true
	}
	for _, id := range m.ChildScope {
		if id == childID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, so stores can hand out members without sharing
// slices or pointers.
func (m *Member) Clone() *Member {
	if m == nil {
		return nil
	}
	c := *m
	if m.ChildScope != nil {
		c.ChildScope = append([]string(nil), m.ChildScope...)
	}
	if m.AccessExpiry != nil {
		exp := *m.AccessExpiry
		c.AccessExpiry = &exp
	}
	return &c
}
