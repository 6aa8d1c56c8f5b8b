// Package invitation issues and expires time-bounded family access.
package invitation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// Status is an invitation's lifecycle state. Every state but PENDING is
// final.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusExpired  Status = "EXPIRED"
	StatusRevoked  Status = "REVOKED"
)

// ContactMethod is how the external delivery layer reaches the invitee.
type ContactMethod string

const (
	ContactEmail ContactMethod = "email"
	ContactSMS   ContactMethod = "sms"
	ContactLink  ContactMethod = "link"
)

// Contact identifies the invitee.
type Contact struct {
	Method  ContactMethod `json:"method"`
	Address string        `json:"address,omitempty"`
}

// Validate checks the method and that an address is present where needed.
func (c Contact) Validate() error {
	switch c.Method {
	case ContactEmail:
		if !strings.Contains(c.Address, "@") {
			return errors.InvalidParam("email contact needs an address")
		}
	case ContactSMS:
		if strings.TrimSpace(c.Address) == "" {
			return errors.InvalidParam("sms contact needs a phone number")
		}
	case ContactLink:
	default:
		return errors.InvalidParam("unknown contact method")
	}
	return nil
}

// Invitation offers membership with a proposed role and capability set.
type Invitation struct {
	ID           string               `json:"id"`
	FamilyID     string               `json:"family_id"`
	InvitedBy    string               `json:"invited_by"`
	Contact      Contact              `json:"contact"`
	Role         family.Role          `json:"role"`
	Capabilities family.CapabilitySet `json:"capabilities"`
	ChildScope   []string             `json:"child_scope,omitempty"`
	// AccessDuration, when set, bounds the resulting membership: the member's
	// access expires this long after acceptance.
	AccessDuration *time.Duration `json:"access_duration,omitempty"`
	Token          string         `json:"token,omitempty"`
	Status         Status         `json:"status"`
	ExpiresAt      time.Time      `json:"expires_at"`
	AcceptedBy     string         `json:"accepted_by,omitempty"`
	AcceptedAt     *time.Time     `json:"accepted_at,omitempty"`
	RevokedAt      *time.Time     `json:"revoked_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsExpired reports whether the acceptance window closed at or before now.
func (i *Invitation) IsExpired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Redacted returns a copy without the token, for listings.
func (i *Invitation) Redacted() *Invitation {
	c := i.Clone()
	c.Token = ""
	return c
}

// Clone returns a deep copy.
func (i *Invitation) Clone() *Invitation {
	if i == nil {
		return nil
	}
	c := *i
	c.ChildScope = append([]string(nil), i.ChildScope...)
	if i.AccessDuration != nil {
		d := *i.AccessDuration
		c.AccessDuration = &d
	}
	if i.AcceptedAt != nil {
		t := *i.AcceptedAt
		c.AcceptedAt = &t
	}
	if i.RevokedAt != nil {
		t := *i.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "failed to generate invitation token")
	}
	return hex.EncodeToString(b), nil
}

func newInvitation(familyID, invitedBy string, contact Contact, role family.Role, now time.Time, ttl time.Duration) (*Invitation, error) {
	caps, err := family.Template(role)
	if err != nil {
		return nil, err
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	return &Invitation{
		ID:           uuid.New().String(),
		FamilyID:     familyID,
		InvitedBy:    invitedBy,
		Contact:      contact,
		Role:         role,
		Capabilities: caps,
		Token:        token,
		Status:       StatusPending,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Repository persists invitations. Missing rows yield
// ErrCodeInvitationNotFound.
type Repository interface {
	Create(ctx context.Context, inv *Invitation) error
	Update(ctx context.Context, inv *Invitation) error
	FindByID(ctx context.Context, id string) (*Invitation, error)
	FindByToken(ctx context.Context, token string) (*Invitation, error)
	ListByFamily(ctx context.Context, familyID string) ([]*Invitation, error)
	// PendingExpiredBefore returns PENDING invitations whose ExpiresAt is at
	// or before t.
	PendingExpiredBefore(ctx context.Context, t time.Time) ([]*Invitation, error)
}
