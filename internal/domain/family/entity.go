package family

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/CareCircle/pkg/errors"
)

// Type classifies the household arrangement.
type Type string

const (
	TypeNuclear       Type = "nuclear"
	TypeSharedCustody Type = "shared_custody"
	TypeInstitutional Type = "institutional"
)

// IsValid reports whether t is a known family type.
func (t Type) IsValid() bool {
	switch t {
	case TypeNuclear, TypeSharedCustody, TypeInstitutional:
		return true
	}
	return false
}

// Family is the access-control boundary grouping children, their caregivers
// and the shared activity history. Families are archived, never deleted.
type Family struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        Type       `json:"type"`
	OwnerUserID string     `json:"owner_user_id"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewFamily creates a family owned by ownerUserID.
func NewFamily(name string, typ Type, ownerUserID string, now time.Time) (*Family, error) {
	if typ == "" {
		typ = TypeNuclear
	}
	f := &Family{
		ID:          uuid.New().String(),
		Name:        strings.TrimSpace(name),
		Type:        typ,
		OwnerUserID: ownerUserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks required fields.
func (f *Family) Validate() error {
	if f.Name == "" {
		return errors.InvalidParam("family name is required")
	}
	if len(f.Name) > 128 {
		return errors.InvalidParam("family name must not exceed 128 characters")
	}
	if !f.Type.IsValid() {
		return errors.InvalidParam(fmt.Sprintf("invalid family type: %s", f.Type))
	}
	if f.OwnerUserID == "" {
		return errors.InvalidParam("owner user id is required")
	}
	return nil
}

// IsArchived reports whether the family has been archived.
func (f *Family) IsArchived() bool { return f.ArchivedAt != nil }

// Archive marks the family archived. Archiving twice is a no-op.
func (f *Family) Archive(now time.Time) {
	if f.ArchivedAt != nil {
		return
	}
	f.ArchivedAt = &now
	f.UpdatedAt = now
}

// Child belongs to exactly one family.
type Child struct {
	ID        string     `json:"id"`
	FamilyID  string     `json:"family_id"`
	Name      string     `json:"name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewChild creates a child record in familyID.
func NewChild(familyID, name string, birthDate *time.Time, now time.Time) (*Child, error) {
	c := &Child{
		ID:        uuid.New().String(),
		FamilyID:  familyID,
		Name:      strings.TrimSpace(name),
		BirthDate: birthDate,
		CreatedAt: now,
	}
	if c.FamilyID == "" {
		return nil, errors.InvalidParam("family id is required")
	}
	if c.Name == "" {
		return nil, errors.InvalidParam("child name is required")
	}
	if birthDate != nil && birthDate.After(now) {
		return nil, errors.InvalidParam("birth date cannot be in the future")
	}
	return c, nil
}
