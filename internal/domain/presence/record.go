// Package presence tracks which caregivers are online and what they are
// doing right now.
//
// Presence is best effort. Records live in a TTL store, a restart may lose
// them, and nothing else in the system depends on their durability.
package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/turtacn/CareCircle/pkg/errors"
)

// Status is a caregiver's live state.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusCaring  Status = "CARING"
	StatusOffline Status = "OFFLINE"
)

// ParseStatus accepts any casing of a known status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusOnline, StatusCaring, StatusOffline:
		return st, nil
	}
	return "", errors.InvalidParam(fmt.Sprintf("unknown presence status %q", s))
}

// Record is the presence of one user in one family.
type Record struct {
	FamilyID      string    `json:"family_id"`
	UserID        string    `json:"user_id"`
	MemberID      string    `json:"member_id"`
	Status        Status    `json:"status"`
	ChildID       string    `json:"child_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Stale reports whether r missed its heartbeat deadline at now.
func (r *Record) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastHeartbeat) > timeout
}

// DeltaReason tells subscribers why a record changed.
type DeltaReason string

const (
	ReasonHeartbeat DeltaReason = "heartbeat"
	ReasonTimeout   DeltaReason = "timeout"
)

// Delta is a presence change broadcast to family subscribers.
type Delta struct {
	Record   Record      `json:"record"`
	Previous Status      `json:"previous,omitempty"`
	Reason   DeltaReason `json:"reason"`
}

// Store keeps presence records with a per-record TTL. Implementations must
// be safe for concurrent use; heartbeats do not go through the family actor.
type Store interface {
	// Upsert writes r and returns the record it replaced, if any.
	Upsert(ctx context.Context, r *Record, ttl time.Duration) (*Record, error)

	// List returns every record held for familyID.
	List(ctx context.Context, familyID string) ([]*Record, error)

	// Families returns the IDs of families with at least one record.
	Families(ctx context.Context) ([]string, error)

	// MarkOffline flips the record to OFFLINE only if its last heartbeat is
	// still before cutoff, and reports whether it did.
	MarkOffline(ctx context.Context, familyID, userID string, cutoff, now time.Time, ttl time.Duration) (*Record, bool, error)

	// Delete forgets the record.
	Delete(ctx context.Context, familyID, userID string) error
}
