// Package conflict detects duplicate care events and drives their
// resolution.
//
// A Record moves through a small state machine:
//
//	PENDING   -> MERGED | KEPT_SEPARATE | DELETED | ESCALATED
//	ESCALATED -> MERGED | KEPT_SEPARATE | DELETED   (manual, before the deadline)
//	ESCALATED -> KEPT_SEPARATE                      (deadline passed)
//
// MERGED, KEPT_SEPARATE and DELETED are terminal. Every transition bumps
// Version; a writer must present the version it read.
package conflict

import (
	"context"
	"time"
)

// Type classifies a conflict.
type Type string

const (
	TypeDuplicate       Type = "duplicate"
	TypeOverlappingCare Type = "overlapping_care"
)

// Status is a record's position in the workflow.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusMerged       Status = "MERGED"
	StatusKeptSeparate Status = "KEPT_SEPARATE"
	StatusDeleted      Status = "DELETED"
	StatusEscalated    Status = "ESCALATED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusMerged, StatusKeptSeparate, StatusDeleted:
		return true
	}
	return false
}

// Resolution is a resolver's choice.
type Resolution string

const (
	ResolutionMerge        Resolution = "MERGE"
	ResolutionKeepSeparate Resolution = "KEEP_SEPARATE"
	ResolutionDelete       Resolution = "DELETE"
	ResolutionEscalate     Resolution = "ESCALATE"
)

// IsValid reports whether r is a known resolution.
func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionMerge, ResolutionKeepSeparate, ResolutionDelete, ResolutionEscalate:
		return true
	}
	return false
}

// Target is the status r leads to.
func (r Resolution) Target() Status {
	switch r {
	case ResolutionMerge:
		return StatusMerged
	case ResolutionKeepSeparate:
		return StatusKeptSeparate
	case ResolutionDelete:
		return StatusDeleted
	case ResolutionEscalate:
		return StatusEscalated
	}
	return ""
}

// SystemResolver is the ResolvedBy value of automatic transitions.
const SystemResolver = "system"

// Record is one detected conflict between two or more events.
type Record struct {
	ID         string     `json:"id"`
	FamilyID   string     `json:"family_id"`
	ChildID    string     `json:"child_id"`
	EventIDs   []string   `json:"event_ids"`
	AuthorIDs  []string   `json:"author_ids"`
	Type       Type       `json:"type"`
	Confidence float64    `json:"confidence"`
	Suggested  Resolution `json:"suggested"`
	Status     Status     `json:"status"`
	Version    int64      `json:"version"`

	// Resolution, ResolvedBy and ResolvedAt describe the last transition,
	// including escalation.
	Resolution         Resolution `json:"resolution,omitempty"`
	ResolvedBy         string     `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	CanonicalEventID   string     `json:"canonical_event_id,omitempty"`
	DeletedEventID     string     `json:"deleted_event_id,omitempty"`
	EscalationDeadline *time.Time `json:"escalation_deadline,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Involves reports whether eventID is part of the conflict.
func (r *Record) Involves(eventID string) bool {
	for _, id := range r.EventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// HasAuthor reports whether memberID authored one of the events.
func (r *Record) HasAuthor(memberID string) bool {
	for _, id := range r.AuthorIDs {
		if id == memberID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.EventIDs = append([]string(nil), r.EventIDs...)
	c.AuthorIDs = append([]string(nil), r.AuthorIDs...)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	if r.EscalationDeadline != nil {
		t := *r.EscalationDeadline
		c.EscalationDeadline = &t
	}
	return &c
}

// Filter narrows List.
type Filter struct {
	FamilyID string
	ChildID  string
	Statuses []Status
	Limit    int
}

// Repository persists conflict records.
type Repository interface {
	Create(ctx context.Context, r *Record) error

	// Update stores r only if the stored version equals expectedVersion.
	// A mismatch yields CodeAlreadyResolved. Missing rows yield
	// ErrCodeConflictNotFound.
	Update(ctx context.Context, r *Record, expectedVersion int64) error

	FindByID(ctx context.Context, id string) (*Record, error)

	// List returns matching records, newest first.
	List(ctx context.Context, f Filter) ([]*Record, error)

	// EscalatedBefore returns ESCALATED records whose deadline is at or
	// before t.
	EscalatedBefore(ctx context.Context, t time.Time) ([]*Record, error)
}
