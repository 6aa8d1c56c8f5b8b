// Package activity is the append-only, per-child log of care events.
package activity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/CareCircle/pkg/errors"
)

// Type is the kind of care performed.
type Type string

const (
	TypeFeeding     Type = "feeding"
	TypeDiaper      Type = "diaper"
	TypeSleep       Type = "sleep"
	TypeNap         Type = "nap"
	TypeNote        Type = "note"
	TypePhoto       Type = "photo"
	TypeMedication  Type = "medication"
	TypeBath        Type = "bath"
	TypeTemperature Type = "temperature"
	TypePlay        Type = "play"
)

var knownTypes = map[Type]struct{}{
	TypeFeeding: {}, TypeDiaper: {}, TypeSleep: {}, TypeNap: {}, TypeNote: {},
	TypePhoto: {}, TypeMedication: {}, TypeBath: {}, TypeTemperature: {}, TypePlay: {},
}

// compatibility groups types that can describe the same real-world care.
var compatibility = map[Type]string{
	TypeSleep: "rest",
	TypeNap:   "rest",
}

// IsValid reports whether t is a known type.
func (t Type) IsValid() bool {
	_, ok := knownTypes[t]
	return ok
}

// CompatibleWith reports whether t and o may record the same care.
func (t Type) CompatibleWith(o Type) bool {
	if t == o {
		return true
	}
	g, ok := compatibility[t]
	return ok && g == compatibility[o]
}

// ParseType normalizes and validates s.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", errors.New(errors.ErrCodeEventInvalid, fmt.Sprintf("unknown activity type %q", s))
	}
	return t, nil
}

// SyncStatus is an event's commit state.
type SyncStatus string

const (
	SyncCommitted  SyncStatus = "COMMITTED"
	SyncPending    SyncStatus = "PENDING"
	SyncConflicted SyncStatus = "CONFLICTED"
)

// PayloadDistinct is the payload flag a caregiver sets to say "this is a
// different event". It removes the signal term from duplicate scoring.
const PayloadDistinct = "distinct_event"

// Payload carries type-specific fields.
type Payload map[string]interface{}

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Event is one attributed record of care for a child.
type Event struct {
	ID       string  `json:"id"`
	FamilyID string  `json:"family_id"`
	ChildID  string  `json:"child_id"`
	AuthorID string  `json:"author_id"`
	Type     Type    `json:"type"`
	Payload  Payload `json:"payload,omitempty"`

	// ServerTimestamp is authoritative and orders the child's log.
	ServerTimestamp time.Time `json:"server_timestamp"`
	// ClientTimestamp is advisory and used only for conflict windows.
	ClientTimestamp *time.Time `json:"client_timestamp,omitempty"`
	OriginDeviceID  string     `json:"origin_device_id,omitempty"`
	DeviceSeq       int64      `json:"device_seq,omitempty"`
	Sequence        int64      `json:"sequence"`
	SyncStatus      SyncStatus `json:"sync_status"`

	MergedFrom   []string   `json:"merged_from,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	Distinct     bool       `json:"distinct,omitempty"`
	Tombstoned   bool       `json:"tombstoned,omitempty"`
	TombstonedAt *time.Time `json:"tombstoned_at,omitempty"`
	TombstonedBy string     `json:"tombstoned_by,omitempty"`
}

// NewEventInput carries the caller-controlled fields of an event.
type NewEventInput struct {
	// ID is a client-chosen UUID; empty gets a fresh one.
	ID              string
	FamilyID        string
	ChildID         string
	AuthorID        string
	Type            Type
	Payload         Payload
	ClientTimestamp *time.Time
	OriginDeviceID  string
	DeviceSeq       int64
}

// CheckEventID accepts an empty id or a UUID.
func CheckEventID(id string) error {
	if id == "" {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.New(errors.ErrCodeEventInvalid, "event id must be a UUID")
	}
	return nil
}

// NewEvent builds an uncommitted event. Server-side fields are assigned by
// Log.Append.
func NewEvent(in NewEventInput) (*Event, error) {
	if err := CheckEventID(in.ID); err != nil {
		return nil, err
	}
	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	e := &Event{
		ID:             id,
		FamilyID:       in.FamilyID,
		ChildID:        in.ChildID,
		AuthorID:       in.AuthorID,
		Type:           in.Type,
		Payload:        in.Payload.Clone(),
		OriginDeviceID: in.OriginDeviceID,
		DeviceSeq:      in.DeviceSeq,
		SyncStatus:     SyncPending,
	}
	if in.ClientTimestamp != nil {
		ts := in.ClientTimestamp.UTC()
		e.ClientTimestamp = &ts
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks required fields and the type-specific payload rules.
func (e *Event) Validate() error {
	if e.FamilyID == "" || e.ChildID == "" || e.AuthorID == "" {
		return errors.New(errors.ErrCodeEventInvalid, "family, child and author are required")
	}
	if !e.Type.IsValid() {
		return errors.New(errors.ErrCodeEventInvalid, fmt.Sprintf("unknown activity type %q", e.Type))
	}
	switch e.Type {
	case TypePhoto:
		if s, _ := e.Payload["object_key"].(string); s == "" {
			return errors.New(errors.ErrCodeEventInvalid, "photo events need payload.object_key")
		}
	case TypeMedication:
		if s, _ := e.Payload["name"].(string); s == "" {
			return errors.New(errors.ErrCodeEventInvalid, "medication events need payload.name")
		}
	case TypeTemperature:
		if _, ok := e.Payload["celsius"].(float64); !ok {
			return errors.New(errors.ErrCodeEventInvalid, "temperature events need numeric payload.celsius")
		}
	case TypeNote:
		if s, _ := e.Payload["text"].(string); strings.TrimSpace(s) == "" {
			return errors.New(errors.ErrCodeEventInvalid, "note events need payload.text")
		}
	}
	return nil
}

// OccurredAt is when the care happened as best known: the client timestamp
// when supplied, otherwise the server timestamp.
func (e *Event) OccurredAt() time.Time {
	if e.ClientTimestamp != nil {
		return *e.ClientTimestamp
	}
	return e.ServerTimestamp
}

// Visible reports whether the event belongs in a feed.
func (e *Event) Visible() bool {
	return !e.Tombstoned && e.SupersededBy == ""
}

// IsCanonical reports whether e was produced by a merge.
func (e *Event) IsCanonical() bool { return len(e.MergedFrom) > 0 }

// SignalsDistinct reports whether the author flagged the event as a
// different occurrence in its payload.
func (e *Event) SignalsDistinct() bool {
	v, _ := e.Payload[PayloadDistinct].(bool)
	return v
}

// Tombstone hides the event from feeds while keeping it for audit.
func (e *Event) Tombstone(by string, now time.Time) {
	if e.Tombstoned {
		return
	}
	e.Tombstoned = true
	e.TombstonedBy = by
	e.TombstonedAt = &now
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = e.Payload.Clone()
	if e.ClientTimestamp != nil {
		ts := *e.ClientTimestamp
		c.ClientTimestamp = &ts
	}
	if e.TombstonedAt != nil {
		ts := *e.TombstonedAt
		c.TombstonedAt = &ts
	}
	if e.MergedFrom != nil {
		c.MergedFrom = append([]string(nil), e.MergedFrom...)
	}
	return &c
}

// SortBySequence orders events by their position in the child's log.
func SortBySequence(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].ServerTimestamp.Equal(events[j].ServerTimestamp) {
			return events[i].ServerTimestamp.Before(events[j].ServerTimestamp)
		}
		if events[i].ChildID != events[j].ChildID {
			return events[i].ChildID < events[j].ChildID
		}
		return events[i].Sequence < events[j].Sequence
	})
}
