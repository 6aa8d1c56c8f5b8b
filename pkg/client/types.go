package client

import (
	"time"

	"github.com/turtacn/CareCircle/pkg/errors"
)

// Wire types mirror the JSON the API returns. Enumerations are plain strings
// so that values added server-side decode without an SDK upgrade.

type Family struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	OwnerUserID string     `json:"owner_user_id"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Child struct {
	ID        string     `json:"id"`
	FamilyID  string     `json:"family_id"`
	Name      string     `json:"name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type Capabilities struct {
	CanLog           bool `json:"can_log"`
	CanViewAll       bool `json:"can_view_all"`
	CanEditOthers    bool `json:"can_edit_others"`
	CanInvite        bool `json:"can_invite"`
	CanManageGrants  bool `json:"can_manage_grants"`
	CanExportData    bool `json:"can_export_data"`
	CanViewAnalytics bool `json:"can_view_analytics"`
}

type Member struct {
	ID           string       `json:"id"`
	FamilyID     string       `json:"family_id"`
	UserID       string       `json:"user_id"`
	DisplayName  string       `json:"display_name,omitempty"`
	Role         string       `json:"role"`
	Capabilities Capabilities `json:"capabilities"`
	ChildScope   []string     `json:"child_scope,omitempty"`
	AccessExpiry *time.Time   `json:"access_expiry,omitempty"`
	InvitedBy    string       `json:"invited_by,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// FamilyView is a family as seen by one member.
type FamilyView struct {
	Family   *Family  `json:"family"`
	Member   *Member  `json:"member"`
	Children []*Child `json:"children"`
}

type CreateFamilyRequest struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type AddChildRequest struct {
	Name      string     `json:"name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
}

type Event struct {
	ID       string                 `json:"id"`
	FamilyID string                 `json:"family_id"`
	ChildID  string                 `json:"child_id"`
	AuthorID string                 `json:"author_id"`
	Type     string                 `json:"type"`
	Payload  map[string]interface{} `json:"payload,omitempty"`

	ServerTimestamp time.Time  `json:"server_timestamp"`
	ClientTimestamp *time.Time `json:"client_timestamp,omitempty"`
	OriginDeviceID  string     `json:"origin_device_id,omitempty"`
	DeviceSeq       int64      `json:"device_seq,omitempty"`
	Sequence        int64      `json:"sequence"`
	SyncStatus      string     `json:"sync_status"`

	MergedFrom   []string   `json:"merged_from,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	Distinct     bool       `json:"distinct,omitempty"`
	Tombstoned   bool       `json:"tombstoned,omitempty"`
	TombstonedAt *time.Time `json:"tombstoned_at,omitempty"`
	TombstonedBy string     `json:"tombstoned_by,omitempty"`
}

type AppendRequest struct {
	Type            string                 `json:"type"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	ClientTimestamp *time.Time             `json:"client_timestamp,omitempty"`
	DeviceID        string                 `json:"device_id,omitempty"`
	// EventID makes the append idempotent. Append fills it when empty.
	EventID string `json:"event_id,omitempty"`
}

// AppendResult carries the stored event and, when the write overlapped
// another caregiver's record, the conflict it opened.
type AppendResult struct {
	Event    *Event    `json:"event"`
	Conflict *Conflict `json:"conflict,omitempty"`
	// Replayed is set when the server already had the event.
	Replayed bool `json:"replayed,omitempty"`
}

type PresignedURL struct {
	ObjectKey string    `json:"object_key"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

type TypeStats struct {
	Count int       `json:"count"`
	Last  time.Time `json:"last"`
}

type Summary struct {
	From       time.Time                        `json:"from"`
	To         time.Time                        `json:"to"`
	Total      int                              `json:"total"`
	ByType     map[string]*TypeStats            `json:"by_type"`
	ByChild    map[string]map[string]*TypeStats `json:"by_child"`
	ByAuthor   map[string]int                   `json:"by_author"`
	Merged     int                              `json:"merged"`
	Tombstoned int                              `json:"tombstoned"`
}

type Export struct {
	Family      *Family     `json:"family"`
	Children    []*Child    `json:"children"`
	Members     []*Member   `json:"members"`
	Events      []*Event    `json:"events"`
	Conflicts   []*Conflict `json:"conflicts"`
	From        time.Time   `json:"from"`
	To          time.Time   `json:"to"`
	GeneratedAt time.Time   `json:"generated_at"`
}

type Conflict struct {
	ID         string   `json:"id"`
	FamilyID   string   `json:"family_id"`
	ChildID    string   `json:"child_id"`
	EventIDs   []string `json:"event_ids"`
	AuthorIDs  []string `json:"author_ids"`
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	Suggested  string   `json:"suggested"`
	Status     string   `json:"status"`
	Version    int64    `json:"version"`

	Resolution         string     `json:"resolution,omitempty"`
	ResolvedBy         string     `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	CanonicalEventID   string     `json:"canonical_event_id,omitempty"`
	DeletedEventID     string     `json:"deleted_event_id,omitempty"`
	EscalationDeadline *time.Time `json:"escalation_deadline,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resolutions accepted by Resolve. The server also accepts lower case.
const (
	ResolutionMerge        = "MERGE"
	ResolutionKeepSeparate = "KEEP_SEPARATE"
	ResolutionDelete       = "DELETE"
	ResolutionEscalate     = "ESCALATE"
)

type ResolveRequest struct {
	Resolution string `json:"resolution"`
	// ExpectedVersion is the conflict version the decision was made on. It
	// is also sent as If-Match.
	ExpectedVersion int64 `json:"expected_version"`
	// TargetEventID names the event to tombstone for DELETE.
	TargetEventID string `json:"target_event_id,omitempty"`
}

type Outcome struct {
	Conflict  *Conflict `json:"conflict"`
	Canonical *Event    `json:"canonical,omitempty"`
	Changed   []*Event  `json:"changed,omitempty"`
	Notify    []string  `json:"notify,omitempty"`
	Replayed  bool      `json:"replayed"`
}

// ConflictPolicy is the detection policy currently in force. Window is in
// nanoseconds on the wire.
type ConflictPolicy struct {
	Window       time.Duration `json:"window"`
	Threshold    float64       `json:"threshold"`
	TimeWeight   float64       `json:"time_weight"`
	FieldWeight  float64       `json:"field_weight"`
	SignalWeight float64       `json:"signal_weight"`
}

type Contact struct {
	Method  string `json:"method"`
	Address string `json:"address,omitempty"`
}

type Invitation struct {
	ID           string       `json:"id"`
	FamilyID     string       `json:"family_id"`
	InvitedBy    string       `json:"invited_by"`
	Contact      Contact      `json:"contact"`
	Role         string       `json:"role"`
	Capabilities Capabilities `json:"capabilities"`
	ChildScope   []string     `json:"child_scope,omitempty"`
	// Token is only present in the answer to Create.
	Token      string     `json:"token,omitempty"`
	Status     string     `json:"status"`
	ExpiresAt  time.Time  `json:"expires_at"`
	AcceptedBy string     `json:"accepted_by,omitempty"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type CreateInvitationRequest struct {
	Contact      Contact  `json:"contact"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
	ChildScope   []string `json:"child_scope,omitempty"`
	// AccessDuration and TTL are Go duration strings such as "72h".
	AccessDuration string `json:"access_duration,omitempty"`
	TTL            string `json:"ttl,omitempty"`
}

type AcceptResult struct {
	Invitation *Invitation `json:"invitation"`
	Member     *Member     `json:"member"`
}

type PresenceRecord struct {
	FamilyID      string    `json:"family_id"`
	UserID        string    `json:"user_id"`
	MemberID      string    `json:"member_id"`
	Status        string    `json:"status"`
	ChildID       string    `json:"child_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type HeartbeatRequest struct {
	Status  string `json:"status"`
	ChildID string `json:"child_id,omitempty"`
}

// Action kinds in a sync batch.
const (
	ActionAppend    = "append"
	ActionHeartbeat = "heartbeat"
	ActionResolve   = "resolve"
)

// SyncAction is one queued offline action. Exactly one of Append,
// Heartbeat or Resolve is set, matching Kind.
type SyncAction struct {
	DeviceSeq       int64             `json:"device_seq"`
	Kind            string            `json:"kind"`
	ClientTimestamp *time.Time        `json:"client_timestamp,omitempty"`
	Append          *SyncAppend       `json:"append,omitempty"`
	Heartbeat       *HeartbeatRequest `json:"heartbeat,omitempty"`
	Resolve         *SyncResolve      `json:"resolve,omitempty"`
}

type SyncAppend struct {
	ChildID string                 `json:"child_id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type SyncResolve struct {
	ConflictID      string `json:"conflict_id"`
	Resolution      string `json:"resolution"`
	ExpectedVersion int64  `json:"expected_version"`
	TargetEventID   string `json:"target_event_id,omitempty"`
}

type SyncBatch struct {
	DeviceID string       `json:"device_id"`
	Actions  []SyncAction `json:"actions"`
}

// Per-action outcomes.
const (
	OutcomeCommitted    = "committed"
	OutcomeDuplicate    = "duplicate"
	OutcomeDropped      = "dropped"
	OutcomeRejected     = "rejected"
	OutcomeDeadLettered = "dead_lettered"
)

type SyncResult struct {
	DeviceSeq  int64            `json:"device_seq"`
	Kind       string           `json:"kind"`
	Outcome    string           `json:"outcome"`
	Code       errors.ErrorCode `json:"code,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	EventID    string           `json:"event_id,omitempty"`
	ConflictID string           `json:"conflict_id,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
}

type SyncBatchResult struct {
	Results []SyncResult `json:"results"`
	// LastSeq is the highest device sequence the server has applied. Actions
	// at or below it can be dropped from the local queue.
	LastSeq int64 `json:"last_seq"`
}
