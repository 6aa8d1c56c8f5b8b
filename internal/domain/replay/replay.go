// Package replay models actions a device buffered while offline and the
// per-action results of replaying them.
package replay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/turtacn/CareCircle/pkg/errors"
)

// Kind is the buffered operation.
type Kind string

const (
	KindAppend    Kind = "append"
	KindHeartbeat Kind = "heartbeat"
	KindResolve   Kind = "resolve"
)

// AppendAction is a buffered appendActivity.
type AppendAction struct {
	ChildID string                 `json:"child_id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// HeartbeatAction is a buffered presence heartbeat.
type HeartbeatAction struct {
	Status  string `json:"status"`
	ChildID string `json:"child_id,omitempty"`
}

// ResolveAction is a buffered resolution vote.
type ResolveAction struct {
	ConflictID      string `json:"conflict_id"`
	Resolution      string `json:"resolution"`
	ExpectedVersion int64  `json:"expected_version"`
	TargetEventID   string `json:"target_event_id,omitempty"`
}

// Action is one buffered client action. Exactly one payload matching Kind is
// set.
type Action struct {
	DeviceSeq       int64            `json:"device_seq"`
	Kind            Kind             `json:"kind"`
	ClientTimestamp *time.Time       `json:"client_timestamp,omitempty"`
	Append          *AppendAction    `json:"append,omitempty"`
	Heartbeat       *HeartbeatAction `json:"heartbeat,omitempty"`
	Resolve         *ResolveAction   `json:"resolve,omitempty"`
}

// Validate checks the sequence number and that the payload matches Kind.
func (a Action) Validate() error {
	if a.DeviceSeq <= 0 {
		return errors.InvalidParam("device_seq must be positive")
	}
	var ok bool
	switch a.Kind {
	case KindAppend:
		ok = a.Append != nil
	case KindHeartbeat:
		ok = a.Heartbeat != nil
	case KindResolve:
		ok = a.Resolve != nil
	default:
		return errors.InvalidParam(fmt.Sprintf("unknown action kind %q", a.Kind))
	}
	if !ok {
		return errors.InvalidParam(fmt.Sprintf("action %d has no %s payload", a.DeviceSeq, a.Kind))
	}
	return nil
}

// Order sorts actions by DeviceSeq and rejects a batch that repeats a
// sequence number.
func Order(actions []Action) ([]Action, error) {
	out := append([]Action(nil), actions...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeviceSeq < out[j].DeviceSeq })
	for i := 1; i < len(out); i++ {
		if out[i].DeviceSeq == out[i-1].DeviceSeq {
			return nil, errors.InvalidParam(fmt.Sprintf("device_seq %d appears twice", out[i].DeviceSeq))
		}
	}
	return out, nil
}

// Outcome is the fate of one replayed action.
type Outcome string

const (
	OutcomeCommitted    Outcome = "committed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeDropped      Outcome = "dropped"
	OutcomeRejected     Outcome = "rejected"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Result reports one action back to the device.
type Result struct {
	DeviceSeq  int64            `json:"device_seq"`
	Kind       Kind             `json:"kind"`
	Outcome    Outcome          `json:"outcome"`
	Code       errors.ErrorCode `json:"code,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	EventID    string           `json:"event_id,omitempty"`
	ConflictID string           `json:"conflict_id,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
}

// Classify maps a replay error to its outcome. Transient errors report
// retry=true; the caller retries them and dead-letters on exhaustion.
func Classify(err error) (o Outcome, retry bool) {
	switch {
	case err == nil:
		return OutcomeCommitted, false
	case errors.IsPermissionDenied(err):
		return OutcomeDropped, false
	case errors.IsCode(err, errors.CodeAlreadyResolved):
		// Needs the client to refetch; replaying it blindly cannot succeed.
		return OutcomeRejected, false
	case errors.IsRetryable(err):
		return OutcomeDeadLettered, true
	}
	return OutcomeRejected, false
}

// Cursor is the highest device sequence already applied for a device.
type Cursor struct {
	FamilyID  string    `json:"family_id"`
	DeviceID  string    `json:"device_id"`
	MemberID  string    `json:"member_id"`
	LastSeq   int64     `json:"last_seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CursorRepository persists device cursors.
type CursorRepository interface {
	// Get returns nil without error when the device has no cursor yet.
	Get(ctx context.Context, familyID, deviceID string) (*Cursor, error)
	Save(ctx context.Context, c *Cursor) error
}
