package care

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/config"
	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/presence"
	"github.com/turtacn/CareCircle/internal/domain/replay"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

// flakyEvents fails the first n appends.
type flakyEvents struct {
	activity.Repository
	failures atomic.Int32
}

func (f *flakyEvents) Append(ctx context.Context, e *activity.Event) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return f.Repository.Append(ctx, e)
}

func withFlakyEvents(n int32) (harnessOption, *flakyEvents) {
	f := &flakyEvents{}
	f.failures.Store(n)
	return func(d *Dependencies, _ *config.CareConfig) {
		f.Repository = d.Events
		d.Events = f
	}, f
}

func appendAction(seq int64, childID, typ string) replay.Action {
	return replay.Action{DeviceSeq: seq, Kind: replay.KindAppend, Append: &replay.AppendAction{ChildID: childID, Type: typ}}
}

func (h *harness) sync(t *testing.T, userID string, actions ...replay.Action) *SyncBatchResult {
	t.Helper()
	res, err := h.svc.SyncBatch(context.Background(), &SyncBatchRequest{
		UserID:   userID,
		FamilyID: h.familyID,
		DeviceID: "phone-1",
		Actions:  actions,
	})
	require.NoError(t, err)
	require.Len(t, res.Results, len(actions))
	return res
}

func (h *harness) cursor(t *testing.T) int64 {
	t.Helper()
	c, err := h.cursors.Get(context.Background(), h.familyID, "phone-1")
	require.NoError(t, err)
	if c == nil {
		return 0
	}
	return c.LastSeq
}

func TestSync_TransientFailureRetried(t *testing.T) {
	t.Parallel()
	opt, _ := withFlakyEvents(1)
	h := newHarness(t, opt)

	res := h.sync(t, "u-owner", appendAction(1, h.childID, "bath"))
	r := res.Results[0]
	require.Equal(t, replay.OutcomeCommitted, r.Outcome, r.Reason)
	assert.Equal(t, 2, r.Attempts)
	assert.NotEmpty(t, r.EventID)
	assert.Equal(t, 1, h.countEvents(t))
	assert.Equal(t, int64(1), h.cursor(t))
}

func TestSync_ExhaustedRetriesDeadLetter(t *testing.T) {
	t.Parallel()
	opt, _ := withFlakyEvents(100)
	h := newHarness(t, opt)

	res := h.sync(t, "u-owner",
		appendAction(1, h.childID, "bath"),
		appendAction(2, h.childID, "play"),
	)
	for i, r := range res.Results {
		assert.Equal(t, int64(i+1), r.DeviceSeq)
		assert.Equal(t, replay.OutcomeDeadLettered, r.Outcome)
		assert.Equal(t, 3, r.Attempts)
		assert.Equal(t, pkgerrors.CodeSyncReplayRejected, r.Code)
	}
	assert.Equal(t, int64(2), res.LastSeq)
	assert.Equal(t, int64(2), h.cursor(t))
	assert.Equal(t, 0, h.countEvents(t))

	require.Eventually(t, func() bool { return len(h.pub.ofType(EventSyncActionRejected)) == 2 }, time.Second, 5*time.Millisecond)
	dl := h.pub.ofType(EventSyncActionRejected)[0]
	assert.Equal(t, kafka.TopicDeadLetter, dl.topic)
	payload, ok := dl.payload.(deadLetterPayload)
	require.True(t, ok)
	assert.Equal(t, "phone-1", payload.DeviceID)
	assert.Equal(t, h.owner.ID, payload.MemberID)
	assert.Equal(t, 3, payload.Attempts)
}

func TestSync_RevokedWhileOfflineDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	nanny := h.join(t, "u-nanny", family.RoleProfessional, nil)

	_, err := h.svc.RevokeCapability(context.Background(), &GrantRequest{
		UserID: "u-owner", FamilyID: h.familyID, MemberID: nanny.ID, Capability: string(family.CapLog),
	})
	require.NoError(t, err)

	res := h.sync(t, "u-nanny",
		appendAction(1, h.childID, "feeding"),
		replay.Action{DeviceSeq: 2, Kind: replay.KindHeartbeat, Heartbeat: &replay.HeartbeatAction{Status: "online"}},
	)
	assert.Equal(t, replay.OutcomeDropped, res.Results[0].Outcome)
	assert.Equal(t, pkgerrors.CodePermissionDenied, res.Results[0].Code)
	assert.Equal(t, 1, res.Results[0].Attempts)
	// Presence needs no capability.
	assert.Equal(t, replay.OutcomeCommitted, res.Results[1].Outcome)
	assert.Equal(t, int64(2), res.LastSeq)
	assert.Equal(t, 0, h.countEvents(t))
}

func TestSync_InvalidActionRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res := h.sync(t, "u-owner",
		replay.Action{DeviceSeq: 1, Kind: replay.KindAppend},
		appendAction(2, h.childID, "note"),
		appendAction(3, h.childID, "bath"),
	)
	assert.Equal(t, replay.OutcomeRejected, res.Results[0].Outcome)
	assert.Equal(t, 0, res.Results[0].Attempts)
	// A note without text fails validation and is not retried.
	assert.Equal(t, replay.OutcomeRejected, res.Results[1].Outcome)
	assert.Equal(t, 1, res.Results[1].Attempts)
	assert.Equal(t, replay.OutcomeCommitted, res.Results[2].Outcome)
	assert.Equal(t, int64(3), h.cursor(t))
	assert.Equal(t, 1, h.countEvents(t))
}

func TestSync_BatchValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SyncBatch(ctx, &SyncBatchRequest{UserID: "u-owner", FamilyID: h.familyID, Actions: []replay.Action{appendAction(1, h.childID, "bath")}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeValidation), "device id required")

	_, err = h.svc.SyncBatch(ctx, &SyncBatchRequest{UserID: "u-owner", FamilyID: h.familyID, DeviceID: "phone-1"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeValidation), "empty batch")

	big := make([]replay.Action, 51)
	for i := range big {
		big[i] = appendAction(int64(i+1), h.childID, "play")
	}
	_, err = h.svc.SyncBatch(ctx, &SyncBatchRequest{UserID: "u-owner", FamilyID: h.familyID, DeviceID: "phone-1", Actions: big})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeValidation), "batch over limit")

	_, err = h.svc.SyncBatch(ctx, &SyncBatchRequest{UserID: "u-owner", FamilyID: h.familyID, DeviceID: "phone-1", Actions: []replay.Action{
		appendAction(1, h.childID, "bath"), appendAction(1, h.childID, "play"),
	}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidParam), "repeated device_seq")

	_, err = h.svc.SyncBatch(ctx, &SyncBatchRequest{UserID: "u-stranger", FamilyID: h.familyID, DeviceID: "phone-1", Actions: []replay.Action{appendAction(1, h.childID, "bath")}})
	assert.True(t, pkgerrors.IsPermissionDenied(err))
	assert.Equal(t, 0, h.countEvents(t))
}

func TestSync_HeartbeatAndResolve(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := h.duplicateDiapers(t)

	res := h.sync(t, "u-owner",
		replay.Action{DeviceSeq: 1, Kind: replay.KindHeartbeat, Heartbeat: &replay.HeartbeatAction{Status: "caring", ChildID: h.childID}},
		replay.Action{DeviceSeq: 2, Kind: replay.KindResolve, Resolve: &replay.ResolveAction{
			ConflictID: rec.ID, Resolution: "merge", ExpectedVersion: rec.Version,
		}},
		// Recorded against a version that is gone by the time it replays.
		replay.Action{DeviceSeq: 3, Kind: replay.KindResolve, Resolve: &replay.ResolveAction{
			ConflictID: rec.ID, Resolution: "keep_separate", ExpectedVersion: rec.Version,
		}},
	)
	require.Equal(t, replay.OutcomeCommitted, res.Results[0].Outcome, res.Results[0].Reason)
	require.Equal(t, replay.OutcomeCommitted, res.Results[1].Outcome, res.Results[1].Reason)
	assert.Equal(t, rec.ID, res.Results[1].ConflictID)
	assert.NotEmpty(t, res.Results[1].EventID)
	assert.Equal(t, replay.OutcomeRejected, res.Results[2].Outcome)
	assert.Equal(t, pkgerrors.CodeAlreadyResolved, res.Results[2].Code)

	got, err := h.svc.GetConflict(context.Background(), "u-owner", h.familyID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusMerged, got.Status)

	records, err := h.svc.Presence(context.Background(), "u-owner", h.familyID)
	require.NoError(t, err)
	var found bool
	for _, r := range records {
		if r.UserID == "u-owner" {
			found = true
			assert.Equal(t, presence.StatusCaring, r.Status)
			assert.Equal(t, h.childID, r.ChildID)
		}
	}
	assert.True(t, found)
}

func TestSync_ResendReportsDuplicates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	actions := []replay.Action{appendAction(1, h.childID, "bath"), appendAction(2, h.childID, "play")}

	first := h.sync(t, "u-owner", actions...)
	second := h.sync(t, "u-owner", append(actions, appendAction(3, h.childID, "nap"))...)

	assert.Equal(t, int64(2), first.LastSeq)
	assert.Equal(t, replay.OutcomeDuplicate, second.Results[0].Outcome)
	assert.Equal(t, replay.OutcomeDuplicate, second.Results[1].Outcome)
	assert.Equal(t, replay.OutcomeCommitted, second.Results[2].Outcome)
	assert.Equal(t, int64(3), second.LastSeq)
	assert.Equal(t, 3, h.countEvents(t))
}
