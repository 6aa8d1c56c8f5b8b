package care

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/invitation"
)

// holdActor occupies familyID's actor until release is closed, then runs
// then on it. It returns once the actor is busy.
func holdActor(t *testing.T, h *harness, then func(ctx context.Context) error) (release func(), finished <-chan error) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- h.svc.actors.do(context.Background(), h.familyID, func(ctx context.Context) error {
			close(started)
			<-gate
			return then(ctx)
		})
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("actor never picked up the task")
	}
	return func() { close(gate) }, done
}

func TestSweepEscalations_YieldsToResolutionQueuedFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	rec := h.duplicateDiapers(t)

	escalated, err := h.svc.ResolveConflict(ctx, &ResolveRequest{
		UserID: "u-owner", FamilyID: h.familyID, ConflictID: rec.ID,
		Resolution: conflict.ResolutionEscalate, ExpectedVersion: rec.Version,
	})
	require.NoError(t, err)
	h.clk.Advance(25 * time.Hour)

	// The owner's merge is already in the family's mailbox when the sweep
	// lists the overdue record.
	release, merged := holdActor(t, h, func(ctx context.Context) error {
		_, err := h.svc.resolveOnActor(ctx, h.familyID, conflict.Command{
			ConflictID:      rec.ID,
			Resolution:      conflict.ResolutionMerge,
			ResolverID:      h.owner.ID,
			ExpectedVersion: escalated.Record.Version,
		})
		return err
	})

	swept := make(chan int, 1)
	go func() { swept <- h.svc.SweepEscalations(ctx) }()
	select {
	case n := <-swept:
		t.Fatalf("sweep finished with %d while the family actor was busy", n)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	require.NoError(t, <-merged)
	assert.Equal(t, 0, <-swept, "the merged record is no longer overdue")

	got, err := h.svc.GetConflict(ctx, "u-owner", h.familyID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusMerged, got.Status)
	assert.Equal(t, h.owner.ID, got.ResolvedBy)
	assert.NotEmpty(t, got.CanonicalEventID)
}

func TestSweepInvitations_YieldsToRevokeQueuedFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	inv, err := h.svc.CreateInvitation(ctx, &CreateInvitationRequest{
		UserID: "u-owner", FamilyID: h.familyID,
		Contact: invitation.Contact{Method: invitation.ContactLink},
		Role:    family.RoleFamilyRelative,
		TTL:     "1h",
	})
	require.NoError(t, err)
	h.clk.Advance(2 * time.Hour)

	release, revoked := holdActor(t, h, func(ctx context.Context) error {
		_, err := h.svc.invitations.Revoke(ctx, h.owner.ID, inv.ID)
		return err
	})
	swept := make(chan int, 1)
	go func() { swept <- h.svc.SweepInvitations(ctx) }()

	release()
	require.NoError(t, <-revoked)
	assert.Equal(t, 0, <-swept)

	listed, err := h.svc.ListInvitations(ctx, "u-owner", h.familyID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, invitation.StatusRevoked, listed[0].Status)
	assert.Empty(t, h.pub.ofType(EventInvitationExpired))
}
