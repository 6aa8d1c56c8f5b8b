package care

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/config"
	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/domain/family"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

// gatedMembers lets a test fail or stall member lookups for one member.
type gatedMembers struct {
	family.MemberRepository

	mu     sync.Mutex
	target string
	err    error
	gate   chan struct{}
}

func (g *gatedMembers) set(target string, err error, gate chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.target, g.err, g.gate = target, err, gate
}

func (g *gatedMembers) FindByID(ctx context.Context, id string) (*family.Member, error) {
	g.mu.Lock()
	target, err, gate := g.target, g.err, g.gate
	g.mu.Unlock()
	if id == target {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return g.MemberRepository.FindByID(ctx, id)
}

func withGatedMembers(g *gatedMembers) harnessOption {
	return func(d *Dependencies, _ *config.CareConfig) {
		g.MemberRepository = d.Members
		d.Members = g
	}
}

func TestDelivery_TransientLookupErrorForcesResync(t *testing.T) {
	t.Parallel()
	members := &gatedMembers{}
	h := newHarness(t, withGatedMembers(members))
	ctx := context.Background()
	partner := h.join(t, "u-partner", family.RoleParent, nil)

	sub, err := h.svc.SubscribeActivity(ctx, "u-partner", h.familyID)
	require.NoError(t, err)
	members.set(partner.ID, pkgerrors.NetworkUnavailable("postgres down"), nil)

	_, err = h.appendAt("u-owner", activity.TypeFeeding, t0, nil)
	require.NoError(t, err)

	assert.Empty(t, drain(t, sub))
	assert.Equal(t, CloseResync, sub.Reason(), "a lookup failure is not a revocation")
}

func TestDelivery_SlowAccessCheckDoesNotDelayAppends(t *testing.T) {
	t.Parallel()
	members := &gatedMembers{}
	h := newHarness(t, withGatedMembers(members))
	ctx := context.Background()
	partner := h.join(t, "u-partner", family.RoleParent, nil)

	sub, err := h.svc.SubscribeActivity(ctx, "u-partner", h.familyID)
	require.NoError(t, err)
	gate := make(chan struct{})
	members.set(partner.ID, nil, gate)

	done := make(chan error, 1)
	go func() {
		for _, typ := range []activity.Type{activity.TypeFeeding, activity.TypeNap} {
			if _, err := h.appendAt("u-owner", typ, t0, nil); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("appends waited on a subscriber's access check")
	}

	close(gate)
	assert.Equal(t, activity.TypeFeeding, recv(t, sub).Activity.Type)
	assert.Equal(t, activity.TypeNap, recv(t, sub).Activity.Type)
}

func TestAppend_SameEventIDIsReplayed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	at := t0
	req := &AppendActivityRequest{
		UserID: "u-owner", FamilyID: h.familyID, ChildID: h.childID,
		Type: string(activity.TypeBath), ClientTimestamp: &at,
		EventID: "2b7f0c4e-9a61-4f3d-8e25-7c1d5a9b3e40",
	}

	first, err := h.svc.AppendActivity(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, req.EventID, first.Event.ID)

	// A caller whose first attempt timed out retries with the same id.
	again, err := h.svc.AppendActivity(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Event.ID, again.Event.ID)
	assert.Equal(t, 1, h.countEvents(t))
	assert.Eventually(t, func() bool {
		return len(h.pub.ofType(EventActivityAppended)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAppend_ReplayReturnsOpenConflict(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	rec := h.duplicateDiapers(t)

	second := t0.Add(2 * time.Minute)
	var nannyEvent string
	for _, id := range rec.EventIDs {
		e, err := h.events.FindByID(ctx, id)
		require.NoError(t, err)
		if e.ClientTimestamp != nil && e.ClientTimestamp.Equal(second) {
			nannyEvent = e.ID
		}
	}
	require.NotEmpty(t, nannyEvent)

	res, err := h.svc.AppendActivity(ctx, &AppendActivityRequest{
		UserID: "u-nanny", FamilyID: h.familyID, ChildID: h.childID,
		Type: string(activity.TypeDiaper), ClientTimestamp: &second, EventID: nannyEvent,
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, rec.ID, res.Conflict.ID)
	assert.Equal(t, 2, h.countEvents(t))
}

func TestAppend_EventIDValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.join(t, "u-partner", family.RoleParent, nil)

	_, err := h.svc.AppendActivity(ctx, &AppendActivityRequest{
		UserID: "u-owner", FamilyID: h.familyID, ChildID: h.childID,
		Type: string(activity.TypeBath), EventID: "not-a-uuid",
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeEventInvalid))

	id := "9d3a6b21-5c47-4e8f-a0b2-13c4d5e6f708"
	_, err = h.svc.AppendActivity(ctx, &AppendActivityRequest{
		UserID: "u-owner", FamilyID: h.familyID, ChildID: h.childID,
		Type: string(activity.TypeBath), EventID: id,
	})
	require.NoError(t, err)

	_, err = h.svc.AppendActivity(ctx, &AppendActivityRequest{
		UserID: "u-partner", FamilyID: h.familyID, ChildID: h.childID,
		Type: string(activity.TypeBath), EventID: id,
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeValidation), "another author cannot claim the id")
	assert.Equal(t, 1, h.countEvents(t))
}
