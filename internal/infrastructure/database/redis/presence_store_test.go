package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/domain/presence"
	"github.com/turtacn/CareCircle/pkg/clock"
)

func newPresenceStore(t *testing.T) (*PresenceStore, *clock.Manual) {
	t.Helper()
	client, _ := newTestClient(t)
	clk := clock.NewManual(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	return NewPresenceStore(client, clk.Now), clk
}

func rec(family, user string, st presence.Status, hb time.Time) *presence.Record {
	return &presence.Record{FamilyID: family, UserID: user, MemberID: "m-" + user, Status: st, LastHeartbeat: hb, UpdatedAt: hb}
}

func TestPresenceStore_UpsertAndList(t *testing.T) {
	s, clk := newPresenceStore(t)
	ctx := context.Background()

	prev, err := s.Upsert(ctx, rec("f", "u2", presence.StatusOnline, clk.Now()), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, prev)

	caring := rec("f", "u2", presence.StatusCaring, clk.Now())
	caring.ChildID = "c-1"
	prev, err = s.Upsert(ctx, caring, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, presence.StatusOnline, prev.Status)

	_, err = s.Upsert(ctx, rec("f", "u1", presence.StatusOnline, clk.Now()), time.Minute)
	require.NoError(t, err)

	list, err := s.List(ctx, "f")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "u1", list[0].UserID)
	assert.Equal(t, "c-1", list[1].ChildID)

	fams, err := s.Families(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, fams)
}

func TestPresenceStore_EntryExpiry(t *testing.T) {
	s, clk := newPresenceStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, rec("f", "u1", presence.StatusOnline, clk.Now()), time.Minute)
	require.NoError(t, err)
	clk.Advance(30 * time.Second)
	_, err = s.Upsert(ctx, rec("f", "u2", presence.StatusOnline, clk.Now()), time.Minute)
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	list, err := s.List(ctx, "f")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "u2", list[0].UserID)
}

func TestPresenceStore_MarkOfflineIsConditional(t *testing.T) {
	s, clk := newPresenceStore(t)
	ctx := context.Background()
	t0 := clk.Now()

	_, err := s.Upsert(ctx, rec("f", "u1", presence.StatusCaring, t0), 10*time.Minute)
	require.NoError(t, err)

	// A fresher heartbeat than the cutoff wins.
	got, flipped, err := s.MarkOffline(ctx, "f", "u1", t0.Add(-time.Second), t0, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, flipped)
	assert.Equal(t, presence.StatusCaring, got.Status)

	clk.Advance(90 * time.Second)
	got, flipped, err = s.MarkOffline(ctx, "f", "u1", clk.Now().Add(-time.Minute), clk.Now(), 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, flipped)
	assert.Equal(t, presence.StatusOffline, got.Status)
	assert.Empty(t, got.ChildID)

	_, flipped, err = s.MarkOffline(ctx, "f", "u1", clk.Now(), clk.Now(), 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, flipped, "already offline")

	got, flipped, err = s.MarkOffline(ctx, "f", "nobody", clk.Now(), clk.Now(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, flipped)
}

func TestPresenceStore_Delete(t *testing.T) {
	s, clk := newPresenceStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, rec("f", "u1", presence.StatusOnline, clk.Now()), time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "f", "u1"))

	list, err := s.List(ctx, "f")
	require.NoError(t, err)
	assert.Empty(t, list)
	fams, err := s.Families(ctx)
	require.NoError(t, err)
	assert.Empty(t, fams)
}

func TestPresenceStore_WorksWithManager(t *testing.T) {
	s, clk := newPresenceStore(t)
	ctx := context.Background()
	var deltas []presence.Delta
	mgr := presence.NewManager(s, presence.DefaultConfig(), clk, nil, func(_ context.Context, d presence.Delta) {
		deltas = append(deltas, d)
	})

	_, err := mgr.Heartbeat(ctx, presence.HeartbeatInput{FamilyID: "f", UserID: "u1", MemberID: "m1", Status: presence.StatusOnline})
	require.NoError(t, err)
	clk.Advance(90 * time.Second)
	swept, err := mgr.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, presence.ReasonTimeout, swept[0].Reason)
	assert.Len(t, deltas, 2)
}
