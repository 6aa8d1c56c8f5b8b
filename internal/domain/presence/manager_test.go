package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/clock"
	"github.com/turtacn/CareCircle/pkg/errors"
)

type deltaRecorder struct {
	mu     sync.Mutex
	deltas []Delta
}

func (r *deltaRecorder) sink(_ context.Context, d Delta) {
	r.mu.Lock()
	r.deltas = append(r.deltas, d)
	r.mu.Unlock()
}

func (r *deltaRecorder) all() []Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delta(nil), r.deltas...)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *clock.Manual, *deltaRecorder) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	rec := &deltaRecorder{}
	store := NewMemoryStore(clk.Now)
	return NewManager(store, cfg, clk, logging.NewNopLogger(), rec.sink), clk, rec
}

func TestHeartbeat_EmitsDeltaOnlyOnChange(t *testing.T) {
	t.Parallel()
	m, clk, rec := newTestManager(t, Config{Timeout: time.Minute})
	ctx := context.Background()

	_, err := m.Heartbeat(ctx, HeartbeatInput{FamilyID: "f", UserID: "a", Status: StatusOnline})
	require.NoError(t, err)
	clk.Advance(10 * time.Second)
	_, err = m.Heartbeat(ctx, HeartbeatInput{FamilyID: "f", UserID: "a", Status: StatusOnline})
	require.NoError(t, err)
	_, err = m.Heartbeat(ctx, HeartbeatInput{FamilyID: "f", UserID: "a", Status: StatusCaring, ChildID: "c-1"})
	require.NoError(t, err)

	deltas := rec.all()
	require.Len(t, deltas, 2)
	assert.Equal(t, Status(""), deltas[0].Previous)
	assert.Equal(t, StatusOnline, deltas[1].Previous)
	assert.Equal(t, StatusCaring, deltas[1].Record.Status)
	assert.Equal(t, "c-1", deltas[1].Record.ChildID)
}

func TestHeartbeat_Validation(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.Heartbeat(ctx, HeartbeatInput{FamilyID: "f", UserID: "a", Status: StatusCaring})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidParam))

	_, err = m.Heartbeat(ctx, HeartbeatInput{FamilyID: "f", UserID: "a", Status: Status("AWAY")})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidParam))

	_, err = m.Heartbeat(ctx, HeartbeatInput{UserID: "a"})
	assert.Error(t, err)

	r, err := m.Heartbeat(ctx, HeartbeatInput{FamilyID: "f", UserID: "a", ChildID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, r.Status)
	assert.Empty(t, r.ChildID, "child only kept while caring")
}

func TestSweep_SilentCaregiverGoesOffline(t *testing.T) {
	t.Parallel()
	m, clk, rec := newTestManager(t, Config{Timeout: 60 * time.Second, Retention: 10 * time.Minute})
	ctx := context.Background()

	_, err := m.Heartbeat(ctx, HeartbeatInput{FamilyID: "f", UserID: "a", Status: StatusCaring, ChildID: "c-1"})
	require.NoError(t, err)
	_, err = m.Heartbeat(ctx, HeartbeatInput{FamilyID: "f", UserID: "b", Status: StatusOnline})
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	_, err = m.Heartbeat(ctx, HeartbeatInput{FamilyID: "f", UserID: "b", Status: StatusOnline})
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	deltas, err := m.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "a", deltas[0].Record.UserID)
	assert.Equal(t, StatusOffline, deltas[0].Record.Status)
	assert.Equal(t, StatusCaring, deltas[0].Previous)
	assert.Equal(t, ReasonTimeout, deltas[0].Reason)
	assert.Empty(t, deltas[0].Record.ChildID)

	all := rec.all()
	assert.Equal(t, ReasonTimeout, all[len(all)-1].Reason)

	// A second sweep does not repeat the delta.
	deltas, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, deltas)

	recs, err := m.List(ctx, "f")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, StatusOffline, recs[0].Status)
	assert.Equal(t, StatusOnline, recs[1].Status)
}

func TestSweep_HeartbeatAfterListWins(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk.Now)
	ctx := context.Background()

	_, err := store.Upsert(ctx, &Record{FamilyID: "f", UserID: "a", Status: StatusOnline, LastHeartbeat: clk.Now()}, time.Hour)
	require.NoError(t, err)
	cutoff := clk.Now()
	_, err = store.Upsert(ctx, &Record{FamilyID: "f", UserID: "a", Status: StatusOnline, LastHeartbeat: clk.Advance(time.Second)}, time.Hour)
	require.NoError(t, err)

	_, flipped, err := store.MarkOffline(ctx, "f", "a", cutoff, clk.Now(), time.Hour)
	require.NoError(t, err)
	assert.False(t, flipped)
}

func TestList_ReportsUnsweptStaleAsOffline(t *testing.T) {
	t.Parallel()
	m, clk, _ := newTestManager(t, Config{Timeout: time.Minute})
	ctx := context.Background()

	_, err := m.Heartbeat(ctx, HeartbeatInput{FamilyID: "f", UserID: "a", Status: StatusOnline})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	recs, err := m.List(ctx, "f")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusOffline, recs[0].Status)
}

func TestMemoryStore_RetentionForgetsRecords(t *testing.T) {
	t.Parallel()
	m, clk, _ := newTestManager(t, Config{Timeout: time.Minute, Retention: 5 * time.Minute})
	ctx := context.Background()

	_, err := m.Heartbeat(ctx, HeartbeatInput{FamilyID: "f", UserID: "a"})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	_, err = m.Sweep(ctx)
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)
	recs, err := m.List(ctx, "f")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFilterVisible(t *testing.T) {
	t.Parallel()
	recs := []*Record{
		{UserID: "me", Status: StatusOnline},
		{UserID: "b", Status: StatusCaring, ChildID: "c-1"},
		{UserID: "c", Status: StatusCaring, ChildID: "c-2"},
		{UserID: "d", Status: StatusOnline},
	}

	assert.Len(t, FilterVisible(recs, "me", true, nil), 4)

	scoped := FilterVisible(recs, "me", false, func(id string) bool { return id == "c-1" })
	require.Len(t, scoped, 2)
	assert.Equal(t, "me", scoped[0].UserID)
	assert.Equal(t, "b", scoped[1].UserID)
}
