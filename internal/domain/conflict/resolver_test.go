package conflict_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/permission"
	"github.com/turtacn/CareCircle/internal/infrastructure/database/memory"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/clock"
	"github.com/turtacn/CareCircle/pkg/errors"
)

var ten = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clk       *clock.Manual
	events    *memory.EventRepository
	conflicts *memory.ConflictRepository
	log       *activity.Log
	detector  *conflict.Detector
	resolver  *conflict.Resolver
	perms     permission.Engine
}

// Members: "owner" holds every capability, "nanny" and "grandma" can log but
// cannot edit others, "other" is an owner in a different family.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(ten)
	members := memory.NewMemberRepository()
	for _, m := range []struct {
		id, family string
		role       family.Role
	}{
		{"owner", "f", family.RoleOwner},
		{"nanny", "f", family.RoleProfessional},
		{"grandma", "f", family.RoleFamilyRelative},
		{"other", "g", family.RoleOwner},
	} {
		mem, err := family.NewMember(m.family, "user-"+m.id, m.role, "", ten)
		require.NoError(t, err)
		mem.ID = m.id
		require.NoError(t, members.Create(ctx, mem))
	}

	f := &fixture{clk: clk, events: memory.NewEventRepository(), conflicts: memory.NewConflictRepository()}
	f.log = activity.NewLog(f.events, clk, logging.NewNopLogger())
	var err error
	f.detector, err = conflict.NewDetector(f.events, f.conflicts, conflict.DefaultPolicy(), clk, logging.NewNopLogger())
	require.NoError(t, err)
	f.perms = permission.NewEngine(members, clk, logging.NewNopLogger())
	f.resolver = conflict.NewResolver(f.conflicts, f.log, f.perms, 24*time.Hour, clk, logging.NewNopLogger())
	return f
}

func (f *fixture) appendAt(t *testing.T, author string, typ activity.Type, at time.Time, payload activity.Payload) (*activity.Event, *conflict.Record) {
	t.Helper()
	ctx := context.Background()
	e, err := activity.NewEvent(activity.NewEventInput{
		FamilyID: "f", ChildID: "c", AuthorID: author, Type: typ, Payload: payload, ClientTimestamp: &at,
	})
	require.NoError(t, err)
	committed, err := f.log.Append(ctx, e)
	require.NoError(t, err)
	rec, err := f.detector.Detect(ctx, committed)
	require.NoError(t, err)
	return committed, rec
}

func (f *fixture) duplicate(t *testing.T) (*activity.Event, *activity.Event, *conflict.Record) {
	t.Helper()
	a, rec := f.appendAt(t, "nanny", activity.TypeDiaper, ten, activity.Payload{"kind": "wet"})
	require.Nil(t, rec)
	b, rec := f.appendAt(t, "grandma", activity.TypeDiaper, ten.Add(2*time.Minute), activity.Payload{"kind": "wet", "cream": true})
	require.NotNil(t, rec)
	return a, b, rec
}

// expireDue runs one escalation sweep.
func (f *fixture) expireDue(ctx context.Context) ([]*conflict.Outcome, error) {
	due, err := f.resolver.DueEscalations(ctx)
	if err != nil {
		return nil, err
	}
	var out []*conflict.Outcome
	for _, rec := range due {
		o, err := f.resolver.ExpireEscalation(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		if o != nil {
			out = append(out, o)
		}
	}
	return out, nil
}

func TestDetect_DuplicateDiaperChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, b, rec := f.duplicate(t)

	assert.Equal(t, conflict.TypeDuplicate, rec.Type)
	assert.Equal(t, conflict.ResolutionMerge, rec.Suggested)
	assert.Equal(t, conflict.StatusPending, rec.Status)
	assert.GreaterOrEqual(t, rec.Confidence, 0.6)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, rec.EventIDs)
	assert.Equal(t, []string{"grandma", "nanny"}, rec.AuthorIDs)
	assert.Equal(t, activity.SyncConflicted, b.SyncStatus)

	stored, err := f.events.FindByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, activity.SyncConflicted, stored.SyncStatus)
}

func TestDetect_NoConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, rec := f.appendAt(t, "nanny", activity.TypeDiaper, ten, nil)
	assert.Nil(t, rec)
	_, rec = f.appendAt(t, "nanny", activity.TypeDiaper, ten.Add(time.Minute), nil)
	assert.Nil(t, rec, "same author")
	_, rec = f.appendAt(t, "grandma", activity.TypeDiaper, ten.Add(20*time.Minute), nil)
	assert.Nil(t, rec, "outside window")
	_, rec = f.appendAt(t, "grandma", activity.TypeFeeding, ten, nil)
	assert.Nil(t, rec, "different type")
	_, rec = f.appendAt(t, "owner", activity.TypeDiaper, ten.Add(21*time.Minute), activity.Payload{activity.PayloadDistinct: true})
	assert.Nil(t, rec, "distinct signal drops the score below threshold")
}

func TestDetect_OverlappingCareSuggestsKeepSeparate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.appendAt(t, "nanny", activity.TypeSleep, ten, nil)
	_, rec := f.appendAt(t, "grandma", activity.TypeNap, ten.Add(30*time.Second), nil)
	require.NotNil(t, rec)
	assert.Equal(t, conflict.TypeOverlappingCare, rec.Type)
	assert.Equal(t, conflict.ResolutionKeepSeparate, rec.Suggested)
}

func TestDetect_PolicyHotSwap(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := conflict.DefaultPolicy()
	p.Threshold = 0.9
	require.NoError(t, f.detector.SetPolicy(p))
	assert.Error(t, f.detector.SetPolicy(conflict.Policy{}))
	assert.Equal(t, 0.9, f.detector.Policy().Threshold)

	f.appendAt(t, "nanny", activity.TypeDiaper, ten, nil)
	_, rec := f.appendAt(t, "grandma", activity.TypeDiaper, ten.Add(2*time.Minute), nil)
	assert.Nil(t, rec)
}

func TestResolve_MergeIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a, b, rec := f.duplicate(t)

	cmd := conflict.Command{ConflictID: rec.ID, Resolution: conflict.ResolutionMerge, ResolverID: "owner", ExpectedVersion: rec.Version}
	first, err := f.resolver.Resolve(ctx, cmd)
	require.NoError(t, err)
	require.NotNil(t, first.Canonical)
	assert.Equal(t, conflict.StatusMerged, first.Record.Status)
	assert.Equal(t, first.Canonical.ID, first.Record.CanonicalEventID)
	assert.Equal(t, "wet", first.Canonical.Payload["kind"])
	assert.Equal(t, true, first.Canonical.Payload["cream"])
	assert.ElementsMatch(t, []string{a.ID, b.ID}, first.Canonical.MergedFrom)

	second, err := f.resolver.Resolve(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record.CanonicalEventID, second.Record.CanonicalEventID)

	feed, err := f.events.List(ctx, activity.Query{FamilyID: "f"})
	require.NoError(t, err)
	require.Len(t, feed, 1, "sources hidden, one canonical event")
	assert.Equal(t, first.Canonical.ID, feed[0].ID)

	all, err := f.events.List(ctx, activity.Query{FamilyID: "f", IncludeHidden: true})
	require.NoError(t, err)
	assert.Len(t, all, 3, "sources kept for audit")
}

func TestResolve_StaleVersionIsAlreadyResolved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, rec := f.duplicate(t)

	_, err := f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionKeepSeparate, ResolverID: "owner", ExpectedVersion: rec.Version,
	})
	require.NoError(t, err)

	_, err = f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionMerge, ResolverID: "owner", ExpectedVersion: rec.Version,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAlreadyResolved))
	assert.True(t, errors.IsRetryable(err))

	_, err = f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionMerge, ResolverID: "owner", ExpectedVersion: rec.Version + 1,
	})
	assert.True(t, errors.IsCode(err, errors.CodeAlreadyResolved), "terminal states never reopen")
}

func TestResolve_Permissions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, rec := f.duplicate(t)

	for _, res := range []conflict.Resolution{conflict.ResolutionMerge, conflict.ResolutionEscalate} {
		_, err := f.resolver.Resolve(ctx, conflict.Command{
			ConflictID: rec.ID, Resolution: res, ResolverID: "nanny", ExpectedVersion: rec.Version,
		})
		assert.True(t, errors.IsPermissionDenied(err), res)
	}

	_, err := f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionMerge, ResolverID: "other", ExpectedVersion: rec.Version,
	})
	assert.True(t, errors.IsPermissionDenied(err), "cross-family owner")

	out, err := f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionKeepSeparate, ResolverID: "nanny", ExpectedVersion: rec.Version,
	})
	require.NoError(t, err, "an involved author may keep their event separate")
	assert.Equal(t, conflict.StatusKeptSeparate, out.Record.Status)
	for _, e := range out.Changed {
		assert.True(t, e.Distinct)
		assert.Equal(t, activity.SyncCommitted, e.SyncStatus)
	}
}

func TestResolve_DeleteTombstonesTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a, b, rec := f.duplicate(t)

	_, err := f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionDelete, ResolverID: "owner", ExpectedVersion: rec.Version,
		TargetEventID: "not-in-conflict",
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeResolutionInvalid))

	out, err := f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionDelete, ResolverID: "owner", ExpectedVersion: rec.Version,
		TargetEventID: b.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, b.ID, out.Record.DeletedEventID)

	gone, err := f.events.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, gone.Tombstoned)
	assert.Equal(t, "owner", gone.TombstonedBy)

	kept, err := f.events.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, kept.Visible())
}

func TestResolve_EscalationTimesOutToKeptSeparate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, rec := f.duplicate(t)

	out, err := f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionEscalate, ResolverID: "owner", ExpectedVersion: rec.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusEscalated, out.Record.Status)
	assert.ElementsMatch(t, []string{"nanny", "grandma"}, out.Notify)
	require.NotNil(t, out.Record.EscalationDeadline)

	f.clk.Advance(23 * time.Hour)
	expired, err := f.expireDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	f.clk.Advance(time.Hour)
	expired, err = f.expireDue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, conflict.StatusKeptSeparate, expired[0].Record.Status)
	assert.Equal(t, conflict.SystemResolver, expired[0].Record.ResolvedBy)

	again, err := f.expireDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestResolve_ManualDecisionWhileEscalated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, rec := f.duplicate(t)

	esc, err := f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionEscalate, ResolverID: "owner", ExpectedVersion: rec.Version,
	})
	require.NoError(t, err)

	_, err = f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionEscalate, ResolverID: "grandma", ExpectedVersion: esc.Record.Version,
	})
	assert.Error(t, err)

	merged, err := f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionMerge, ResolverID: "owner", ExpectedVersion: esc.Record.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusMerged, merged.Record.Status)

	f.clk.Advance(25 * time.Hour)
	expired, err := f.expireDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestDetect_SkipsCanonicalEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, rec := f.duplicate(t)

	out, err := f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionMerge, ResolverID: "owner", ExpectedVersion: rec.Version,
	})
	require.NoError(t, err)

	again, err := f.detector.Detect(ctx, out.Canonical)
	require.NoError(t, err)
	assert.Nil(t, again)
}

// flakyEvents fails the next appendFailures appends and annotateFailures
// annotations.
type flakyEvents struct {
	*memory.EventRepository
	appendFailures   atomic.Int32
	annotateFailures atomic.Int32
}

func (r *flakyEvents) Append(ctx context.Context, e *activity.Event) error {
	if r.appendFailures.Add(-1) >= 0 {
		return errors.New(errors.CodeDatabaseError, "connection reset by peer")
	}
	return r.EventRepository.Append(ctx, e)
}

func (r *flakyEvents) Annotate(ctx context.Context, e *activity.Event) error {
	if r.annotateFailures.Add(-1) >= 0 {
		return errors.New(errors.CodeDatabaseError, "connection reset by peer")
	}
	return r.EventRepository.Annotate(ctx, e)
}

// racingConflicts loses the next version claim when lose is set, as if
// another resolver had got there first.
type racingConflicts struct {
	*memory.ConflictRepository
	lose atomic.Bool
}

func (r *racingConflicts) Update(ctx context.Context, rec *conflict.Record, expectedVersion int64) error {
	if r.lose.CompareAndSwap(true, false) {
		return errors.AlreadyResolved(rec.ID)
	}
	return r.ConflictRepository.Update(ctx, rec, expectedVersion)
}

// rewire rebuilds the resolver over the given stores.
func (f *fixture) rewire(events activity.Repository, conflicts conflict.Repository) {
	f.log = activity.NewLog(events, f.clk, logging.NewNopLogger())
	f.resolver = conflict.NewResolver(conflicts, f.log, f.perms, 24*time.Hour, f.clk, logging.NewNopLogger())
}

func TestResolve_MergeRetriesAfterCanonicalAppendFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a, b, rec := f.duplicate(t)

	events := &flakyEvents{EventRepository: f.events}
	events.appendFailures.Store(1)
	f.rewire(events, f.conflicts)

	cmd := conflict.Command{ConflictID: rec.ID, Resolution: conflict.ResolutionMerge, ResolverID: "owner", ExpectedVersion: rec.Version}
	_, err := f.resolver.Resolve(ctx, cmd)
	require.Error(t, err)

	stored, err := f.conflicts.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusPending, stored.Status, "a failed append leaves the record open")
	assert.Equal(t, rec.Version, stored.Version)
	assert.Empty(t, stored.CanonicalEventID)

	out, err := f.resolver.Resolve(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	require.NotNil(t, out.Canonical)

	feed, err := f.events.List(ctx, activity.Query{FamilyID: "f"})
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, out.Canonical.ID, feed[0].ID)
	for _, id := range []string{a.ID, b.ID} {
		src, err := f.events.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, out.Canonical.ID, src.SupersededBy)
	}
}

func TestResolve_ReplayCompletesInterruptedMerge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, rec := f.duplicate(t)

	events := &flakyEvents{EventRepository: f.events}
	events.annotateFailures.Store(1)
	f.rewire(events, f.conflicts)

	cmd := conflict.Command{ConflictID: rec.ID, Resolution: conflict.ResolutionMerge, ResolverID: "owner", ExpectedVersion: rec.Version}
	_, err := f.resolver.Resolve(ctx, cmd)
	require.Error(t, err)

	stored, err := f.conflicts.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, conflict.StatusMerged, stored.Status)
	canonical, err := f.events.FindByID(ctx, stored.CanonicalEventID)
	require.NoError(t, err, "a claimed merge always names a stored event")

	out, err := f.resolver.Resolve(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	require.NotNil(t, out.Canonical)
	assert.Equal(t, canonical.ID, out.Canonical.ID)
	assert.Len(t, out.Changed, 2)

	feed, err := f.events.List(ctx, activity.Query{FamilyID: "f"})
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, canonical.ID, feed[0].ID)

	again, err := f.resolver.Resolve(ctx, cmd)
	require.NoError(t, err)
	assert.Empty(t, again.Changed)
}

func TestResolve_LostClaimDiscardsCanonical(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, rec := f.duplicate(t)

	conflicts := &racingConflicts{ConflictRepository: f.conflicts}
	conflicts.lose.Store(true)
	f.rewire(f.events, conflicts)

	_, err := f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: rec.ID, Resolution: conflict.ResolutionMerge, ResolverID: "owner", ExpectedVersion: rec.Version,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAlreadyResolved))

	feed, err := f.events.List(ctx, activity.Query{FamilyID: "f"})
	require.NoError(t, err)
	assert.Len(t, feed, 2, "only the sources stay visible")

	all, err := f.events.List(ctx, activity.Query{FamilyID: "f", IncludeHidden: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, e := range all {
		if e.IsCanonical() {
			assert.True(t, e.Tombstoned)
		}
	}
}

func TestResolve_EventsHeldByAnotherConflictStayConflicted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a, b, first := f.duplicate(t)
	c, second := f.appendAt(t, "owner", activity.TypeDiaper, ten.Add(3*time.Minute), activity.Payload{"kind": "wet"})
	require.NotNil(t, second)
	require.ElementsMatch(t, []string{c.ID, a.ID, b.ID}, second.EventIDs)

	_, err := f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: first.ID, Resolution: conflict.ResolutionKeepSeparate, ResolverID: "owner", ExpectedVersion: first.Version,
	})
	require.NoError(t, err)
	for _, id := range []string{a.ID, b.ID} {
		e, err := f.events.FindByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, e.Distinct)
		assert.Equal(t, activity.SyncConflicted, e.SyncStatus, "still part of an open conflict")
	}

	_, err = f.resolver.Resolve(ctx, conflict.Command{
		ConflictID: second.ID, Resolution: conflict.ResolutionKeepSeparate, ResolverID: "owner", ExpectedVersion: second.Version,
	})
	require.NoError(t, err)
	for _, id := range []string{a.ID, b.ID, c.ID} {
		e, err := f.events.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, activity.SyncCommitted, e.SyncStatus)
	}
}
