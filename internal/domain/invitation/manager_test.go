package invitation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/invitation"
	"github.com/turtacn/CareCircle/internal/domain/permission"
	"github.com/turtacn/CareCircle/internal/infrastructure/database/memory"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/clock"
	"github.com/turtacn/CareCircle/pkg/errors"
)

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type env struct {
	clk     *clock.Manual
	members *memory.MemberRepository
	perms   permission.Engine
	mgr     *invitation.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewManual(start)
	members := memory.NewMemberRepository()
	for id, role := range map[string]family.Role{"owner": family.RoleOwner, "relative": family.RoleFamilyRelative} {
		m, err := family.NewMember("f", "user-"+id, role, "", start)
		require.NoError(t, err)
		m.ID = id
		require.NoError(t, members.Create(context.Background(), m))
	}
	// A relative who may invite but not manage grants.
	inviter, err := family.NewMember("f", "user-inviter", family.RoleFamilyRelative, "", start)
	require.NoError(t, err)
	inviter.ID = "inviter"
	inviter.Capabilities = inviter.Capabilities.With(family.CapInvite, true)
	require.NoError(t, members.Create(context.Background(), inviter))

	perms := permission.NewEngine(members, clk, logging.NewNopLogger())
	mgr := invitation.NewManager(memory.NewInvitationRepository(), members, perms, 0, clk, logging.NewNopLogger())
	return &env{clk: clk, members: members, perms: perms, mgr: mgr}
}

func email(addr string) invitation.Contact {
	return invitation.Contact{Method: invitation.ContactEmail, Address: addr}
}

func TestCreateAndAccept(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	inv, err := e.mgr.Create(ctx, invitation.CreateInput{
		FamilyID: "f", InviterID: "owner", Contact: email("nan@example.com"),
		Role: family.RoleProfessional, ChildScope: []string{"c-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, invitation.StatusPending, inv.Status)
	assert.Len(t, inv.Token, 48)
	assert.Equal(t, start.Add(invitation.DefaultTTL), inv.ExpiresAt)

	accepted, member, err := e.mgr.Accept(ctx, inv.Token, "user-nanny", "Nanny")
	require.NoError(t, err)
	assert.Equal(t, invitation.StatusAccepted, accepted.Status)
	assert.Equal(t, member.ID, accepted.AcceptedBy)
	assert.Equal(t, family.RoleProfessional, member.Role)
	assert.True(t, member.Capabilities.CanLog)
	assert.False(t, member.Capabilities.CanViewAll)
	assert.Equal(t, []string{"c-1"}, member.ChildScope)
	assert.Equal(t, "owner", member.InvitedBy)

	_, _, err = e.mgr.Accept(ctx, inv.Token, "user-other", "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvitationNotPending), "terminal states are final")
}

func TestAccept_TemporaryGrantExpiresServerSide(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	dur := 4 * time.Hour
	inv, err := e.mgr.Create(ctx, invitation.CreateInput{
		FamilyID: "f", InviterID: "owner", Contact: invitation.Contact{Method: invitation.ContactLink},
		Role: family.RoleTemporary, AccessDuration: &dur,
	})
	require.NoError(t, err)

	e.clk.Advance(time.Hour)
	_, member, err := e.mgr.Accept(ctx, inv.Token, "user-sitter", "Sitter")
	require.NoError(t, err)
	require.NotNil(t, member.AccessExpiry)
	assert.Equal(t, start.Add(5*time.Hour), *member.AccessExpiry)

	assert.True(t, e.perms.Authorize(ctx, member.ID, permission.ActionLogActivity))
	e.clk.Advance(4 * time.Hour)
	d := e.perms.Check(ctx, member.ID, permission.ActionLogActivity)
	assert.False(t, d.Allowed)
	assert.Equal(t, permission.ReasonGrantExpired, d.Reason)
}

func TestCreate_TemporaryDefaultsToOneDay(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	inv, err := e.mgr.Create(context.Background(), invitation.CreateInput{
		FamilyID: "f", InviterID: "owner", Contact: invitation.Contact{Method: invitation.ContactLink},
		Role: family.RoleTemporary,
	})
	require.NoError(t, err)
	require.NotNil(t, inv.AccessDuration)
	assert.Equal(t, 24*time.Hour, *inv.AccessDuration)
}

func TestCreate_Guards(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	base := invitation.CreateInput{FamilyID: "f", InviterID: "owner", Contact: email("x@example.com"), Role: family.RoleParent}

	in := base
	in.InviterID = "relative"
	_, err := e.mgr.Create(ctx, in)
	assert.True(t, errors.IsPermissionDenied(err), "relative lacks INVITE")

	in = base
	in.Role = family.RoleOwner
	_, err = e.mgr.Create(ctx, in)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidRole))

	in = base
	in.FamilyID = "g"
	_, err = e.mgr.Create(ctx, in)
	assert.True(t, errors.IsPermissionDenied(err))

	in = base
	in.Contact = invitation.Contact{Method: invitation.ContactEmail, Address: "nope"}
	_, err = e.mgr.Create(ctx, in)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidParam))

	in = base
	in.TTL = 60 * 24 * time.Hour
	_, err = e.mgr.Create(ctx, in)
	assert.Error(t, err)

	custom := family.CapabilitiesOf(family.CapLog, family.CapExportData)
	in = base
	in.InviterID = "inviter"
	in.Capabilities = &custom
	_, err = e.mgr.Create(ctx, in)
	assert.True(t, errors.IsPermissionDenied(err), "custom capabilities need MANAGE_GRANTS")

	in.InviterID = "owner"
	inv, err := e.mgr.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, custom, inv.Capabilities)
}

func TestAccept_ExpiredInvitation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	inv, err := e.mgr.Create(ctx, invitation.CreateInput{
		FamilyID: "f", InviterID: "owner", Contact: email("late@example.com"), Role: family.RoleParent, TTL: time.Hour,
	})
	require.NoError(t, err)

	e.clk.Advance(time.Hour)
	_, _, err = e.mgr.Accept(ctx, inv.Token, "user-late", "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvitationExpired))

	_, _, err = e.mgr.Accept(ctx, inv.Token, "user-late", "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvitationNotPending))

	_, err = e.members.FindByFamilyAndUser(ctx, "f", "user-late")
	assert.True(t, errors.IsNotFound(err))
}

func TestRevokeAndExpire(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.mgr.Create(ctx, invitation.CreateInput{FamilyID: "f", InviterID: "owner", Contact: email("a@example.com"), Role: family.RoleParent, TTL: time.Hour})
	require.NoError(t, err)
	b, err := e.mgr.Create(ctx, invitation.CreateInput{FamilyID: "f", InviterID: "owner", Contact: email("b@example.com"), Role: family.RoleParent, TTL: 3 * time.Hour})
	require.NoError(t, err)

	_, err = e.mgr.Revoke(ctx, "relative", a.ID)
	assert.True(t, errors.IsPermissionDenied(err))

	revoked, err := e.mgr.Revoke(ctx, "owner", a.ID)
	require.NoError(t, err)
	assert.Equal(t, invitation.StatusRevoked, revoked.Status)
	_, err = e.mgr.Revoke(ctx, "owner", a.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvitationNotPending))

	e.clk.Advance(2 * time.Hour)
	due, err := e.mgr.DueForExpiry(ctx)
	require.NoError(t, err)
	assert.Empty(t, due, "revoked invitations stay revoked")

	e.clk.Advance(time.Hour)
	due, err = e.mgr.DueForExpiry(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, b.ID, due[0].ID)

	expired, err := e.mgr.Expire(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, expired)
	assert.Equal(t, invitation.StatusExpired, expired.Status)

	again, err := e.mgr.Expire(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, again)

	list, err := e.mgr.List(ctx, "f")
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, inv := range list {
		assert.Empty(t, inv.Token)
	}
}

func TestExpire_RereadsBeforeWriting(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	inv, err := e.mgr.Create(ctx, invitation.CreateInput{FamilyID: "f", InviterID: "owner", Contact: email("c@example.com"), Role: family.RoleParent, TTL: time.Hour})
	require.NoError(t, err)
	e.clk.Advance(2 * time.Hour)

	due, err := e.mgr.DueForExpiry(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Revoked after the sweep listed it.
	_, err = e.mgr.Revoke(ctx, "owner", inv.ID)
	require.NoError(t, err)

	expired, err := e.mgr.Expire(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Nil(t, expired)

	list, err := e.mgr.List(ctx, "f")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, invitation.StatusRevoked, list[0].Status)
}
