package repositories

import (
	"context"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/invitation"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	appErrors "github.com/turtacn/CareCircle/pkg/errors"
)

const invitationColumns = `id, family_id, invited_by, contact_method, contact_address, role, capabilities,
	child_scope, access_duration_ms, token, status, expires_at, accepted_by, accepted_at, revoked_at,
	created_at, updated_at`

// InvitationRepository implements invitation.Repository.
type InvitationRepository struct {
	base
}

// NewInvitationRepository returns a repository over db.
func NewInvitationRepository(db DBTX, log logging.Logger, opts ...Option) *InvitationRepository {
	return &InvitationRepository{base: newBase(db, log, opts)}
}

func (r *InvitationRepository) Create(ctx context.Context, inv *invitation.Invitation) (err error) {
	start := time.Now()
	defer func() { r.observe("invitation_create", start, err) }()

	caps, err := marshalJSON(inv.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO invitations (`+invitationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		inv.ID, inv.FamilyID, inv.InvitedBy, string(inv.Contact.Method), inv.Contact.Address, string(inv.Role),
		caps, strs(inv.ChildScope), durationMillis(inv.AccessDuration), inv.Token, string(inv.Status),
		inv.ExpiresAt, inv.AcceptedBy, inv.AcceptedAt, inv.RevokedAt, inv.CreatedAt, inv.UpdatedAt)
	return translate(err, appErrors.ErrCodeInvitationNotFound, "failed to insert invitation")
}

// Update persists the lifecycle columns. The offer itself is immutable.
func (r *InvitationRepository) Update(ctx context.Context, inv *invitation.Invitation) (err error) {
	start := time.Now()
	defer func() { r.observe("invitation_update", start, err) }()

	tag, err := r.db.Exec(ctx, `
		UPDATE invitations
		SET status = $2, accepted_by = $3, accepted_at = $4, revoked_at = $5, updated_at = $6
		WHERE id = $1`,
		inv.ID, string(inv.Status), inv.AcceptedBy, inv.AcceptedAt, inv.RevokedAt, inv.UpdatedAt)
	if err != nil {
		return translate(err, appErrors.ErrCodeInvitationNotFound, "failed to update invitation")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.New(appErrors.ErrCodeInvitationNotFound, "invitation not found")
	}
	return nil
}

func (r *InvitationRepository) FindByID(ctx context.Context, id string) (inv *invitation.Invitation, err error) {
	start := time.Now()
	defer func() { r.observe("invitation_find", start, err) }()

	inv, err = scanInvitation(r.db.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeInvitationNotFound, "invitation not found")
	}
	return inv, nil
}

func (r *InvitationRepository) FindByToken(ctx context.Context, token string) (inv *invitation.Invitation, err error) {
	start := time.Now()
	defer func() { r.observe("invitation_find_by_token", start, err) }()

	inv, err = scanInvitation(r.db.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE token = $1`, token))
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeInvitationNotFound, "invitation not found")
	}
	return inv, nil
}

func (r *InvitationRepository) ListByFamily(ctx context.Context, familyID string) (out []*invitation.Invitation, err error) {
	start := time.Now()
	defer func() { r.observe("invitation_list", start, err) }()

	return r.queryInvitations(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE family_id = $1 ORDER BY created_at DESC`, familyID)
}

func (r *InvitationRepository) PendingExpiredBefore(ctx context.Context, t time.Time) (out []*invitation.Invitation, err error) {
	start := time.Now()
	defer func() { r.observe("invitation_pending_expired", start, err) }()

	return r.queryInvitations(ctx, `
		SELECT `+invitationColumns+` FROM invitations
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at`,
		string(invitation.StatusPending), t)
}

func (r *InvitationRepository) queryInvitations(ctx context.Context, sql string, args ...any) ([]*invitation.Invitation, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeInvitationNotFound, "failed to query invitations")
	}
	defer rows.Close()
	var out []*invitation.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, translate(err, appErrors.ErrCodeInvitationNotFound, "failed to scan invitation")
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, appErrors.ErrCodeInvitationNotFound, "failed to query invitations")
	}
	return out, nil
}

func durationMillis(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func scanInvitation(row scanner) (*invitation.Invitation, error) {
	var (
		inv                  invitation.Invitation
		method, role, status string
		caps                 []byte
		durationMs           *int64
	)
	if err := row.Scan(&inv.ID, &inv.FamilyID, &inv.InvitedBy, &method, &inv.Contact.Address, &role, &caps,
		&inv.ChildScope, &durationMs, &inv.Token, &status, &inv.ExpiresAt, &inv.AcceptedBy, &inv.AcceptedAt,
		&inv.RevokedAt, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.Contact.Method = invitation.ContactMethod(method)
	inv.Role = family.Role(role)
	inv.Status = invitation.Status(status)
	if err := unmarshalJSON(caps, &inv.Capabilities); err != nil {
		return nil, err
	}
	if durationMs != nil {
		d := time.Duration(*durationMs) * time.Millisecond
		inv.AccessDuration = &d
	}
	inv.ChildScope = emptyToNil(inv.ChildScope)
	inv.ExpiresAt = inv.ExpiresAt.UTC()
	inv.AcceptedAt = utcPtr(inv.AcceptedAt)
	inv.RevokedAt = utcPtr(inv.RevokedAt)
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}
