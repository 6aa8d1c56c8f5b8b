package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/infrastructure/database/postgres"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	appErrors "github.com/turtacn/CareCircle/pkg/errors"
)

const (
	familyColumns = `id, name, type, owner_user_id, archived_at, created_at, updated_at`
	childColumns  = `id, family_id, name, birth_date, created_at`
	memberColumns = `id, family_id, user_id, display_name, role, capabilities, child_scope,
		access_expiry, invited_by, created_at, updated_at`
)

const (
	constraintMemberUser  = "members_family_user_key"
	constraintMemberOwner = "members_one_owner"
)

// FamilyRepository implements family.Repository.
type FamilyRepository struct {
	base
}

// NewFamilyRepository returns a repository over db.
func NewFamilyRepository(db DBTX, log logging.Logger, opts ...Option) *FamilyRepository {
	return &FamilyRepository{base: newBase(db, log, opts)}
}

// Create inserts the family and its owner membership in one transaction.
func (r *FamilyRepository) Create(ctx context.Context, f *family.Family, owner *family.Member) (err error) {
	start := time.Now()
	defer func() { r.observe("family_create", start, err) }()

	return postgres.WithTransaction(ctx, r.db, func(tx pgx.Tx, ctx context.Context) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO families (`+familyColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			f.ID, f.Name, string(f.Type), f.OwnerUserID, f.ArchivedAt, f.CreatedAt, f.UpdatedAt,
		); err != nil {
			r.logger.Error("FamilyRepository.Create", logging.FamilyID(f.ID), logging.Err(err))
			return translate(err, appErrors.ErrCodeFamilyNotFound, "failed to insert family")
		}
		if owner == nil {
			return nil
		}
		return insertMember(ctx, tx, owner)
	})
}

func (r *FamilyRepository) Update(ctx context.Context, f *family.Family) (err error) {
	start := time.Now()
	defer func() { r.observe("family_update", start, err) }()

	tag, err := r.db.Exec(ctx, `
		UPDATE families SET name = $2, type = $3, archived_at = $4, updated_at = $5
		WHERE id = $1`,
		f.ID, f.Name, string(f.Type), f.ArchivedAt, f.UpdatedAt)
	if err != nil {
		return translate(err, appErrors.ErrCodeFamilyNotFound, "failed to update family")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.New(appErrors.ErrCodeFamilyNotFound, "family not found")
	}
	return nil
}

func (r *FamilyRepository) FindByID(ctx context.Context, id string) (f *family.Family, err error) {
	start := time.Now()
	defer func() { r.observe("family_find", start, err) }()

	f, err = scanFamily(r.db.QueryRow(ctx, `SELECT `+familyColumns+` FROM families WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeFamilyNotFound, "family not found")
	}
	return f, nil
}

func (r *FamilyRepository) ListByUser(ctx context.Context, userID string) (out []*family.Family, err error) {
	start := time.Now()
	defer func() { r.observe("family_list_by_user", start, err) }()

	rows, err := r.db.Query(ctx, `
		SELECT f.id, f.name, f.type, f.owner_user_id, f.archived_at, f.created_at, f.updated_at
		FROM families f
		JOIN members m ON m.family_id = f.id
		WHERE m.user_id = $1
		ORDER BY f.created_at`, userID)
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeFamilyNotFound, "failed to list families")
	}
	defer rows.Close()
	for rows.Next() {
		f, err := scanFamily(rows)
		if err != nil {
			return nil, translate(err, appErrors.ErrCodeFamilyNotFound, "failed to scan family")
		}
		out = append(out, f)
	}
	return out, translate(rows.Err(), appErrors.ErrCodeFamilyNotFound, "failed to list families")
}

func scanFamily(row scanner) (*family.Family, error) {
	var (
		f   family.Family
		typ string
	)
	if err := row.Scan(&f.ID, &f.Name, &typ, &f.OwnerUserID, &f.ArchivedAt, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Type = family.Type(typ)
	f.ArchivedAt = utcPtr(f.ArchivedAt)
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

// ChildRepository implements family.ChildRepository.
type ChildRepository struct {
	base
}

// NewChildRepository returns a repository over db.
func NewChildRepository(db DBTX, log logging.Logger, opts ...Option) *ChildRepository {
	return &ChildRepository{base: newBase(db, log, opts)}
}

func (r *ChildRepository) Create(ctx context.Context, c *family.Child) (err error) {
	start := time.Now()
	defer func() { r.observe("child_create", start, err) }()

	_, err = r.db.Exec(ctx, `INSERT INTO children (`+childColumns+`) VALUES ($1,$2,$3,$4,$5)`,
		c.ID, c.FamilyID, c.Name, c.BirthDate, c.CreatedAt)
	return translate(err, appErrors.ErrCodeChildNotFound, "failed to insert child")
}

func (r *ChildRepository) FindByID(ctx context.Context, id string) (c *family.Child, err error) {
	start := time.Now()
	defer func() { r.observe("child_find", start, err) }()

	c, err = scanChild(r.db.QueryRow(ctx, `SELECT `+childColumns+` FROM children WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeChildNotFound, "child not found")
	}
	return c, nil
}

func (r *ChildRepository) ListByFamily(ctx context.Context, familyID string) (out []*family.Child, err error) {
	start := time.Now()
	defer func() { r.observe("child_list", start, err) }()

	rows, err := r.db.Query(ctx, `SELECT `+childColumns+` FROM children WHERE family_id = $1 ORDER BY created_at, id`, familyID)
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeChildNotFound, "failed to list children")
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return nil, translate(err, appErrors.ErrCodeChildNotFound, "failed to scan child")
		}
		out = append(out, c)
	}
	return out, translate(rows.Err(), appErrors.ErrCodeChildNotFound, "failed to list children")
}

func scanChild(row scanner) (*family.Child, error) {
	var c family.Child
	if err := row.Scan(&c.ID, &c.FamilyID, &c.Name, &c.BirthDate, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.BirthDate = utcPtr(c.BirthDate)
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// MemberRepository implements family.MemberRepository.
type MemberRepository struct {
	base
}

// NewMemberRepository returns a repository over db.
func NewMemberRepository(db DBTX, log logging.Logger, opts ...Option) *MemberRepository {
	return &MemberRepository{base: newBase(db, log, opts)}
}

func (r *MemberRepository) Create(ctx context.Context, m *family.Member) (err error) {
	start := time.Now()
	defer func() { r.observe("member_create", start, err) }()
	return insertMember(ctx, r.db, m)
}

func insertMember(ctx context.Context, db DBTX, m *family.Member) error {
	caps, err := marshalJSON(m.Capabilities)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.FamilyID, m.UserID, m.DisplayName, string(m.Role), caps, strs(m.ChildScope),
		m.AccessExpiry, m.InvitedBy, m.CreatedAt, m.UpdatedAt)
	return memberWriteError(err, "failed to insert member")
}

func memberWriteError(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, constraintMemberUser):
		return appErrors.New(appErrors.ErrCodeMemberExists, "user is already a member of this family")
	case isUniqueViolation(err, constraintMemberOwner):
		return appErrors.New(appErrors.ErrCodeOwnerImmutable, "family already has an owner")
	}
	return translate(err, appErrors.ErrCodeMemberNotFound, msg)
}

func (r *MemberRepository) Update(ctx context.Context, m *family.Member) (err error) {
	start := time.Now()
	defer func() { r.observe("member_update", start, err) }()

	caps, err := marshalJSON(m.Capabilities)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE members
		SET display_name = $2, role = $3, capabilities = $4, child_scope = $5,
		    access_expiry = $6, updated_at = $7
		WHERE id = $1`,
		m.ID, m.DisplayName, string(m.Role), caps, strs(m.ChildScope), m.AccessExpiry, m.UpdatedAt)
	if err != nil {
		return memberWriteError(err, "failed to update member")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.New(appErrors.ErrCodeMemberNotFound, "member not found")
	}
	return nil
}

func (r *MemberRepository) Delete(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { r.observe("member_delete", start, err) }()

	tag, err := r.db.Exec(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return translate(err, appErrors.ErrCodeMemberNotFound, "failed to delete member")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.New(appErrors.ErrCodeMemberNotFound, "member not found")
	}
	return nil
}

func (r *MemberRepository) FindByID(ctx context.Context, id string) (m *family.Member, err error) {
	start := time.Now()
	defer func() { r.observe("member_find", start, err) }()

	m, err = scanMember(r.db.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeMemberNotFound, "member not found")
	}
	return m, nil
}

func (r *MemberRepository) FindByFamilyAndUser(ctx context.Context, familyID, userID string) (m *family.Member, err error) {
	start := time.Now()
	defer func() { r.observe("member_find_by_user", start, err) }()

	m, err = scanMember(r.db.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE family_id = $1 AND user_id = $2`, familyID, userID))
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeMemberNotFound, "member not found")
	}
	return m, nil
}

func (r *MemberRepository) ListByFamily(ctx context.Context, familyID string) (out []*family.Member, err error) {
	start := time.Now()
	defer func() { r.observe("member_list", start, err) }()

	rows, err := r.db.Query(ctx, `SELECT `+memberColumns+` FROM members WHERE family_id = $1 ORDER BY created_at, id`, familyID)
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeMemberNotFound, "failed to list members")
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, translate(err, appErrors.ErrCodeMemberNotFound, "failed to scan member")
		}
		out = append(out, m)
	}
	return out, translate(rows.Err(), appErrors.ErrCodeMemberNotFound, "failed to list members")
}

func scanMember(row scanner) (*family.Member, error) {
	var (
		m    family.Member
		role string
		caps []byte
	)
	if err := row.Scan(&m.ID, &m.FamilyID, &m.UserID, &m.DisplayName, &role, &caps, &m.ChildScope,
		&m.AccessExpiry, &m.InvitedBy, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Role = family.Role(role)
	if err := unmarshalJSON(caps, &m.Capabilities); err != nil {
		return nil, err
	}
	m.ChildScope = emptyToNil(m.ChildScope)
	m.AccessExpiry = utcPtr(m.AccessExpiry)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}
