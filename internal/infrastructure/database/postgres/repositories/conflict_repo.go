package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	appErrors "github.com/turtacn/CareCircle/pkg/errors"
)

const conflictColumns = `id, family_id, child_id, event_ids, author_ids, type, confidence, suggested,
	status, version, resolution, resolved_by, resolved_at, canonical_event_id, deleted_event_id,
	escalation_deadline, created_at, updated_at`

// ConflictRepository implements conflict.Repository. Update is a
// compare-and-set on the version column.
type ConflictRepository struct {
	base
}

// NewConflictRepository returns a repository over db.
func NewConflictRepository(db DBTX, log logging.Logger, opts ...Option) *ConflictRepository {
	return &ConflictRepository{base: newBase(db, log, opts)}
}

func (r *ConflictRepository) Create(ctx context.Context, rec *conflict.Record) (err error) {
	start := time.Now()
	defer func() { r.observe("conflict_create", start, err) }()

	_, err = r.db.Exec(ctx, `
		INSERT INTO conflicts (`+conflictColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		rec.ID, rec.FamilyID, rec.ChildID, strs(rec.EventIDs), strs(rec.AuthorIDs), string(rec.Type),
		rec.Confidence, string(rec.Suggested), string(rec.Status), rec.Version, string(rec.Resolution),
		rec.ResolvedBy, rec.ResolvedAt, rec.CanonicalEventID, rec.DeletedEventID, rec.EscalationDeadline,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		r.logger.Error("ConflictRepository.Create", logging.ConflictID(rec.ID), logging.Err(err))
	}
	return translate(err, appErrors.ErrCodeConflictNotFound, "failed to insert conflict")
}

func (r *ConflictRepository) Update(ctx context.Context, rec *conflict.Record, expectedVersion int64) (err error) {
	start := time.Now()
	defer func() { r.observe("conflict_update", start, err) }()

	tag, err := r.db.Exec(ctx, `
		UPDATE conflicts
		SET status = $3, version = $4, resolution = $5, resolved_by = $6, resolved_at = $7,
		    canonical_event_id = $8, deleted_event_id = $9, escalation_deadline = $10, updated_at = $11
		WHERE id = $1 AND version = $2`,
		rec.ID, expectedVersion, string(rec.Status), rec.Version, string(rec.Resolution), rec.ResolvedBy,
		rec.ResolvedAt, rec.CanonicalEventID, rec.DeletedEventID, rec.EscalationDeadline, rec.UpdatedAt)
	if err != nil {
		return translate(err, appErrors.ErrCodeConflictNotFound, "failed to update conflict")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current int64
	if err := r.db.QueryRow(ctx, `SELECT version FROM conflicts WHERE id = $1`, rec.ID).Scan(&current); err != nil {
		return translate(err, appErrors.ErrCodeConflictNotFound, "conflict not found")
	}
	return appErrors.AlreadyResolved(rec.ID).WithDetail(fmt.Sprintf("version=%d", current))
}

func (r *ConflictRepository) FindByID(ctx context.Context, id string) (rec *conflict.Record, err error) {
	start := time.Now()
	defer func() { r.observe("conflict_find", start, err) }()

	rec, err = scanConflict(r.db.QueryRow(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeConflictNotFound, "conflict not found")
	}
	return rec, nil
}

func (r *ConflictRepository) List(ctx context.Context, f conflict.Filter) (out []*conflict.Record, err error) {
	start := time.Now()
	defer func() { r.observe("conflict_list", start, err) }()

	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	return r.queryConflicts(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE ($1 = '' OR family_id = $1)
		  AND ($2 = '' OR child_id = $2)
		  AND (cardinality($3::text[]) = 0 OR status = ANY($3))
		ORDER BY created_at DESC
		LIMIT $4`,
		f.FamilyID, f.ChildID, statuses, limit)
}

func (r *ConflictRepository) EscalatedBefore(ctx context.Context, t time.Time) (out []*conflict.Record, err error) {
	start := time.Now()
	defer func() { r.observe("conflict_escalated_before", start, err) }()

	return r.queryConflicts(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE status = $1 AND escalation_deadline <= $2
		ORDER BY escalation_deadline`,
		string(conflict.StatusEscalated), t)
}

func (r *ConflictRepository) queryConflicts(ctx context.Context, sql string, args ...any) ([]*conflict.Record, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeConflictNotFound, "failed to query conflicts")
	}
	defer rows.Close()
	var out []*conflict.Record
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, translate(err, appErrors.ErrCodeConflictNotFound, "failed to scan conflict")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, appErrors.ErrCodeConflictNotFound, "failed to query conflicts")
	}
	return out, nil
}

func scanConflict(row scanner) (*conflict.Record, error) {
	var (
		rec                                conflict.Record
		typ, suggested, status, resolution string
	)
	if err := row.Scan(&rec.ID, &rec.FamilyID, &rec.ChildID, &rec.EventIDs, &rec.AuthorIDs, &typ,
		&rec.Confidence, &suggested, &status, &rec.Version, &resolution, &rec.ResolvedBy, &rec.ResolvedAt,
		&rec.CanonicalEventID, &rec.DeletedEventID, &rec.EscalationDeadline, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Type = conflict.Type(typ)
	rec.Suggested = conflict.Resolution(suggested)
	rec.Status = conflict.Status(status)
	rec.Resolution = conflict.Resolution(resolution)
	rec.ResolvedAt = utcPtr(rec.ResolvedAt)
	rec.EscalationDeadline = utcPtr(rec.EscalationDeadline)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
