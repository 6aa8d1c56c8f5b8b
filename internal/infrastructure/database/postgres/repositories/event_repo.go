package repositories

import (
	"context"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	appErrors "github.com/turtacn/CareCircle/pkg/errors"
)

const eventColumns = `id, family_id, child_id, author_id, type, payload, server_ts, client_ts,
	origin_device_id, device_seq, sequence, sync_status, merged_from, superseded_by,
	is_distinct, tombstoned, tombstoned_at, tombstoned_by`

const constraintEventSequence = "activity_events_child_sequence_key"

// EventRepository implements activity.Repository. Rows are never deleted;
// only the resolution columns change after insert.
type EventRepository struct {
	base
}

// NewEventRepository returns a repository over db.
func NewEventRepository(db DBTX, log logging.Logger, opts ...Option) *EventRepository {
	return &EventRepository{base: newBase(db, log, opts)}
}

func (r *EventRepository) Append(ctx context.Context, e *activity.Event) (err error) {
	start := time.Now()
	defer func() { r.observe("event_append", start, err) }()

	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO activity_events (`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.ID, e.FamilyID, e.ChildID, e.AuthorID, string(e.Type), payload, e.ServerTimestamp, e.ClientTimestamp,
		e.OriginDeviceID, e.DeviceSeq, e.Sequence, string(e.SyncStatus), strs(e.MergedFrom), e.SupersededBy,
		e.Distinct, e.Tombstoned, e.TombstonedAt, e.TombstonedBy)
	if isUniqueViolation(err, constraintEventSequence) {
		return appErrors.Conflict("event out of order for child log").WithDetail(e.ChildID)
	}
	if err != nil {
		r.logger.Error("EventRepository.Append", logging.EventID(e.ID), logging.Err(err))
	}
	return translate(err, appErrors.ErrCodeEventNotFound, "failed to append event")
}

func (r *EventRepository) Annotate(ctx context.Context, e *activity.Event) (err error) {
	start := time.Now()
	defer func() { r.observe("event_annotate", start, err) }()

	tag, err := r.db.Exec(ctx, `
		UPDATE activity_events
		SET sync_status = $2, superseded_by = $3, is_distinct = $4,
		    tombstoned = $5, tombstoned_at = $6, tombstoned_by = $7
		WHERE id = $1`,
		e.ID, string(e.SyncStatus), e.SupersededBy, e.Distinct, e.Tombstoned, e.TombstonedAt, e.TombstonedBy)
	if err != nil {
		return translate(err, appErrors.ErrCodeEventNotFound, "failed to annotate event")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.New(appErrors.ErrCodeEventNotFound, "event not found")
	}
	return nil
}

func (r *EventRepository) FindByID(ctx context.Context, id string) (e *activity.Event, err error) {
	start := time.Now()
	defer func() { r.observe("event_find", start, err) }()

	e, err = scanEvent(r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM activity_events WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeEventNotFound, "event not found")
	}
	return e, nil
}

// FindByIDs returns the events in the order of ids and fails when any is
// missing.
func (r *EventRepository) FindByIDs(ctx context.Context, ids []string) (out []*activity.Event, err error) {
	start := time.Now()
	defer func() { r.observe("event_find_many", start, err) }()

	found, err := r.queryEvents(ctx, `SELECT `+eventColumns+` FROM activity_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*activity.Event, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	out = make([]*activity.Event, 0, len(ids))
	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			return nil, appErrors.New(appErrors.ErrCodeEventNotFound, "event not found").WithDetail(id)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *EventRepository) Head(ctx context.Context, childID string) (e *activity.Event, err error) {
	start := time.Now()
	defer func() { r.observe("event_head", start, err) }()

	events, err := r.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM activity_events
		WHERE child_id = $1 ORDER BY sequence DESC LIMIT 1`, childID)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (r *EventRepository) Window(ctx context.Context, childID string, from, to time.Time) (out []*activity.Event, err error) {
	start := time.Now()
	defer func() { r.observe("event_window", start, err) }()

	return r.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM activity_events
		WHERE child_id = $1 AND occurred_at BETWEEN $2 AND $3
		ORDER BY sequence`, childID, from, to)
}

func (r *EventRepository) List(ctx context.Context, q activity.Query) (out []*activity.Event, err error) {
	start := time.Now()
	defer func() { r.observe("event_list", start, err) }()

	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}
	return r.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM activity_events
		WHERE family_id = $1
		  AND server_ts > $2
		  AND (cardinality($3::text[]) = 0 OR child_id = ANY($3))
		  AND ($4 OR (superseded_by = '' AND NOT tombstoned))
		ORDER BY server_ts, child_id, sequence
		LIMIT $5`,
		q.FamilyID, q.Since, strs(q.ChildIDs), q.IncludeHidden, limit)
}

func (r *EventRepository) queryEvents(ctx context.Context, sql string, args ...any) ([]*activity.Event, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeEventNotFound, "failed to query events")
	}
	defer rows.Close()
	var out []*activity.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, translate(err, appErrors.ErrCodeEventNotFound, "failed to scan event")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, appErrors.ErrCodeEventNotFound, "failed to query events")
	}
	return out, nil
}

func scanEvent(row scanner) (*activity.Event, error) {
	var (
		e           activity.Event
		typ, status string
		payload     []byte
	)
	if err := row.Scan(&e.ID, &e.FamilyID, &e.ChildID, &e.AuthorID, &typ, &payload, &e.ServerTimestamp,
		&e.ClientTimestamp, &e.OriginDeviceID, &e.DeviceSeq, &e.Sequence, &status, &e.MergedFrom,
		&e.SupersededBy, &e.Distinct, &e.Tombstoned, &e.TombstonedAt, &e.TombstonedBy); err != nil {
		return nil, err
	}
	e.Type = activity.Type(typ)
	e.SyncStatus = activity.SyncStatus(status)
	if err := unmarshalJSON(payload, &e.Payload); err != nil {
		return nil, err
	}
	if len(e.Payload) == 0 {
		e.Payload = nil
	}
	e.MergedFrom = emptyToNil(e.MergedFrom)
	e.ServerTimestamp = e.ServerTimestamp.UTC()
	e.ClientTimestamp = utcPtr(e.ClientTimestamp)
	e.TombstonedAt = utcPtr(e.TombstonedAt)
	return &e, nil
}
