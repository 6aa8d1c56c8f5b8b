package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/turtacn/CareCircle/internal/domain/replay"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	appErrors "github.com/turtacn/CareCircle/pkg/errors"
)

// CursorRepository implements replay.CursorRepository. A cursor never moves
// backwards.
type CursorRepository struct {
	base
}

// NewCursorRepository returns a repository over db.
func NewCursorRepository(db DBTX, log logging.Logger, opts ...Option) *CursorRepository {
	return &CursorRepository{base: newBase(db, log, opts)}
}

func (r *CursorRepository) Get(ctx context.Context, familyID, deviceID string) (c *replay.Cursor, err error) {
	start := time.Now()
	defer func() { r.observe("cursor_get", start, err) }()

	var cur replay.Cursor
	err = r.db.QueryRow(ctx, `
		SELECT family_id, device_id, member_id, last_seq, updated_at
		FROM device_cursors WHERE family_id = $1 AND device_id = $2`, familyID, deviceID).
		Scan(&cur.FamilyID, &cur.DeviceID, &cur.MemberID, &cur.LastSeq, &cur.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, appErrors.ErrCodeNotFound, "failed to load device cursor")
	}
	cur.UpdatedAt = cur.UpdatedAt.UTC()
	return &cur, nil
}

func (r *CursorRepository) Save(ctx context.Context, c *replay.Cursor) (err error) {
	start := time.Now()
	defer func() { r.observe("cursor_save", start, err) }()

	_, err = r.db.Exec(ctx, `
		INSERT INTO device_cursors (family_id, device_id, member_id, last_seq, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (family_id, device_id) DO UPDATE
		SET member_id = EXCLUDED.member_id, last_seq = EXCLUDED.last_seq, updated_at = EXCLUDED.updated_at
		WHERE device_cursors.last_seq <= EXCLUDED.last_seq`,
		c.FamilyID, c.DeviceID, c.MemberID, c.LastSeq, c.UpdatedAt)
	return translate(err, appErrors.ErrCodeNotFound, "failed to save device cursor")
}
