package care

import (
	"context"
	"strings"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/permission"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/storage/minio"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

const defaultRange = 7 * 24 * time.Hour

// RangeRequest selects events by occurrence time within [From, To]. A zero
// To means now; a zero From means seven days before To.
type RangeRequest struct {
	UserID   string
	FamilyID string
	From     time.Time
	To       time.Time
	ChildIDs []string
}

func (r *RangeRequest) normalize(now time.Time) error {
	if r.To.IsZero() {
		r.To = now
	}
	if r.From.IsZero() {
		r.From = r.To.Add(-defaultRange)
	}
	if r.From.After(r.To) {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "from must not be after to")
	}
	return nil
}

// Export is a family's data over a range, including merged and tombstoned
// events.
type Export struct {
	Family      *family.Family     `json:"family"`
	Children    []*family.Child    `json:"children"`
	Members     []*family.Member   `json:"members"`
	Events      []*activity.Event  `json:"events"`
	Conflicts   []*conflict.Record `json:"conflicts"`
	From        time.Time          `json:"from"`
	To          time.Time          `json:"to"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// PhotoUploadRequest reserves an object key for a child's photo.
type PhotoUploadRequest struct {
	UserID      string `json:"-"`
	FamilyID    string `json:"-"`
	ChildID     string `json:"child_id"`
	ContentType string `json:"content_type"`
}

// ExportActivity requires EXPORT. Only children in the caller's scope are
// included.
func (s *service) ExportActivity(ctx context.Context, req *RangeRequest) (*Export, error) {
	defer s.observe("export_activity")()
	if err := req.normalize(s.clock.Now()); err != nil {
		return nil, err
	}
	fam, m, err := s.membership(ctx, req.FamilyID, req.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, m.ID, permission.ActionExport); err != nil {
		return nil, err
	}
	v := &viewer{member: m, viewAll: true}
	events, err := s.rangeEvents(ctx, v, req)
	if err != nil {
		return nil, err
	}
	children, err := s.visibleChildren(ctx, m)
	if err != nil {
		return nil, err
	}
	members, err := s.members.ListByFamily(ctx, req.FamilyID)
	if err != nil {
		return nil, err
	}
	recs, err := s.records.List(ctx, conflict.Filter{FamilyID: req.FamilyID})
	if err != nil {
		return nil, err
	}
	conflicts := make([]*conflict.Record, 0, len(recs))
	for _, r := range recs {
		if m.CanAccessChild(r.ChildID) && !r.CreatedAt.Before(req.From) && !r.CreatedAt.After(req.To) {
			conflicts = append(conflicts, r)
		}
	}

	out := &Export{
		Family:      fam,
		Children:    children,
		Members:     members,
		Events:      events,
		Conflicts:   conflicts,
		From:        req.From,
		To:          req.To,
		GeneratedAt: s.clock.Now(),
	}
	s.logger.Info("activity exported",
		logging.FamilyID(req.FamilyID),
		logging.MemberID(m.ID),
		logging.Int("events", len(events)),
		logging.Int("conflicts", len(conflicts)))
	return out, nil
}

// ActivitySummary requires VIEW_ANALYTICS.
func (s *service) ActivitySummary(ctx context.Context, req *RangeRequest) (*activity.Summary, error) {
	defer s.observe("activity_summary")()
	if err := req.normalize(s.clock.Now()); err != nil {
		return nil, err
	}
	_, m, err := s.membership(ctx, req.FamilyID, req.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, m.ID, permission.ActionViewAnalytics); err != nil {
		return nil, err
	}
	events, err := s.rangeEvents(ctx, &viewer{member: m, viewAll: true}, req)
	if err != nil {
		return nil, err
	}
	return activity.Summarize(events, req.From, req.To), nil
}

// rangeEvents lists every event in v's scope occurring within the range.
func (s *service) rangeEvents(ctx context.Context, v *viewer, req *RangeRequest) ([]*activity.Event, error) {
	children, ok := v.scopeChildren(req.ChildIDs)
	if !ok {
		return []*activity.Event{}, nil
	}
	all, err := s.events.List(ctx, activity.Query{
		FamilyID:      req.FamilyID,
		ChildIDs:      children,
		IncludeHidden: true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*activity.Event, 0, len(all))
	for _, e := range all {
		at := e.OccurredAt()
		if at.Before(req.From) || at.After(req.To) {
			continue
		}
		if v.seesEvent(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// PhotoUploadURL needs LOG_ACTIVITY on the child. The event referencing the
// object is logged separately once the upload completes.
func (s *service) PhotoUploadURL(ctx context.Context, req *PhotoUploadRequest) (*minio.PresignedURL, error) {
	if s.photos == nil {
		return nil, pkgerrors.New(pkgerrors.ErrCodeFeatureDisabled, "photo storage is not configured")
	}
	if strings.TrimSpace(req.ChildID) == "" {
		return nil, pkgerrors.New(pkgerrors.ErrCodeValidation, "child_id is required")
	}
	_, m, err := s.writable(ctx, req.FamilyID, req.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, m.ID, permission.ActionLogActivity); err != nil {
		return nil, err
	}
	if !m.CanAccessChild(req.ChildID) {
		return nil, pkgerrors.New(pkgerrors.ErrCodeChildOutOfScope, "child is outside the member's scope")
	}
	child, err := s.children.FindByID(ctx, req.ChildID)
	if err != nil {
		return nil, err
	}
	if child.FamilyID != req.FamilyID {
		return nil, pkgerrors.New(pkgerrors.ErrCodeChildNotFound, "child not found")
	}
	return s.photos.PresignUpload(ctx, req.FamilyID, req.ChildID, req.ContentType)
}
