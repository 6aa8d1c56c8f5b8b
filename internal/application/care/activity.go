package care

import (
	"context"
	"strings"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/permission"
	"github.com/turtacn/CareCircle/internal/domain/presence"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

const maxFeedLimit = 1000

// AppendActivityRequest logs one care event.
//
// A request that times out may still have been committed. Clients that retry
// should send the same EventID: a repeat by the same author returns the
// stored event with Replayed set instead of logging the care twice.
type AppendActivityRequest struct {
	UserID          string                 `json:"-"`
	FamilyID        string                 `json:"-"`
	ChildID         string                 `json:"-"`
	Type            string                 `json:"type"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	ClientTimestamp *time.Time             `json:"client_timestamp,omitempty"`
	DeviceID        string                 `json:"device_id,omitempty"`
	EventID         string                 `json:"event_id,omitempty"`
}

func (r *AppendActivityRequest) Validate() error {
	if strings.TrimSpace(r.ChildID) == "" {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "child_id is required")
	}
	if _, err := activity.ParseType(r.Type); err != nil {
		return err
	}
	return activity.CheckEventID(r.EventID)
}

// AppendResult is the committed event. Conflict is set when the event is
// part of a PENDING conflict; the write itself still succeeded.
type AppendResult struct {
	Event    *activity.Event  `json:"event"`
	Conflict *conflict.Record `json:"conflict,omitempty"`
	// Replayed is true when EventID named an event already logged.
	Replayed bool `json:"replayed,omitempty"`
}

// FeedRequest reads a family's activity.
type FeedRequest struct {
	UserID        string
	FamilyID      string
	Since         time.Time
	ChildIDs      []string
	IncludeHidden bool
	Limit         int
}

func (r *FeedRequest) Validate() error {
	if r.Limit < 0 || r.Limit > maxFeedLimit {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "limit must be between 0 and 1000")
	}
	return nil
}

// appendInput is an authorized-to-attempt append, shared by the live path
// and offline replay.
type appendInput struct {
	eventID         string
	childID         string
	typ             activity.Type
	payload         activity.Payload
	clientTimestamp *time.Time
	deviceID        string
	deviceSeq       int64
}

func (s *service) AppendActivity(ctx context.Context, req *AppendActivityRequest) (*AppendResult, error) {
	defer s.observe("append_activity")()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	typ, _ := activity.ParseType(req.Type)
	var out *AppendResult
	err := s.actors.do(ctx, req.FamilyID, func(ctx context.Context) error {
		_, m, err := s.writable(ctx, req.FamilyID, req.UserID)
		if err != nil {
			return err
		}
		out, err = s.appendOnActor(ctx, m, appendInput{
			eventID:         req.EventID,
			childID:         req.ChildID,
			typ:             typ,
			payload:         req.Payload,
			clientTimestamp: req.ClientTimestamp,
			deviceID:        req.DeviceID,
		})
		return err
	})
	return out, err
}

// appendOnActor runs authorize, append and detect for m. It must run on m's
// family actor: authorization is evaluated at execution time, so a grant
// change queued ahead of this command is always observed.
func (s *service) appendOnActor(ctx context.Context, m *family.Member, in appendInput) (*AppendResult, error) {
	author, err := s.authorize(ctx, m.ID, permission.ActionLogActivity)
	if err != nil {
		return nil, err
	}
	if !author.CanAccessChild(in.childID) {
		s.metrics.PermissionDenials.WithLabelValues(string(permission.ActionLogActivity), "child_out_of_scope").Inc()
		return nil, pkgerrors.New(pkgerrors.ErrCodeChildOutOfScope, "child is outside the member's scope")
	}
	child, err := s.children.FindByID(ctx, in.childID)
	if err != nil {
		return nil, err
	}
	if child.FamilyID != author.FamilyID {
		return nil, pkgerrors.New(pkgerrors.ErrCodeChildNotFound, "child not found")
	}
	if in.eventID != "" {
		prior, err := s.priorAppend(ctx, author, child.ID, in.eventID)
		if err != nil || prior != nil {
			return prior, err
		}
	}

	ev, err := activity.NewEvent(activity.NewEventInput{
		ID:              in.eventID,
		FamilyID:        author.FamilyID,
		ChildID:         child.ID,
		AuthorID:        author.ID,
		Type:            in.typ,
		Payload:         in.payload,
		ClientTimestamp: in.clientTimestamp,
		OriginDeviceID:  in.deviceID,
		DeviceSeq:       in.deviceSeq,
	})
	if err != nil {
		return nil, err
	}
	committed, err := s.log.Append(ctx, ev)
	if err != nil {
		return nil, err
	}
	s.metrics.ActivitiesAppended.WithLabelValues(string(committed.Type)).Inc()

	// The event is durable at this point; a detection failure is logged and
	// does not fail the write.
	rec, err := s.detector.Detect(ctx, committed)
	if err != nil {
		s.logger.Error("conflict detection failed", logging.EventID(committed.ID), logging.Err(err))
		s.metrics.RecordError("conflict_detector", string(pkgerrors.GetCode(err)))
		rec = nil
	}

	s.emitEvent(ctx, committed)
	if rec != nil {
		s.metrics.ConflictsDetected.WithLabelValues(string(rec.Type)).Inc()
		s.metrics.ConflictScore.WithLabelValues(string(rec.Type)).Observe(rec.Confidence)
		s.emitConflict(ctx, rec, EventConflictDetected)
	}
	return &AppendResult{Event: committed, Conflict: rec}, nil
}

// priorAppend returns the stored result when eventID was already logged by
// author, or nil when it is new.
func (s *service) priorAppend(ctx context.Context, author *family.Member, childID, eventID string) (*AppendResult, error) {
	prior, err := s.events.FindByID(ctx, eventID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if prior.AuthorID != author.ID || prior.ChildID != childID {
		return nil, pkgerrors.New(pkgerrors.ErrCodeValidation, "event_id is already in use")
	}
	res := &AppendResult{Event: prior, Replayed: true}
	if prior.SyncStatus != activity.SyncConflicted {
		return res, nil
	}
	open, err := s.records.List(ctx, conflict.Filter{
		FamilyID: prior.FamilyID,
		ChildID:  prior.ChildID,
		Statuses: []conflict.Status{conflict.StatusPending},
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range open {
		if rec.Involves(prior.ID) {
			res.Conflict = rec
			break
		}
	}
	return res, nil
}

// emitEvent pushes e to live sessions and the bus.
func (s *service) emitEvent(ctx context.Context, e *activity.Event) {
	snapshot := e.Clone()
	s.hub.broadcast(StreamActivity, Message{Kind: MessageActivity, FamilyID: e.FamilyID, At: s.clock.Now(), Activity: snapshot})
	s.publisher.publish(kafka.TopicActivity, EventActivityAppended, e.FamilyID, snapshot)
}

func (s *service) emitConflict(ctx context.Context, rec *conflict.Record, eventType string) {
	snapshot := rec.Clone()
	s.hub.broadcast(StreamActivity, Message{Kind: MessageConflict, FamilyID: rec.FamilyID, At: s.clock.Now(), Conflict: snapshot})
	s.publisher.publish(kafka.TopicConflicts, eventType, rec.FamilyID, snapshot)
}

// ActivityFeed returns events in log order. VIEW_ALL holders see every event
// of the children in their scope; other members see what they authored.
func (s *service) ActivityFeed(ctx context.Context, req *FeedRequest) ([]*activity.Event, error) {
	defer s.observe("activity_feed")()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	_, m, err := s.membership(ctx, req.FamilyID, req.UserID)
	if err != nil {
		return nil, err
	}
	v, err := s.viewerFor(ctx, m)
	if err != nil {
		return nil, err
	}

	children, ok := v.scopeChildren(req.ChildIDs)
	if !ok {
		return []*activity.Event{}, nil
	}
	q := activity.Query{
		FamilyID:      req.FamilyID,
		Since:         req.Since,
		ChildIDs:      children,
		IncludeHidden: req.IncludeHidden,
	}
	if v.viewAll {
		q.Limit = req.Limit
	}
	events, err := s.events.List(ctx, q)
	if err != nil {
		return nil, err
	}
	if v.viewAll {
		return events, nil
	}
	out := make([]*activity.Event, 0, len(events))
	for _, e := range events {
		if v.seesEvent(e) {
			out = append(out, e)
			if req.Limit > 0 && len(out) == req.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *service) SubscribeActivity(ctx context.Context, userID, familyID string) (*Subscription, error) {
	_, m, err := s.membership(ctx, familyID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.viewerFor(ctx, m); err != nil {
		return nil, err
	}
	return s.hub.subscribe(familyID, m.ID, StreamActivity, s.visibility(m.ID)), nil
}

// viewer is a member's read access at one instant.
type viewer struct {
	member  *family.Member
	viewAll bool
}

// viewerFor evaluates VIEW_ALL for m. An expired grant or a vanished member
// denies reading altogether.
func (s *service) viewerFor(ctx context.Context, m *family.Member) (*viewer, error) {
	d := s.perms.Check(ctx, m.ID, permission.ActionViewAll)
	v, err := viewerFrom(d)
	if err != nil {
		s.metrics.PermissionDenials.WithLabelValues(string(permission.ActionViewAll), string(d.Reason)).Inc()
		return nil, err
	}
	return v, nil
}

func viewerFrom(d permission.Decision) (*viewer, error) {
	switch {
	case d.Allowed:
		return &viewer{member: d.Member, viewAll: true}, nil
	case d.Reason == permission.ReasonMissingCapability && d.Member != nil:
		return &viewer{member: d.Member}, nil
	}
	return nil, d.Err()
}

// scopeChildren intersects the requested children with the member's scope.
// ok is false when nothing is left to read.
func (v *viewer) scopeChildren(requested []string) ([]string, bool) {
	if len(v.member.ChildScope) == 0 {
		return requested, true
	}
	if len(requested) == 0 {
		return append([]string(nil), v.member.ChildScope...), true
	}
	var out []string
	for _, id := range requested {
		if v.member.CanAccessChild(id) {
			out = append(out, id)
		}
	}
	return out, len(out) > 0
}

func (v *viewer) seesEvent(e *activity.Event) bool {
	if !v.member.CanAccessChild(e.ChildID) {
		return false
	}
	return v.viewAll || e.AuthorID == v.member.ID
}

func (v *viewer) seesConflict(r *conflict.Record) bool {
	if !v.member.CanAccessChild(r.ChildID) {
		return false
	}
	return v.viewAll || r.HasAuthor(v.member.ID)
}

func (v *viewer) seesPresence(r *presence.Record) bool {
	return len(presence.FilterVisible([]*presence.Record{r}, v.member.UserID, v.viewAll, v.member.CanAccessChild)) > 0
}

// visibility re-evaluates memberID's access for every live message, so a
// revoked or expired grant stops the stream on the next delivery. A lookup
// failure is returned as is and ends the stream with a resync.
func (s *service) visibility(memberID string) Visibility {
	return func(ctx context.Context, msg Message) (bool, error) {
		m, err := s.members.FindByID(ctx, memberID)
		if err != nil {
			return false, err
		}
		v, err := viewerFrom(permission.Evaluate(m, permission.ActionViewAll, s.clock.Now()))
		if err != nil {
			return false, err
		}
		switch msg.Kind {
		case MessageActivity:
			return msg.Activity != nil && v.seesEvent(msg.Activity), nil
		case MessageConflict:
			return msg.Conflict != nil && v.seesConflict(msg.Conflict), nil
		case MessagePresence:
			return msg.Presence != nil && v.seesPresence(&msg.Presence.Record), nil
		}
		return false, nil
	}
}
