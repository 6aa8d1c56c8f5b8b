// Package care is the coordination service: it authorizes every caregiver
// action, serializes each family's mutations on one actor, and fans the
// results out to live sessions and the event bus.
package care

import (
	"context"
	"strings"
	"time"

	"github.com/turtacn/CareCircle/internal/config"
	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/invitation"
	"github.com/turtacn/CareCircle/internal/domain/permission"
	"github.com/turtacn/CareCircle/internal/domain/presence"
	"github.com/turtacn/CareCircle/internal/domain/replay"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/CareCircle/internal/infrastructure/storage/minio"
	"github.com/turtacn/CareCircle/pkg/clock"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

// Service is the caregiver-facing API. userID is always the authenticated
// caller; the acting member is resolved from (familyID, userID).
type Service interface {
	// Families
	CreateFamily(ctx context.Context, req *CreateFamilyRequest) (*FamilyView, error)
	GetFamily(ctx context.Context, userID, familyID string) (*FamilyView, error)
	ListFamilies(ctx context.Context, userID string) ([]*family.Family, error)
	ArchiveFamily(ctx context.Context, userID, familyID string) (*family.Family, error)
	AddChild(ctx context.Context, req *AddChildRequest) (*family.Child, error)
	ListChildren(ctx context.Context, userID, familyID string) ([]*family.Child, error)
	ListMembers(ctx context.Context, userID, familyID string) ([]*family.Member, error)
	RemoveMember(ctx context.Context, userID, familyID, memberID string) error

	// Activity
	AppendActivity(ctx context.Context, req *AppendActivityRequest) (*AppendResult, error)
	ActivityFeed(ctx context.Context, req *FeedRequest) ([]*activity.Event, error)
	SubscribeActivity(ctx context.Context, userID, familyID string) (*Subscription, error)

	// Presence
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*presence.Record, error)
	Presence(ctx context.Context, userID, familyID string) ([]*presence.Record, error)
	SubscribePresence(ctx context.Context, userID, familyID string) (*Subscription, error)
	Unsubscribe(sub *Subscription)

	// Conflicts
	ListConflicts(ctx context.Context, req *ConflictQuery) ([]*conflict.Record, error)
	GetConflict(ctx context.Context, userID, familyID, conflictID string) (*conflict.Record, error)
	ResolveConflict(ctx context.Context, req *ResolveRequest) (*conflict.Outcome, error)
	ConflictPolicy() conflict.Policy
	SetConflictPolicy(p conflict.Policy) error

	// Invitations
	CreateInvitation(ctx context.Context, req *CreateInvitationRequest) (*invitation.Invitation, error)
	ListInvitations(ctx context.Context, userID, familyID string) ([]*invitation.Invitation, error)
	RevokeInvitation(ctx context.Context, userID, familyID, invitationID string) (*invitation.Invitation, error)
	AcceptInvitation(ctx context.Context, req *AcceptInvitationRequest) (*AcceptResult, error)

	// Grants
	GrantCapability(ctx context.Context, req *GrantRequest) (*family.Member, error)
	RevokeCapability(ctx context.Context, req *GrantRequest) (*family.Member, error)
	SetExpiry(ctx context.Context, req *SetExpiryRequest) (*family.Member, error)
	SetChildScope(ctx context.Context, req *SetChildScopeRequest) (*family.Member, error)

	// Offline replay
	SyncBatch(ctx context.Context, req *SyncBatchRequest) (*SyncBatchResult, error)

	// Data
	ExportActivity(ctx context.Context, req *RangeRequest) (*Export, error)
	ActivitySummary(ctx context.Context, req *RangeRequest) (*activity.Summary, error)
	PhotoUploadURL(ctx context.Context, req *PhotoUploadRequest) (*minio.PresignedURL, error)

	// Run drives the presence, escalation and invitation sweepers until ctx
	// ends.
	Run(ctx context.Context) error
	// SweepEscalations and SweepInvitations run one leader sweep each and
	// report how many records they closed.
	SweepEscalations(ctx context.Context) int
	SweepInvitations(ctx context.Context) int
	// Shutdown drains family actors, closes live sessions and flushes the
	// publisher.
	Shutdown(ctx context.Context) error
}

// PhotoStorage issues upload URLs for photo payloads. minio.PhotoStore
// satisfies it.
type PhotoStorage interface {
	PresignUpload(ctx context.Context, familyID, childID, contentType string) (*minio.PresignedURL, error)
}

// Dependencies wires the stores and adapters the service runs on. Photos,
// Publisher and Leader are optional.
type Dependencies struct {
	Families    family.Repository
	Children    family.ChildRepository
	Members     family.MemberRepository
	Events      activity.Repository
	Conflicts   conflict.Repository
	Invitations invitation.Repository
	Cursors     replay.CursorRepository
	Presence    presence.Store
	Photos      PhotoStorage
	Publisher   EventPublisher
	Leader      Leader
	Metrics     *prometheus.CareMetrics
	Logger      logging.Logger
	Clock       clock.Clock
}

func (d *Dependencies) validate() error {
	switch {
	case d.Families == nil, d.Children == nil, d.Members == nil:
		return pkgerrors.New(pkgerrors.ErrCodeInternal, "care: family repositories are required")
	case d.Events == nil, d.Conflicts == nil:
		return pkgerrors.New(pkgerrors.ErrCodeInternal, "care: activity and conflict repositories are required")
	case d.Invitations == nil, d.Cursors == nil, d.Presence == nil:
		return pkgerrors.New(pkgerrors.ErrCodeInternal, "care: invitation, cursor and presence stores are required")
	}
	return nil
}

type service struct {
	families family.Repository
	children family.ChildRepository
	members  family.MemberRepository
	events   activity.Repository
	records  conflict.Repository
	cursors  replay.CursorRepository
	photos   PhotoStorage
	leader   Leader

	perms       permission.Engine
	log         *activity.Log
	detector    *conflict.Detector
	resolver    *conflict.Resolver
	invitations *invitation.Manager
	presence    *presence.Manager

	actors    *actorSystem
	hub       *hub
	publisher *asyncPublisher

	cfg     config.CareConfig
	clock   clock.Clock
	metrics *prometheus.CareMetrics
	logger  logging.Logger
}

// PolicyFromConfig converts the configured scoring policy. A zero config
// yields conflict.DefaultPolicy.
func PolicyFromConfig(c config.ConflictConfig) conflict.Policy {
	if c == (config.ConflictConfig{}) {
		return conflict.DefaultPolicy()
	}
	return conflict.Policy{
		Window:       c.Window,
		Threshold:    c.Threshold,
		TimeWeight:   c.TimeWeight,
		FieldWeight:  c.FieldWeight,
		SignalWeight: c.SignalWeight,
	}
}

// NewService wires the coordination core.
func NewService(deps Dependencies, cfg config.CareConfig) (Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = prometheus.NewNopMetrics()
	}
	logger := deps.Logger.Named("care")

	s := &service{
		families: deps.Families,
		children: deps.Children,
		members:  deps.Members,
		events:   deps.Events,
		records:  deps.Conflicts,
		cursors:  deps.Cursors,
		photos:   deps.Photos,
		leader:   deps.Leader,
		cfg:      cfg,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		logger:   logger,
	}

	s.perms = permission.NewEngine(deps.Members, deps.Clock, logger, permission.WithFamilies(deps.Families))
	s.log = activity.NewLog(deps.Events, deps.Clock, logger)
	detector, err := conflict.NewDetector(deps.Events, deps.Conflicts, PolicyFromConfig(cfg.Conflict), deps.Clock, logger)
	if err != nil {
		return nil, err
	}
	s.detector = detector
	s.resolver = conflict.NewResolver(deps.Conflicts, s.log, s.perms, cfg.Escalation.Timeout, deps.Clock, logger)
	s.invitations = invitation.NewManager(deps.Invitations, deps.Members, s.perms, cfg.Invitation.TTL, deps.Clock, logger)
	s.presence = presence.NewManager(deps.Presence, presence.Config{
		Timeout:       cfg.Presence.Timeout,
		SweepInterval: cfg.Presence.SweepInterval,
		Retention:     cfg.Presence.Retention,
	}, deps.Clock, logger, s.onPresence)

	s.hub = newHub(cfg.Subscription.QueueSize, deps.Metrics, logger)
	s.publisher = newAsyncPublisher(deps.Publisher, 0, deps.Metrics, logger)
	s.actors = newActorSystem(cfg.Actor.MailboxSize, cfg.Actor.IdleTimeout, deps.Metrics, logger, s.onActorRetired)
	return s, nil
}

// onActorRetired releases per-child log state for an idle family.
func (s *service) onActorRetired(familyID string) {
	kids, err := s.children.ListByFamily(context.Background(), familyID)
	if err != nil {
		s.logger.Warn("failed to list children of retired family", logging.FamilyID(familyID), logging.Err(err))
		return
	}
	ids := make([]string, 0, len(kids))
	for _, c := range kids {
		ids = append(ids, c.ID)
	}
	s.log.Forget(ids...)
}

// membership loads familyID and the caller's member record in it. A caller
// who is not a member is denied.
func (s *service) membership(ctx context.Context, familyID, userID string) (*family.Family, *family.Member, error) {
	if strings.TrimSpace(familyID) == "" || strings.TrimSpace(userID) == "" {
		return nil, nil, pkgerrors.New(pkgerrors.ErrCodeValidation, "family_id and user_id are required")
	}
	fam, err := s.families.FindByID(ctx, familyID)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.members.FindByFamilyAndUser(ctx, familyID, userID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, nil, pkgerrors.PermissionDenied("FAMILY_ACCESS").WithDetail(string(permission.ReasonUnknownMember))
		}
		return nil, nil, err
	}
	return fam, m, nil
}

// writable is membership for mutations: the family must not be archived.
func (s *service) writable(ctx context.Context, familyID, userID string) (*family.Family, *family.Member, error) {
	fam, m, err := s.membership(ctx, familyID, userID)
	if err != nil {
		return nil, nil, err
	}
	if fam.IsArchived() {
		return nil, nil, pkgerrors.New(pkgerrors.ErrCodeFamilyArchived, "family is archived")
	}
	return fam, m, nil
}

// authorize checks action for memberID and counts denials. The returned
// member is the freshly loaded record.
func (s *service) authorize(ctx context.Context, memberID string, action permission.Action) (*family.Member, error) {
	d := s.perms.Check(ctx, memberID, action)
	if !d.Allowed {
		s.metrics.PermissionDenials.WithLabelValues(string(action), string(d.Reason)).Inc()
		s.logger.Debug("permission denied",
			logging.MemberID(memberID),
			logging.String("action", string(action)),
			logging.String("reason", string(d.Reason)))
		return nil, d.Err()
	}
	return d.Member, nil
}

// countDenial records a denial surfaced by a domain component.
func (s *service) countDenial(action permission.Action, err error) {
	if !pkgerrors.IsPermissionDenied(err) {
		return
	}
	reason := permission.ReasonMissingCapability
	if pkgerrors.IsCode(err, pkgerrors.CodeGrantExpired) {
		reason = permission.ReasonGrantExpired
	}
	s.metrics.PermissionDenials.WithLabelValues(string(action), string(reason)).Inc()
}

func (s *service) observe(op string) func() {
	t := prometheus.NewTimer(s.metrics.OperationDuration.WithLabelValues(op))
	return func() { t.ObserveDuration() }
}

// ─────────────────────────────────────────────────────────────────────────────
// Families
// ─────────────────────────────────────────────────────────────────────────────

// CreateFamilyRequest creates a family owned by the caller.
type CreateFamilyRequest struct {
	UserID      string      `json:"-"`
	DisplayName string      `json:"display_name,omitempty"`
	Name        string      `json:"name"`
	Type        family.Type `json:"type,omitempty"`
}

func (r *CreateFamilyRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "user_id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "name is required")
	}
	if r.Type != "" && !r.Type.IsValid() {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "type must be nuclear, shared_custody or institutional")
	}
	return nil
}

// AddChildRequest adds a child to a family.
type AddChildRequest struct {
	UserID    string     `json:"-"`
	FamilyID  string     `json:"-"`
	Name      string     `json:"name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
}

func (r *AddChildRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "name is required")
	}
	return nil
}

// FamilyView is a family as seen by one of its members.
type FamilyView struct {
	Family   *family.Family  `json:"family"`
	Member   *family.Member  `json:"member"`
	Children []*family.Child `json:"children"`
}

func (s *service) CreateFamily(ctx context.Context, req *CreateFamilyRequest) (*FamilyView, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	fam, err := family.NewFamily(req.Name, req.Type, req.UserID, now)
	if err != nil {
		return nil, err
	}
	owner, err := family.NewMember(fam.ID, req.UserID, family.RoleOwner, "", now)
	if err != nil {
		return nil, err
	}
	owner.DisplayName = req.DisplayName
	if err := s.families.Create(ctx, fam, owner); err != nil {
		return nil, err
	}

	s.logger.Info("family created", logging.FamilyID(fam.ID), logging.MemberID(owner.ID), logging.String("type", string(fam.Type)))
	s.publisher.publish(kafka.TopicFamily, EventFamilyCreated, fam.ID, *fam)
	return &FamilyView{Family: fam, Member: owner, Children: []*family.Child{}}, nil
}

func (s *service) GetFamily(ctx context.Context, userID, familyID string) (*FamilyView, error) {
	fam, m, err := s.membership(ctx, familyID, userID)
	if err != nil {
		return nil, err
	}
	kids, err := s.visibleChildren(ctx, m)
	if err != nil {
		return nil, err
	}
	return &FamilyView{Family: fam, Member: m, Children: kids}, nil
}

func (s *service) ListFamilies(ctx context.Context, userID string) ([]*family.Family, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, pkgerrors.New(pkgerrors.ErrCodeValidation, "user_id is required")
	}
	return s.families.ListByUser(ctx, userID)
}

// ArchiveFamily is reserved to the owner. Archived families stay readable.
func (s *service) ArchiveFamily(ctx context.Context, userID, familyID string) (*family.Family, error) {
	var out *family.Family
	err := s.actors.do(ctx, familyID, func(ctx context.Context) error {
		fam, m, err := s.membership(ctx, familyID, userID)
		if err != nil {
			return err
		}
		if !m.IsOwner() {
			return pkgerrors.PermissionDenied("ARCHIVE_FAMILY").WithDetail("only the owner can archive a family")
		}
		if fam.IsArchived() {
			out = fam
			return nil
		}
		fam.Archive(s.clock.Now())
		if err := s.families.Update(ctx, fam); err != nil {
			return err
		}
		out = fam
		s.logger.Info("family archived", logging.FamilyID(fam.ID))
		s.publisher.publish(kafka.TopicFamily, EventFamilyArchived, fam.ID, *fam)
		return nil
	})
	return out, err
}

// AddChild requires MANAGE_GRANTS.
func (s *service) AddChild(ctx context.Context, req *AddChildRequest) (*family.Child, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var out *family.Child
	err := s.actors.do(ctx, req.FamilyID, func(ctx context.Context) error {
		_, m, err := s.writable(ctx, req.FamilyID, req.UserID)
		if err != nil {
			return err
		}
		if _, err := s.authorize(ctx, m.ID, permission.ActionManageGrants); err != nil {
			return err
		}
		child, err := family.NewChild(req.FamilyID, req.Name, req.BirthDate, s.clock.Now())
		if err != nil {
			return err
		}
		if err := s.children.Create(ctx, child); err != nil {
			return err
		}
		out = child
		s.logger.Info("child added", logging.FamilyID(req.FamilyID), logging.ChildID(child.ID))
		s.publisher.publish(kafka.TopicFamily, EventChildAdded, req.FamilyID, *child)
		return nil
	})
	return out, err
}

func (s *service) ListChildren(ctx context.Context, userID, familyID string) ([]*family.Child, error) {
	_, m, err := s.membership(ctx, familyID, userID)
	if err != nil {
		return nil, err
	}
	return s.visibleChildren(ctx, m)
}

// visibleChildren trims the family's children to m's scope.
func (s *service) visibleChildren(ctx context.Context, m *family.Member) ([]*family.Child, error) {
	kids, err := s.children.ListByFamily(ctx, m.FamilyID)
	if err != nil {
		return nil, err
	}
	out := make([]*family.Child, 0, len(kids))
	for _, c := range kids {
		if m.CanAccessChild(c.ID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *service) ListMembers(ctx context.Context, userID, familyID string) ([]*family.Member, error) {
	if _, _, err := s.membership(ctx, familyID, userID); err != nil {
		return nil, err
	}
	return s.members.ListByFamily(ctx, familyID)
}

// RemoveMember requires MANAGE_GRANTS. The owner cannot be removed. The
// removed member's live sessions are closed.
func (s *service) RemoveMember(ctx context.Context, userID, familyID, memberID string) error {
	return s.actors.do(ctx, familyID, func(ctx context.Context) error {
		_, actor, err := s.writable(ctx, familyID, userID)
		if err != nil {
			return err
		}
		if _, err := s.authorize(ctx, actor.ID, permission.ActionManageGrants); err != nil {
			return err
		}
		target, err := s.members.FindByID(ctx, memberID)
		if err != nil {
			return err
		}
		if target.FamilyID != familyID {
			return pkgerrors.New(pkgerrors.ErrCodeMemberNotFound, "member not found")
		}
		if target.IsOwner() {
			return pkgerrors.New(pkgerrors.ErrCodeOwnerImmutable, "the family owner cannot be removed")
		}
		if err := s.members.Delete(ctx, memberID); err != nil {
			return err
		}
		s.hub.dropMember(familyID, memberID, CloseRevoked)
		s.logger.Info("member removed", logging.FamilyID(familyID), logging.MemberID(memberID), logging.String("removed_by", actor.ID))
		s.publisher.publish(kafka.TopicFamily, EventMemberRemoved, familyID, map[string]string{
			"member_id":  memberID,
			"removed_by": actor.ID,
		})
		return nil
	})
}

func (s *service) Unsubscribe(sub *Subscription) {
	if sub != nil {
		s.hub.unsubscribe(sub)
	}
}

func (s *service) ConflictPolicy() conflict.Policy { return s.detector.Policy() }

// SetConflictPolicy swaps the scoring policy; later detections use it.
func (s *service) SetConflictPolicy(p conflict.Policy) error {
	if err := s.detector.SetPolicy(p); err != nil {
		return err
	}
	s.logger.Info("conflict policy updated",
		logging.Duration("window", p.Window),
		logging.Float64("threshold", p.Threshold))
	return nil
}

// Shutdown stops accepting work and drains what is queued.
func (s *service) Shutdown(ctx context.Context) error {
	err := s.actors.stop(ctx)
	s.hub.closeAll()
	if perr := s.publisher.close(ctx); perr != nil && err == nil {
		err = perr
	}
	return err
}
