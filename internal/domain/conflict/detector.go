package conflict

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/clock"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// Detector scans a child's recent log on every append.
type Detector struct {
	events    activity.Repository
	conflicts Repository
	clock     clock.Clock
	logger    logging.Logger
	policy    atomic.Pointer[Policy]
}

// NewDetector returns a Detector using policy.
func NewDetector(events activity.Repository, conflicts Repository, policy Policy, clk clock.Clock, logger logging.Logger) (*Detector, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	d := &Detector{events: events, conflicts: conflicts, clock: clk, logger: logger.Named("conflict-detector")}
	d.policy.Store(&policy)
	return d, nil
}

// Policy returns the active policy.
func (d *Detector) Policy() Policy { return *d.policy.Load() }

// SetPolicy swaps the policy used by subsequent detections.
func (d *Detector) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	d.policy.Store(&p)
	d.logger.Info("conflict policy updated",
		logging.Duration("window", p.Window),
		logging.Float64("threshold", p.Threshold))
	return nil
}

// Detect evaluates a freshly committed event against its neighbourhood. When
// any neighbour scores at or above the threshold it opens one PENDING record
// covering e and every triggering neighbour, marks them CONFLICTED, and
// returns the record. e.SyncStatus is updated in place. Canonical events are
// never checked.
func (d *Detector) Detect(ctx context.Context, e *activity.Event) (*Record, error) {
	if e.IsCanonical() {
		return nil, nil
	}
	p := d.Policy()
	at := e.OccurredAt()
	neighbours, err := d.events.Window(ctx, e.ChildID, at.Add(-p.Window), at.Add(p.Window))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to scan conflict window")
	}

	var (
		hits []*activity.Event
		best float64
		same = true
	)
	for _, n := range neighbours {
		if !p.Candidate(e, n) {
			continue
		}
		s := p.Score(e, n)
		if s.Total < p.Threshold {
			d.logger.Debug("conflict below threshold",
				logging.EventID(e.ID),
				logging.String("neighbour_id", n.ID),
				logging.Float64("score", s.Total))
			continue
		}
		hits = append(hits, n)
		if s.Total > best {
			best = s.Total
		}
		if n.Type != e.Type {
			same = false
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	now := d.clock.Now()
	rec := &Record{
		ID:         uuid.New().String(),
		FamilyID:   e.FamilyID,
		ChildID:    e.ChildID,
		Confidence: best,
		Status:     StatusPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if same {
		rec.Type, rec.Suggested = TypeDuplicate, ResolutionMerge
	} else {
		rec.Type, rec.Suggested = TypeOverlappingCare, ResolutionKeepSeparate
	}
	authors := map[string]struct{}{}
	for _, ev := range append([]*activity.Event{e}, hits...) {
		rec.EventIDs = append(rec.EventIDs, ev.ID)
		authors[ev.AuthorID] = struct{}{}
	}
	for a := range authors {
		rec.AuthorIDs = append(rec.AuthorIDs, a)
	}
	sort.Strings(rec.AuthorIDs)

	if err := d.conflicts.Create(ctx, rec); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to create conflict record")
	}
	e.SyncStatus = activity.SyncConflicted
	for _, ev := range append([]*activity.Event{e}, hits...) {
		ev.SyncStatus = activity.SyncConflicted
		if err := d.events.Annotate(ctx, ev); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to mark event conflicted")
		}
	}

	d.logger.Info("conflict detected",
		logging.FamilyID(rec.FamilyID),
		logging.ChildID(rec.ChildID),
		logging.ConflictID(rec.ID),
		logging.String("type", string(rec.Type)),
		logging.Float64("confidence", rec.Confidence),
		logging.Int("events", len(rec.EventIDs)))
	return rec, nil
}
