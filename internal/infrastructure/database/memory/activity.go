package memory

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// EventRepository implements activity.Repository.
type EventRepository struct {
	mu      sync.RWMutex
	byID    map[string]*activity.Event
	byChild map[string][]string
}

// NewEventRepository returns an empty repository.
func NewEventRepository() *EventRepository {
	return &EventRepository{byID: make(map[string]*activity.Event), byChild: make(map[string][]string)}
}

func (r *EventRepository) Append(_ context.Context, e *activity.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[e.ID]; ok {
		return errors.Conflict("event already exists")
	}
	if ids := r.byChild[e.ChildID]; len(ids) > 0 {
		last := r.byID[ids[len(ids)-1]]
		if e.Sequence <= last.Sequence || !e.ServerTimestamp.After(last.ServerTimestamp) {
			return errors.Conflict("event out of order for child log")
		}
	}
	r.byID[e.ID] = e.Clone()
	r.byChild[e.ChildID] = append(r.byChild[e.ChildID], e.ID)
	return nil
}

func (r *EventRepository) Annotate(_ context.Context, e *activity.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[e.ID]
	if !ok {
		return errors.New(errors.ErrCodeEventNotFound, "event not found")
	}
	stored.SyncStatus = e.SyncStatus
	stored.SupersededBy = e.SupersededBy
	stored.Distinct = e.Distinct
	stored.Tombstoned = e.Tombstoned
	stored.TombstonedBy = e.TombstonedBy
	if e.TombstonedAt != nil {
		t := *e.TombstonedAt
		stored.TombstonedAt = &t
	} else {
		stored.TombstonedAt = nil
	}
	return nil
}

func (r *EventRepository) FindByID(_ context.Context, id string) (*activity.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeEventNotFound, "event not found")
	}
	return e.Clone(), nil
}

func (r *EventRepository) FindByIDs(_ context.Context, ids []string) ([]*activity.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*activity.Event, 0, len(ids))
	for _, id := range ids {
		e, ok := r.byID[id]
		if !ok {
			return nil, errors.New(errors.ErrCodeEventNotFound, "event not found").WithDetail(id)
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

func (r *EventRepository) Head(_ context.Context, childID string) (*activity.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byChild[childID]
	if len(ids) == 0 {
		return nil, nil
	}
	return r.byID[ids[len(ids)-1]].Clone(), nil
}

func (r *EventRepository) Window(_ context.Context, childID string, from, to time.Time) ([]*activity.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*activity.Event
	for _, id := range r.byChild[childID] {
		e := r.byID[id]
		at := e.OccurredAt()
		if at.Before(from) || at.After(to) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

func (r *EventRepository) List(_ context.Context, q activity.Query) ([]*activity.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var children map[string]struct{}
	if len(q.ChildIDs) > 0 {
		children = make(map[string]struct{}, len(q.ChildIDs))
		for _, id := range q.ChildIDs {
			children[id] = struct{}{}
		}
	}

	var out []*activity.Event
	for _, e := range r.byID {
		if e.FamilyID != q.FamilyID || !e.ServerTimestamp.After(q.Since) {
			continue
		}
		if children != nil {
			if _, ok := children[e.ChildID]; !ok {
				continue
			}
		}
		if !q.IncludeHidden && !e.Visible() {
			continue
		}
		out = append(out, e.Clone())
	}
	activity.SortBySequence(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
