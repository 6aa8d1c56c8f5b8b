package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// ConflictRepository implements conflict.Repository.
type ConflictRepository struct {
	mu      sync.RWMutex
	records map[string]*conflict.Record
}

// NewConflictRepository returns an empty repository.
func NewConflictRepository() *ConflictRepository {
	return &ConflictRepository{records: make(map[string]*conflict.Record)}
}

func (r *ConflictRepository) Create(_ context.Context, rec *conflict.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return errors.Conflict("conflict record already exists")
	}
	r.records[rec.ID] = rec.Clone()
	return nil
}

func (r *ConflictRepository) Update(_ context.Context, rec *conflict.Record, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.records[rec.ID]
	if !ok {
		return errors.New(errors.ErrCodeConflictNotFound, "conflict not found")
	}
	if stored.Version != expectedVersion {
		return errors.AlreadyResolved(rec.ID).WithDetail(fmt.Sprintf("version=%d", stored.Version))
	}
	r.records[rec.ID] = rec.Clone()
	return nil
}

func (r *ConflictRepository) FindByID(_ context.Context, id string) (*conflict.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeConflictNotFound, "conflict not found")
	}
	return rec.Clone(), nil
}

func (r *ConflictRepository) List(_ context.Context, f conflict.Filter) ([]*conflict.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := map[conflict.Status]struct{}{}
	for _, s := range f.Statuses {
		statuses[s] = struct{}{}
	}
	var out []*conflict.Record
	for _, rec := range r.records {
		if f.FamilyID != "" && rec.FamilyID != f.FamilyID {
			continue
		}
		if f.ChildID != "" && rec.ChildID != f.ChildID {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[rec.Status]; !ok {
				continue
			}
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *ConflictRepository) EscalatedBefore(_ context.Context, t time.Time) ([]*conflict.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*conflict.Record
	for _, rec := range r.records {
		if rec.Status == conflict.StatusEscalated && rec.EscalationDeadline != nil && !rec.EscalationDeadline.After(t) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscalationDeadline.Before(*out[j].EscalationDeadline) })
	return out, nil
}
