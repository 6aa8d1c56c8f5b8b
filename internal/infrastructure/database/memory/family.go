package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/pkg/errors"
)

func cloneFamily(f *family.Family) *family.Family {
	c := *f
	if f.ArchivedAt != nil {
		t := *f.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

// FamilyRepository implements family.Repository.
type FamilyRepository struct {
	mu       sync.RWMutex
	families map[string]*family.Family
	members  *MemberRepository
}

// NewFamilyRepository returns an empty repository. members is consulted by
// ListByUser and may be nil.
func NewFamilyRepository(members *MemberRepository) *FamilyRepository {
	return &FamilyRepository{families: make(map[string]*family.Family), members: members}
}

func (r *FamilyRepository) Create(ctx context.Context, f *family.Family, owner *family.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.families[f.ID]; ok {
		return errors.Conflict("family already exists")
	}
	if owner != nil && r.members != nil {
		if err := r.members.Create(ctx, owner); err != nil {
			return err
		}
	}
	r.families[f.ID] = cloneFamily(f)
	return nil
}

func (r *FamilyRepository) Update(_ context.Context, f *family.Family) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.families[f.ID]; !ok {
		return errors.New(errors.ErrCodeFamilyNotFound, "family not found")
	}
	r.families[f.ID] = cloneFamily(f)
	return nil
}

func (r *FamilyRepository) FindByID(_ context.Context, id string) (*family.Family, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeFamilyNotFound, "family not found")
	}
	return cloneFamily(f), nil
}

func (r *FamilyRepository) ListByUser(ctx context.Context, userID string) ([]*family.Family, error) {
	if r.members == nil {
		return nil, nil
	}
	ids := r.members.familiesOf(userID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*family.Family, 0, len(ids))
	for _, id := range ids {
		if f, ok := r.families[id]; ok {
			out = append(out, cloneFamily(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ChildRepository implements family.ChildRepository.
type ChildRepository struct {
	mu       sync.RWMutex
	children map[string]*family.Child
}

// NewChildRepository returns an empty repository.
func NewChildRepository() *ChildRepository {
	return &ChildRepository{children: make(map[string]*family.Child)}
}

func cloneChild(c *family.Child) *family.Child {
	out := *c
	if c.BirthDate != nil {
		t := *c.BirthDate
		out.BirthDate = &t
	}
	return &out
}

func (r *ChildRepository) Create(_ context.Context, c *family.Child) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children[c.ID] = cloneChild(c)
	return nil
}

func (r *ChildRepository) FindByID(_ context.Context, id string) (*family.Child, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.children[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeChildNotFound, "child not found")
	}
	return cloneChild(c), nil
}

func (r *ChildRepository) ListByFamily(_ context.Context, familyID string) ([]*family.Child, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*family.Child
	for _, c := range r.children {
		if c.FamilyID == familyID {
			out = append(out, cloneChild(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemberRepository implements family.MemberRepository.
type MemberRepository struct {
	mu      sync.RWMutex
	members map[string]*family.Member
}

// NewMemberRepository returns an empty repository.
func NewMemberRepository() *MemberRepository {
	return &MemberRepository{members: make(map[string]*family.Member)}
}

func (r *MemberRepository) Create(_ context.Context, m *family.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.members {
		if existing.FamilyID != m.FamilyID {
			continue
		}
		if existing.UserID == m.UserID {
			return errors.New(errors.ErrCodeMemberExists, "user is already a member of this family")
		}
		if m.IsOwner() && existing.IsOwner() {
			return errors.New(errors.ErrCodeOwnerImmutable, "family already has an owner")
		}
	}
	r.members[m.ID] = m.Clone()
	return nil
}

func (r *MemberRepository) Update(_ context.Context, m *family.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m.ID]; !ok {
		return errors.New(errors.ErrCodeMemberNotFound, "member not found")
	}
	r.members[m.ID] = m.Clone()
	return nil
}

func (r *MemberRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return errors.New(errors.ErrCodeMemberNotFound, "member not found")
	}
	delete(r.members, id)
	return nil
}

func (r *MemberRepository) FindByID(_ context.Context, id string) (*family.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeMemberNotFound, "member not found")
	}
	return m.Clone(), nil
}

func (r *MemberRepository) FindByFamilyAndUser(_ context.Context, familyID, userID string) (*family.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.FamilyID == familyID && m.UserID == userID {
			return m.Clone(), nil
		}
	}
	return nil, errors.New(errors.ErrCodeMemberNotFound, "member not found")
}

func (r *MemberRepository) ListByFamily(_ context.Context, familyID string) ([]*family.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*family.Member
	for _, m := range r.members {
		if m.FamilyID == familyID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemberRepository) familiesOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, m := range r.members {
		if m.UserID == userID {
			ids = append(ids, m.FamilyID)
		}
	}
	return ids
}
