package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/invitation"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// InvitationRepository implements invitation.Repository.
type InvitationRepository struct {
	mu          sync.RWMutex
	invitations map[string]*invitation.Invitation
}

// NewInvitationRepository returns an empty repository.
func NewInvitationRepository() *InvitationRepository {
	return &InvitationRepository{invitations: make(map[string]*invitation.Invitation)}
}

func (r *InvitationRepository) Create(_ context.Context, inv *invitation.Invitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invitations[inv.ID] = inv.Clone()
	return nil
}

func (r *InvitationRepository) Update(_ context.Context, inv *invitation.Invitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.invitations[inv.ID]; !ok {
		return errors.New(errors.ErrCodeInvitationNotFound, "invitation not found")
	}
	r.invitations[inv.ID] = inv.Clone()
	return nil
}

func (r *InvitationRepository) FindByID(_ context.Context, id string) (*invitation.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invitations[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeInvitationNotFound, "invitation not found")
	}
	return inv.Clone(), nil
}

func (r *InvitationRepository) FindByToken(_ context.Context, token string) (*invitation.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inv := range r.invitations {
		if inv.Token == token {
			return inv.Clone(), nil
		}
	}
	return nil, errors.New(errors.ErrCodeInvitationNotFound, "invitation not found")
}

func (r *InvitationRepository) ListByFamily(_ context.Context, familyID string) ([]*invitation.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*invitation.Invitation
	for _, inv := range r.invitations {
		if inv.FamilyID == familyID {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *InvitationRepository) PendingExpiredBefore(_ context.Context, t time.Time) ([]*invitation.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*invitation.Invitation
	for _, inv := range r.invitations {
		if inv.Status == invitation.StatusPending && !inv.ExpiresAt.After(t) {
			out = append(out, inv.Clone())
		}
	}
	return out, nil
}
