package family

import "context"

// Repository persists families. Missing rows yield ErrCodeFamilyNotFound.
type Repository interface {
	// Create stores f together with its owner membership, atomically where
	// the backend supports it.
	Create(ctx context.Context, f *Family, owner *Member) error
	Update(ctx context.Context, f *Family) error
	FindByID(ctx context.Context, id string) (*Family, error)
	ListByUser(ctx context.Context, userID string) ([]*Family, error)
}

// ChildRepository persists children. Missing rows yield ErrCodeChildNotFound.
type ChildRepository interface {
	Create(ctx context.Context, c *Child) error
	FindByID(ctx context.Context, id string) (*Child, error)
	ListByFamily(ctx context.Context, familyID string) ([]*Child, error)
}

// MemberRepository persists members. Missing rows yield ErrCodeMemberNotFound;
// a duplicate (family, user) pair yields ErrCodeMemberExists.
type MemberRepository interface {
	Create(ctx context.Context, m *Member) error
	Update(ctx context.Context, m *Member) error
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (*Member, error)
	FindByFamilyAndUser(ctx context.Context, familyID, userID string) (*Member, error)
	ListByFamily(ctx context.Context, familyID string) ([]*Member, error)
}
