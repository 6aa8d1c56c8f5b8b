package activity

import (
	"context"
	"time"
)

// Query filters a family feed.
type Query struct {
	FamilyID string
	// Since is exclusive and compared against ServerTimestamp.
	Since    time.Time
	ChildIDs []string
	// IncludeHidden also returns superseded and tombstoned events.
	IncludeHidden bool
	Limit         int
}

// Repository persists events. Append is insert-only; Annotate may change
// only the resolution fields (SyncStatus, SupersededBy, Distinct, Tombstone*).
// Missing rows yield ErrCodeEventNotFound.
type Repository interface {
	Append(ctx context.Context, e *Event) error
	Annotate(ctx context.Context, e *Event) error
	FindByID(ctx context.Context, id string) (*Event, error)
	FindByIDs(ctx context.Context, ids []string) ([]*Event, error)

	// Head returns the last event of the child's log, or nil when empty.
	Head(ctx context.Context, childID string) (*Event, error)

	// Window returns the child's events whose occurrence time falls within
	// [from, to], in log order.
	Window(ctx context.Context, childID string, from, to time.Time) ([]*Event, error)

	// List returns the family feed in log order.
	List(ctx context.Context, q Query) ([]*Event, error)
}
