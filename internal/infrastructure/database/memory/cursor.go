package memory

import (
	"context"
	"sync"

	"github.com/turtacn/CareCircle/internal/domain/replay"
)

// CursorRepository implements replay.CursorRepository.
type CursorRepository struct {
	mu      sync.RWMutex
	cursors map[string]replay.Cursor
}

// NewCursorRepository returns an empty repository.
func NewCursorRepository() *CursorRepository {
	return &CursorRepository{cursors: make(map[string]replay.Cursor)}
}

func cursorKey(familyID, deviceID string) string { return familyID + "/" + deviceID }

func (r *CursorRepository) Get(_ context.Context, familyID, deviceID string) (*replay.Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cursors[cursorKey(familyID, deviceID)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *CursorRepository) Save(_ context.Context, c *replay.Cursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cursorKey(c.FamilyID, c.DeviceID)
	if existing, ok := r.cursors[key]; ok && existing.LastSeq > c.LastSeq {
		return nil
	}
	r.cursors[key] = *c
	return nil
}
