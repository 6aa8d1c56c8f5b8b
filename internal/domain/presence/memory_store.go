package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	record    *Record
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Entries past their TTL are invisible
// and are reclaimed lazily.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	families map[string]map[string]*memoryEntry
}

// NewMemoryStore returns an empty store reading time from now. A nil now uses
// the wall clock.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{now: now, families: make(map[string]map[string]*memoryEntry)}
}

func (s *MemoryStore) Upsert(_ context.Context, r *Record, ttl time.Duration) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.families[r.FamilyID]
	if !ok {
		users = make(map[string]*memoryEntry)
		s.families[r.FamilyID] = users
	}
	var prev *Record
	if e, ok := users[r.UserID]; ok && s.live(e) {
		prev = e.record.Clone()
	}
	users[r.UserID] = &memoryEntry{record: r.Clone(), expiresAt: s.now().Add(ttl)}
	return prev, nil
}

func (s *MemoryStore) List(_ context.Context, familyID string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.families[familyID]
	out := make([]*Record, 0, len(users))
	for userID, e := range users {
		if !s.live(e) {
			delete(users, userID)
			continue
		}
		out = append(out, e.record.Clone())
	}
	if len(users) == 0 {
		delete(s.families, familyID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) Families(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.families))
	for id := range s.families {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, familyID, userID string, cutoff, now time.Time, ttl time.Duration) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.families[familyID][userID]
	if !ok || !s.live(e) {
		return nil, false, nil
	}
	if e.record.Status == StatusOffline || !e.record.LastHeartbeat.Before(cutoff) {
		return e.record.Clone(), false, nil
	}
	e.record.Status = StatusOffline
	e.record.ChildID = ""
	e.record.UpdatedAt = now
	e.expiresAt = s.now().Add(ttl)
	return e.record.Clone(), true, nil
}

func (s *MemoryStore) Delete(_ context.Context, familyID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if users, ok := s.families[familyID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.families, familyID)
		}
	}
	return nil
}

func (s *MemoryStore) live(e *memoryEntry) bool {
	return s.now().Before(e.expiresAt)
}
