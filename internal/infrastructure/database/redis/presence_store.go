package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/CareCircle/internal/domain/presence"
	"github.com/turtacn/CareCircle/pkg/errors"
)

const presenceTxRetries = 8

// PresenceStore implements presence.Store with one hash per family, keyed by
// user ID. Each entry carries its own expiry; the hash key itself expires
// once the most recent write's TTL lapses.
type PresenceStore struct {
	client *Client
	now    func() time.Time
}

type presenceEntry struct {
	presence.Record
	ExpiresAt time.Time `json:"expires_at"`
}

// NewPresenceStore returns a store reading entry expiry against now. A nil
// now uses the wall clock.
func NewPresenceStore(client *Client, now func() time.Time) *PresenceStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &PresenceStore{client: client, now: now}
}

func (s *PresenceStore) familyKey(familyID string) string { return s.client.Key("presence", "{"+familyID+"}") }
func (s *PresenceStore) indexKey() string                 { return s.client.Key("presence", "families") }

func (s *PresenceStore) Upsert(ctx context.Context, r *presence.Record, ttl time.Duration) (*presence.Record, error) {
	key := s.familyKey(r.FamilyID)
	raw, err := json.Marshal(presenceEntry{Record: *r, ExpiresAt: s.now().Add(ttl)})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSerialization, "encode presence record")
	}

	var prev *presence.Record
	err = s.transact(ctx, key, func(tx *redis.Tx) error {
		prev = nil
		old, err := s.load(ctx, tx, key, r.UserID)
		if err != nil {
			return err
		}
		if old != nil {
			prev = old.Record.Clone()
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, r.UserID, raw)
			pipe.PExpire(ctx, key, ttl)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	// The index lives outside the family's hash slot, so it is written
	// after the transaction commits.
	if rdb, err := s.client.Universal(); err == nil {
		if err := rdb.SAdd(ctx, s.indexKey(), r.FamilyID).Err(); err != nil {
			return nil, wrapErr(err, "presence index")
		}
	}
	return prev, nil
}

func (s *PresenceStore) List(ctx context.Context, familyID string) ([]*presence.Record, error) {
	rdb, err := s.client.Universal()
	if err != nil {
		return nil, err
	}
	key := s.familyKey(familyID)
	all, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err, "presence list")
	}

	now := s.now()
	out := make([]*presence.Record, 0, len(all))
	var expired []string
	for userID, raw := range all {
		var e presenceEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil || !now.Before(e.ExpiresAt) {
			expired = append(expired, userID)
			continue
		}
		out = append(out, e.Record.Clone())
	}
	if len(expired) > 0 {
		// Best effort; a concurrent heartbeat for the same user rewrites the field.
		_ = rdb.HDel(ctx, key, expired...).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *PresenceStore) Families(ctx context.Context) ([]string, error) {
	rdb, err := s.client.Universal()
	if err != nil {
		return nil, err
	}
	ids, err := rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, wrapErr(err, "presence families")
	}
	out := ids[:0]
	for _, id := range ids {
		n, err := rdb.Exists(ctx, s.familyKey(id)).Result()
		if err != nil {
			return nil, wrapErr(err, "presence families")
		}
		if n == 0 {
			_ = rdb.SRem(ctx, s.indexKey(), id).Err()
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *PresenceStore) MarkOffline(ctx context.Context, familyID, userID string, cutoff, now time.Time, ttl time.Duration) (*presence.Record, bool, error) {
	key := s.familyKey(familyID)
	var (
		result  *presence.Record
		flipped bool
	)
	err := s.transact(ctx, key, func(tx *redis.Tx) error {
		result, flipped = nil, false
		e, err := s.load(ctx, tx, key, userID)
		if err != nil || e == nil {
			return err
		}
		if e.Status == presence.StatusOffline || !e.LastHeartbeat.Before(cutoff) {
			result = e.Record.Clone()
			return nil
		}
		e.Status = presence.StatusOffline
		e.ChildID = ""
		e.UpdatedAt = now
		e.ExpiresAt = s.now().Add(ttl)
		raw, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, errors.CodeSerialization, "encode presence record")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, userID, raw)
			pipe.PExpire(ctx, key, ttl)
			return nil
		})
		if err == nil {
			result, flipped = e.Record.Clone(), true
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, flipped, nil
}

func (s *PresenceStore) Delete(ctx context.Context, familyID, userID string) error {
	rdb, err := s.client.Universal()
	if err != nil {
		return err
	}
	return wrapErr(rdb.HDel(ctx, s.familyKey(familyID), userID).Err(), "presence delete")
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// load reads one live entry; expired and missing entries both yield nil.
func (s *PresenceStore) load(ctx context.Context, cmd hashGetter, key, userID string) (*presenceEntry, error) {
	raw, err := cmd.HGet(ctx, key, userID).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e presenceEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, nil
	}
	if !s.now().Before(e.ExpiresAt) {
		return nil, nil
	}
	return &e, nil
}

// transact runs fn under WATCH on key, retrying when another writer touched
// the key first.
func (s *PresenceStore) transact(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	rdb, err := s.client.Universal()
	if err != nil {
		return err
	}
	for i := 0; i < presenceTxRetries; i++ {
		err = rdb.Watch(ctx, fn, key)
		if !stderrors.Is(err, redis.TxFailedErr) {
			return wrapErr(err, "presence transaction")
		}
	}
	return wrapErr(err, "presence transaction")
}
