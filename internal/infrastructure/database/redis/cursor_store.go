package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/CareCircle/internal/domain/replay"
)

// saveCursorScript only moves a cursor forward.
var saveCursorScript = redis.NewScript(`
	local cur = redis.call("HGET", KEYS[1], "last_seq")
	if cur and tonumber(cur) > tonumber(ARGV[1]) then
		return 0
	end
	redis.call("HSET", KEYS[1], "last_seq", ARGV[1], "member_id", ARGV[2], "updated_at", ARGV[3])
	return 1
`)

// CursorStore implements replay.CursorRepository.
type CursorStore struct {
	client *Client
}

func NewCursorStore(client *Client) *CursorStore {
	return &CursorStore{client: client}
}

func (s *CursorStore) key(familyID, deviceID string) string {
	return s.client.Key("cursor", familyID, deviceID)
}

func (s *CursorStore) Get(ctx context.Context, familyID, deviceID string) (*replay.Cursor, error) {
	rdb, err := s.client.Universal()
	if err != nil {
		return nil, err
	}
	fields, err := rdb.HGetAll(ctx, s.key(familyID, deviceID)).Result()
	if err != nil {
		return nil, wrapErr(err, "cursor get")
	}
	if len(fields) == 0 {
		return nil, nil
	}
	seq, _ := strconv.ParseInt(fields["last_seq"], 10, 64)
	updated, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])
	return &replay.Cursor{
		FamilyID:  familyID,
		DeviceID:  deviceID,
		MemberID:  fields["member_id"],
		LastSeq:   seq,
		UpdatedAt: updated,
	}, nil
}

func (s *CursorStore) Save(ctx context.Context, c *replay.Cursor) error {
	rdb, err := s.client.Universal()
	if err != nil {
		return err
	}
	err = saveCursorScript.Run(ctx, rdb, []string{s.key(c.FamilyID, c.DeviceID)},
		c.LastSeq, c.MemberID, c.UpdatedAt.UTC().Format(time.RFC3339Nano)).Err()
	return wrapErr(err, "cursor save")
}
