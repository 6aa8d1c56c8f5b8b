package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/turtacn/CareCircle/pkg/errors"
)

var ErrLockNotHeld = errors.New(errors.ErrCodeConflict, "lock not held by this owner")

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Mutex is a single-owner lease. Only the holder that acquired it can
// extend or release it; an unreleased lease lapses after its TTL.
type Mutex struct {
	client *Client
	key    string
	value  string
	ttl    time.Duration
}

// NewMutex returns a mutex named name with lease ttl.
func (c *Client) NewMutex(name string, ttl time.Duration) *Mutex {
	return &Mutex{client: c, key: c.Key("lock", name), value: uuid.NewString(), ttl: ttl}
}

// TryLock acquires the lease without waiting.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	rdb, err := m.client.Universal()
	if err != nil {
		return false, err
	}
	ok, err := rdb.SetNX(ctx, m.key, m.value, m.ttl).Result()
	if err != nil {
		return false, wrapErr(err, "lock acquire")
	}
	return ok, nil
}

// Extend renews the lease; false means it was lost.
func (m *Mutex) Extend(ctx context.Context) (bool, error) {
	rdb, err := m.client.Universal()
	if err != nil {
		return false, err
	}
	n, err := extendScript.Run(ctx, rdb, []string{m.key}, m.value, m.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, wrapErr(err, "lock extend")
	}
	return n == 1, nil
}

func (m *Mutex) Unlock(ctx context.Context) error {
	rdb, err := m.client.Universal()
	if err != nil {
		return err
	}
	n, err := unlockScript.Run(ctx, rdb, []string{m.key}, m.value).Int64()
	if err != nil {
		return wrapErr(err, "lock release")
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Leader adapts a Mutex to a leadership check for periodic jobs: the
// current holder keeps extending, everyone else keeps trying.
type Leader struct {
	mu   *Mutex
	held bool
}

func (c *Client) NewLeader(name string, ttl time.Duration) *Leader {
	return &Leader{mu: c.NewMutex(name, ttl)}
}

// Acquire reports whether this process leads for the next TTL.
func (l *Leader) Acquire(ctx context.Context) (bool, error) {
	if l.held {
		ok, err := l.mu.Extend(ctx)
		if err != nil {
			l.held = false
			return false, err
		}
		if ok {
			return true, nil
		}
		l.held = false
	}
	ok, err := l.mu.TryLock(ctx)
	l.held = ok
	return ok, err
}

// Release gives up leadership if held.
func (l *Leader) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	return l.mu.Unlock(ctx)
}
