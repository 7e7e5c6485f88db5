package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefixSnapshot prefixes the per-scope snapshot hash.
const KeyPrefixSnapshot = "ratelimit:scope:"

// mergeScript keeps the stored snapshot unless the incoming one supersedes it.
// KEYS[1] = snapshot hash
// ARGV[1] = remaining, ARGV[2] = limit, ARGV[3] = reset unix seconds, ARGV[4] = ttl seconds
var mergeScript = redis.NewScript(`
local cur_reset = tonumber(redis.call('HGET', KEYS[1], 'reset') or '-1')
local cur_remaining = tonumber(redis.call('HGET', KEYS[1], 'remaining') or '-1')
local reset = tonumber(ARGV[3])
local remaining = tonumber(ARGV[1])

if cur_reset == -1 or reset > cur_reset or (reset == cur_reset and remaining <= cur_remaining) then
	redis.call('HSET', KEYS[1], 'remaining', ARGV[1], 'limit', ARGV[2], 'reset', ARGV[3])
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
end

return redis.call('HMGET', KEYS[1], 'remaining', 'limit', 'reset')
`)

// RedisSnapshotStore shares snapshots between worker processes.
type RedisSnapshotStore struct {
	redis redis.Cmdable
	now   func() time.Time
}

// NewRedisSnapshotStore creates a store backed by client.
func NewRedisSnapshotStore(client redis.Cmdable) (*RedisSnapshotStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisSnapshotStore{redis: client, now: time.Now}, nil
}

func snapshotKey(scopeID int64) string {
	return KeyPrefixSnapshot + strconv.FormatInt(scopeID, 10)
}

// Merge implements SnapshotStore.
func (s *RedisSnapshotStore) Merge(ctx context.Context, scopeID int64, snap Snapshot) (Snapshot, error) {
	ttl := int64(snap.ResetAt.Sub(s.now()).Seconds()) + int64(time.Hour.Seconds())
	if ttl < 60 {
		ttl = 60
	}

	raw, err := mergeScript.Run(ctx, s.redis,
		[]string{snapshotKey(scopeID)},
		snap.Remaining, snap.Limit, snap.ResetAt.Unix(), ttl,
	).Slice()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to merge snapshot: %w", err)
	}

	merged, err := parseSnapshot(raw)
	if err != nil {
		return Snapshot{}, err
	}
	merged.ObservedAt = snap.ObservedAt
	return *merged, nil
}

// Load implements SnapshotStore.
func (s *RedisSnapshotStore) Load(ctx context.Context, scopeID int64) (*Snapshot, error) {
	raw, err := s.redis.HMGet(ctx, snapshotKey(scopeID), "remaining", "limit", "reset").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if len(raw) == 3 && raw[0] == nil {
		return nil, nil
	}
	snap, err := parseSnapshot(raw)
	if err != nil {
		return nil, err
	}
	snap.ObservedAt = s.now()
	return snap, nil
}

func parseSnapshot(raw []interface{}) (*Snapshot, error) {
	if len(raw) != 3 {
		return nil, fmt.Errorf("unexpected snapshot shape: %d fields", len(raw))
	}
	values := make([]int64, 3)
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected snapshot field type %T", v)
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot field: %w", err)
		}
		values[i] = n
	}
	return &Snapshot{
		Remaining: int(values[0]),
		Limit:     int(values[1]),
		ResetAt:   time.Unix(values[2], 0),
	}, nil
}
