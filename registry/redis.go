package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps claims in Redis.
//
// Each record is stored as "<revision>\n<claim json>". Revisions come from a
// per-name counter that is never deleted, so a re-created claim can never
// reuse a revision an old owner still holds. Keys use a hash tag so the record
// and its counter share a cluster slot.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

// swapScript replaces the record if its revision matches ARGV[1].
// Returns -1 if the record is missing, 0 on conflict, else the new revision.
var swapScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return -1
end
local rev = string.match(cur, '^(%d+)\n')
if rev ~= ARGV[1] then
	return 0
end
local nextRev = redis.call('INCR', KEYS[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], nextRev .. '\n' .. ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], nextRev .. '\n' .. ARGV[2])
end
return nextRev
`)

// removeScript deletes the record if its revision matches ARGV[1].
// Returns -1 if the record is missing, 0 on conflict, 1 when deleted.
var removeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return -1
end
local rev = string.match(cur, '^(%d+)\n')
if rev ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// NewRedisBackend creates a backend on client. The caller owns the client.
// An empty prefix means DefaultKeyPrefix.
func NewRedisBackend(client redis.Cmdable, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// claimKey returns the record key: singleton:{name}
func (b *RedisBackend) claimKey(name string) string {
	return b.prefix + ":{" + name + "}"
}

// revKey returns the revision counter key: singleton:{name}:rev
func (b *RedisBackend) revKey(name string) string {
	return b.claimKey(name) + ":rev"
}

func encodeRecord(rev uint64, data []byte) string {
	return strconv.FormatUint(rev, 10) + "\n" + string(data)
}

func decodeRecord(raw string) ([]byte, uint64, error) {
	revStr, data, ok := strings.Cut(raw, "\n")
	if !ok {
		return nil, 0, fmt.Errorf("malformed claim record")
	}
	rev, err := strconv.ParseUint(revStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed claim revision: %w", err)
	}
	return []byte(data), rev, nil
}

// Create stores data with SET NX under a fresh revision.
func (b *RedisBackend) Create(ctx context.Context, name string, data []byte, ttl time.Duration) (uint64, error) {
	rev, err := b.client.Incr(ctx, b.revKey(name)).Uint64()
	if err != nil {
		return 0, fmt.Errorf("redis: claim revision: %w", err)
	}

	ok, err := b.client.SetNX(ctx, b.claimKey(name), encodeRecord(rev, data), ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: claim setnx: %w", err)
	}
	if !ok {
		return 0, ErrExists
	}
	return rev, nil
}

// Get returns the record and its revision.
func (b *RedisBackend) Get(ctx context.Context, name string) ([]byte, uint64, error) {
	raw, err := b.client.Get(ctx, b.claimKey(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("redis: get claim: %w", err)
	}
	return decodeRecord(raw)
}

// Swap replaces the record if it is still at rev.
func (b *RedisBackend) Swap(ctx context.Context, name string, data []byte, rev uint64, ttl time.Duration) (uint64, error) {
	res, err := swapScript.Run(ctx, b.client,
		[]string{b.claimKey(name), b.revKey(name)},
		strconv.FormatUint(rev, 10), string(data), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis: swap claim: %w", err)
	}
	switch {
	case res < 0:
		return 0, ErrNotFound
	case res == 0:
		return 0, ErrConflict
	}
	return uint64(res), nil
}

// Remove deletes the record if it is still at rev.
func (b *RedisBackend) Remove(ctx context.Context, name string, rev uint64) error {
	res, err := removeScript.Run(ctx, b.client,
		[]string{b.claimKey(name)},
		strconv.FormatUint(rev, 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis: remove claim: %w", err)
	}
	if res == 0 {
		return ErrConflict
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (b *RedisBackend) Close() error {
	return nil
}
