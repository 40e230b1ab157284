package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logical expiry is decided by expires_at against the caller's clock; the
// native PX expiry only garbage-collects and always outlives it.
var (
	redisInsertScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local rec = cjson.decode(current)
	if tonumber(rec.expires_at) > tonumber(ARGV[2]) then
		return current
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return false
`)

	redisCompleteScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local rec = cjson.decode(current)
if rec.status ~= ARGV[1] or rec.owner ~= ARGV[2] or tonumber(rec.expires_at) <= tonumber(ARGV[3]) then
	return 0
end
rec.status = ARGV[4]
rec.response = cjson.decode(ARGV[5])
rec.expires_at = tonumber(ARGV[6])
redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', ARGV[7])
return 1
`)

	redisDeleteScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local rec = cjson.decode(current)
if rec.owner ~= ARGV[1] or rec.status ~= ARGV[2] then
	return 0
end
return redis.call('DEL', KEYS[1])
`)
)

// RedisStore is a Store backed by Redis, one JSON document per key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   storeOptions
}

// NewRedisStore returns a RedisStore namespacing keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...StoreOption) *RedisStore {
	if prefix == "" {
		prefix = "idempotency"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		opts:   newStoreOptions(opts),
	}
}

func (s *RedisStore) TryInsertInProgress(ctx context.Context, key string, ttl time.Duration) (Outcome, error) {
	if s == nil || s.client == nil {
		return Outcome{}, errors.New("idempotency: redis store is not initialized")
	}

	now := s.opts.now()
	rec := Record{
		Key:       key,
		Status:    StatusInProgress,
		Owner:     s.opts.newOwner(),
		CreatedAt: now,
		ExpiresAt: expiryEpoch(now, ttl),
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal record: %w", err)
	}

	existing, err := redisInsertScript.Run(ctx, s.client, []string{s.fullKey(key)},
		string(doc),
		now.Unix(),
		gcMillis(ttl),
	).Text()
	if errors.Is(err, redis.Nil) {
		return Outcome{Inserted: true, Record: rec}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("redis insert: %w", err)
	}

	var blocking Record
	if err := json.Unmarshal([]byte(existing), &blocking); err != nil {
		return Outcome{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return Outcome{Record: blocking}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key, owner string, resp Response, ttl time.Duration) error {
	now := s.opts.now()
	doc, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	updated, err := redisCompleteScript.Run(ctx, s.client, []string{s.fullKey(key)},
		string(StatusInProgress),
		owner,
		now.Unix(),
		string(StatusComplete),
		string(doc),
		expiryEpoch(now, ttl),
		gcMillis(ttl),
	).Int()
	if err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}
	if updated == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key, owner string) error {
	if err := redisDeleteScript.Run(ctx, s.client, []string{s.fullKey(key)}, owner, string(StatusInProgress)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if rec.Expired(s.opts.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *RedisStore) fullKey(key string) string {
	return s.prefix + ":" + key
}

// gcMillis is the native expiry: the logical ttl plus a second of slack for
// the round-up in expiryEpoch.
func gcMillis(ttl time.Duration) string {
	return strconv.FormatInt(ttl.Milliseconds()+int64(time.Second/time.Millisecond), 10)
}

var _ Store = (*RedisStore)(nil)
