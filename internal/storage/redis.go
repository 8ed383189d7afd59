package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/fedlogin/internal/crypto"
	"github.com/dgellow/fedlogin/internal/log"
	"github.com/redis/go-redis/v9"
)

// Ensure RedisPendingStore implements PendingStore
var _ PendingStore = (*RedisPendingStore)(nil)

// expiredRetention keeps expired pendings readable for a while so a late
// callback reports an expired state instead of an unknown one.
const expiredRetention = time.Minute

// RedisConfig configures the redis pending store
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisPendingStore keeps pending authorizations in redis so every replica
// behind a load balancer sees the same state tokens.
//
// Each pending is a hash with fields data (JSON), flow, consumed ("0"/"1")
// and expires_at (unix millis). All transitions run as Lua scripts, which redis
// executes atomically.
type RedisPendingStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisPendingStore connects to redis and verifies the connection
func NewRedisPendingStore(ctx context.Context, cfg RedisConfig) (*RedisPendingStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisPendingStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisPendingStoreWithClient wraps a pre-configured client (miniredis in tests)
func NewRedisPendingStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisPendingStore {
	if keyPrefix == "" {
		keyPrefix = "fedlogin"
	}
	return &RedisPendingStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// key never embeds the state token itself, so a keyspace dump cannot be
// replayed against the callback
func (s *RedisPendingStore) key(state string) string {
	return s.keyPrefix + ":pending:" + crypto.HashToken(state)
}

// createPendingScript stores a pending hash unless the key already exists.
// Returns 1 on success, 0 on collision.
var createPendingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'flow', ARGV[4], 'consumed', '0', 'expires_at', ARGV[2])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return 1
`)

// consumePendingScript is the compare-and-set on the consumed flag.
// Returns {0} unknown, {2} already consumed, {3} expired, {4} other flow,
// {1, data} success.
var consumePendingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {0}
end
if redis.call('HGET', KEYS[1], 'flow') ~= ARGV[2] then
	return {4}
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if expires <= tonumber(ARGV[1]) then
	return {3}
end
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
	return {2}
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return {1, redis.call('HGET', KEYS[1], 'data')}
`)

// releasePendingScript returns 1 when the key exists, 0 otherwise.
var releasePendingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'consumed', '0')
return 1
`)

// CreatePending stores a new pending authorization
func (s *RedisPendingStore) CreatePending(ctx context.Context, p *PendingAuthorization) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	expireAt := p.ExpiresAt.Add(expiredRetention).UnixMilli()
	created, err := createPendingScript.Run(ctx, s.client,
		[]string{s.key(p.StateToken)},
		string(data), p.ExpiresAt.UnixMilli(), expireAt, string(p.Flow),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to create pending authorization: %w", err)
	}
	if created == 0 {
		return ErrPendingExists
	}
	return nil
}

// ConsumePending atomically flips the consumed flag
func (s *RedisPendingStore) ConsumePending(ctx context.Context, state string, flow FlowKind, now time.Time) (*PendingAuthorization, error) {
	result, err := consumePendingScript.Run(ctx, s.client, []string{s.key(state)}, now.UnixMilli(), string(flow)).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("failed to consume pending authorization: empty script result")
	}

	status, _ := result[0].(int64)
	switch status {
	case 0:
		return nil, ErrPendingNotFound
	case 2:
		return nil, ErrPendingConsumed
	case 3:
		return nil, ErrPendingExpired
	case 4:
		return nil, ErrPendingFlowMismatch
	case 1:
	default:
		return nil, fmt.Errorf("failed to consume pending authorization: unexpected status %d", status)
	}

	if len(result) < 2 {
		return nil, fmt.Errorf("failed to consume pending authorization: missing data")
	}
	data, ok := result[1].(string)
	if !ok {
		return nil, fmt.Errorf("failed to consume pending authorization: unexpected data type %T", result[1])
	}

	var p PendingAuthorization
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	p.Consumed = true
	return &p, nil
}

// ReleasePending resets the consumed flag
func (s *RedisPendingStore) ReleasePending(ctx context.Context, state string) error {
	released, err := releasePendingScript.Run(ctx, s.client, []string{s.key(state)}).Int()
	if err != nil {
		return fmt.Errorf("failed to release pending authorization: %w", err)
	}
	if released == 0 {
		return ErrPendingNotFound
	}
	return nil
}

// DeleteExpiredPending is a no-op: redis expires keys on its own.
func (s *RedisPendingStore) DeleteExpiredPending(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// Close closes the redis client
func (s *RedisPendingStore) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		log.LogWarnWithFields("storage", "Failed to close redis client", map[string]any{
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// Ping checks that redis answers
func (s *RedisPendingStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
