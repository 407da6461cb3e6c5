package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/zonekit/zonecore/internal/core/domain"
)

// conditionalPutScript performs the compare-and-swap atomically inside
// Redis. A missing hash counts as version 0 so first writes and subsequent
// writes share one code path.
var conditionalPutScript = redis.NewScript(`
local key = KEYS[1]
local quantity = ARGV[1]
local expected = tonumber(ARGV[2])

local version = redis.call('HGET', key, 'version')
if not version then
	version = 0
else
	version = tonumber(version)
end

if version ~= expected then
	return 0
end

redis.call('HSET', key, 'quantity', quantity, 'version', version + 1)
return 1
`)

// RedisStore keeps each record in a hash of {quantity, version} and relies
// on Redis script atomicity for the compare-and-swap.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) (int64, int64, error) {
	fields, err := r.client.HMGet(ctx, key, "quantity", "version").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: read record: %v", domain.ErrStorageUnavailable, err)
	}

	quantity, err := parseHashField(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parse quantity for %s: %w", key, err)
	}
	version, err := parseHashField(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parse version for %s: %w", key, err)
	}

	return quantity, version, nil
}

func (r *RedisStore) ConditionalPut(ctx context.Context, key string, quantity int64, expectedVersion int64) (bool, error) {
	result, err := conditionalPutScript.Run(ctx, r.client, []string{key}, quantity, expectedVersion).Int()
	if err != nil {
		return false, fmt.Errorf("%w: conditional put: %v", domain.ErrStorageUnavailable, err)
	}

	return result == 1, nil
}

// Seed installs a record directly, bypassing version checks. Test setup only.
func (r *RedisStore) Seed(ctx context.Context, key string, quantity, version int64) error {
	return r.client.HSet(ctx, key, "quantity", quantity, "version", version).Err()
}

func parseHashField(field any) (int64, error) {
	if field == nil {
		return 0, nil
	}
	s, ok := field.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected field type %T", field)
	}
	return strconv.ParseInt(s, 10, 64)
}
