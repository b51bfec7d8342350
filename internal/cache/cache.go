// Package cache keeps job snapshots in Redis so status polling does not hit
// the job store on every request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahmethakanbesel/candle-collector/internal/job"
)

// RedisCache implements job.SnapshotCache using go-redis/v9.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new RedisCache from a Redis URL. Snapshots expire
// after ttl; zero keeps them until overwritten or deleted.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// putIfNewer stores a snapshot unless the cached one carries a higher
// version. KEYS[1] key, ARGV[1] payload, ARGV[2] version, ARGV[3] ttl in ms.
var putIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, doc = pcall(cjson.decode, cur)
  if ok and type(doc) == 'table' and tonumber(doc.version) and tonumber(doc.version) > tonumber(ARGV[2]) then
    return 0
  end
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// Put stores a snapshot of j. A snapshot older than the cached one is
// dropped, so a slow reader cannot roll back a newer status.
func (c *RedisCache) Put(ctx context.Context, j *job.Job) error {
	b, err := json.Marshal(snapshot{Job: j, Version: j.Version})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return putIfNewer.Run(ctx, c.client, []string{JobSnapshotKey(j.ID)}, b, j.Version, c.ttl.Milliseconds()).Err()
}

func (c *RedisCache) Get(ctx context.Context, id string) (*job.Job, bool, error) {
	b, err := c.client.Get(ctx, JobSnapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var s snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	s.Job.Version = s.Version
	return s.Job, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, JobSnapshotKey(id)).Err()
}

// snapshot carries the version that the job's JSON form omits.
type snapshot struct {
	*job.Job
	Version int64 `json:"version"`
}
