// Package cache implements aggregate snapshot caches
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aneshas/eventstore/v2/aggregate"
	"github.com/redis/go-redis/v9"
)

var _ aggregate.SnapshotCache = (*Redis)(nil)

// Client is the subset of redis.Cmdable used by the cache
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisOpt represents redis cache option
type RedisOpt func(*Redis)

// WithTTL sets snapshot expiration. Zero means no expiration
func WithTTL(ttl time.Duration) RedisOpt {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// WithPrefix sets the key prefix (defaults to "snapshot")
func WithPrefix(prefix string) RedisOpt {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis constructs a redis backed snapshot cache
func NewRedis(client Client, opts ...RedisOpt) *Redis {
	r := Redis{
		client: client,
		prefix: "snapshot",
		ttl:    24 * time.Hour,
	}

	for _, opt := range opts {
		opt(&r)
	}

	return &r
}

// Redis caches the latest snapshot of every aggregate as json
type Redis struct {
	client Client
	prefix string
	ttl    time.Duration
}

type redisSnapshot struct {
	StreamID        string `json:"stream_id"`
	StreamType      string `json:"stream_type"`
	Version         int    `json:"version"`
	BusinessVersion int    `json:"business_version"`
	State           []byte `json:"state"`
}

func (r *Redis) key(streamType, streamID string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, streamType, streamID)
}

// Get returns the cached snapshot. A miss is not an error
func (r *Redis) Get(ctx context.Context, streamType, streamID string) (aggregate.Snapshot, bool, error) {
	data, err := r.client.Get(ctx, r.key(streamType, streamID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return aggregate.Snapshot{}, false, nil
		}

		return aggregate.Snapshot{}, false, err
	}

	var s redisSnapshot

	if err := json.Unmarshal(data, &s); err != nil {
		return aggregate.Snapshot{}, false, fmt.Errorf("cached snapshot %s: %w", streamID, err)
	}

	return aggregate.Snapshot(s), true, nil
}

// Set caches the snapshot
func (r *Redis) Set(ctx context.Context, snapshot aggregate.Snapshot) error {
	data, err := json.Marshal(redisSnapshot(snapshot))
	if err != nil {
		return err
	}

	return r.client.Set(ctx, r.key(snapshot.StreamType, snapshot.StreamID), data, r.ttl).Err()
}

// Delete evicts the cached snapshot
func (r *Redis) Delete(ctx context.Context, streamType, streamID string) error {
	return r.client.Del(ctx, r.key(streamType, streamID)).Err()
}
