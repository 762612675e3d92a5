package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/redis/go-redis/v9"

	"github.com/glideops/flightbridge/internal/adapter/observability"
)

// Redis is the production cache backend. Values are lz4-frame
// compressed before storage; flight lists compress well and the
// remote store charges per byte.
type Redis struct {
	rdb *redis.Client
}

// NewRedis returns a redis-backed cache talking to addr (host:port).
func NewRedis(addr string) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisWithClient wraps an existing client (used by tests).
func NewRedisWithClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Get returns the decompressed value for key, or ok=false on a miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.CacheOpsTotal.WithLabelValues("redis", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		observability.CacheOpsTotal.WithLabelValues("redis", "error").Inc()
		return nil, false, fmt.Errorf("op=cache.Redis.Get: %w", err)
	}
	out, err := decompress(raw)
	if err != nil {
		return nil, false, fmt.Errorf("op=cache.Redis.Get: %w", err)
	}
	observability.CacheOpsTotal.WithLabelValues("redis", "hit").Inc()
	return out, true, nil
}

// Set stores the compressed value under key for ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, compress(value), ttl).Err(); err != nil {
		observability.CacheOpsTotal.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("op=cache.Redis.Set: %w", err)
	}
	observability.CacheOpsTotal.WithLabelValues("redis", "set").Inc()
	return nil
}

// Ping reports backend reachability; used by readiness checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func compress(in []byte) []byte {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	_, _ = w.Write(in)
	_ = w.Close()
	return buf.Bytes()
}

func decompress(in []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(in)))
}
