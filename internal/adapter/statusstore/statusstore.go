// Package statusstore keeps the short-lived progress records the UI
// polls while an upload works its way through the pipeline.
package statusstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glideops/flightbridge/internal/domain"
)

// TTL is how long a progress record survives after its last write.
// Long enough for the UI's polling loop, short enough that stale
// entries never mislead a later upload of the same flight.
const TTL = 5 * time.Minute

func resultKey(flightID int64) string { return fmt.Sprintf("upload_result:%d", flightID) }
func statusKey(flightID int64) string { return fmt.Sprintf("upload_status:%d", flightID) }

// Redis stores upload progress in redis with per-key expiry.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Set(ctx context.Context, flightID int64, result, status string) error {
	if err := r.client.Set(ctx, resultKey(flightID), result, TTL).Err(); err != nil {
		return fmt.Errorf("op=statusstore.Set: %w", err)
	}
	if err := r.client.Set(ctx, statusKey(flightID), status, TTL).Err(); err != nil {
		return fmt.Errorf("op=statusstore.Set: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, flightID int64) (domain.UploadStatus, error) {
	var st domain.UploadStatus
	result, err := r.client.Get(ctx, resultKey(flightID)).Result()
	if err != nil && err != redis.Nil {
		return st, fmt.Errorf("op=statusstore.Get: %w", err)
	}
	status, err := r.client.Get(ctx, statusKey(flightID)).Result()
	if err != nil && err != redis.Nil {
		return st, fmt.Errorf("op=statusstore.Get: %w", err)
	}
	st.Result = result
	st.Status = status
	return st, nil
}

// Memory is the local-development store. Records expire lazily on read.
type Memory struct {
	mu      sync.Mutex
	entries map[int64]memoryEntry

	now func() time.Time
}

type memoryEntry struct {
	status   domain.UploadStatus
	expireAt time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[int64]memoryEntry), now: time.Now}
}

func (m *Memory) Set(_ context.Context, flightID int64, result, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[flightID] = memoryEntry{
		status:   domain.UploadStatus{Result: result, Status: status},
		expireAt: m.now().Add(TTL),
	}
	return nil
}

func (m *Memory) Get(_ context.Context, flightID int64) (domain.UploadStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[flightID]
	if !ok {
		return domain.UploadStatus{}, nil
	}
	if m.now().After(e.expireAt) {
		delete(m.entries, flightID)
		return domain.UploadStatus{}, nil
	}
	return e.status, nil
}

var (
	_ domain.StatusStore = (*Redis)(nil)
	_ domain.StatusStore = (*Memory)(nil)
)
