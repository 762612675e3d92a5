// Package cache implements the result cache fronting pure UCS reads:
// a deterministic key builder plus pluggable TTL backends (in-process
// map for local runs, redis with lz4-compressed values in production).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glideops/flightbridge/internal/adapter/observability"
	"github.com/glideops/flightbridge/internal/domain"
)

// BypassUserID is the sentinel upstream user id whose calls must never
// be served from cache. Keys built for it are unique per call.
const BypassUserID = 81464

// BuildKey derives the cache key for op from its positional and
// keyword arguments. Positional arguments whose string form begins
// with "_" and keyword arguments whose name begins with "_" do not
// contribute. At least one argument must remain or the call is a
// programmer error.
func BuildKey(op string, args []any, kwargs map[string]any) (string, error) {
	if len(args) > 0 {
		if id, ok := asInt(args[0]); ok && id == BypassUserID {
			return fmt.Sprintf("%s:no_cache_%s", op, uuid.NewString()), nil
		}
	}
	kept := make([]string, 0, len(args))
	for _, a := range args {
		s := stringify(a)
		if strings.HasPrefix(s, "_") {
			continue
		}
		kept = append(kept, s)
	}
	names := make([]string, 0, len(kwargs))
	for k := range kwargs {
		if strings.HasPrefix(k, "_") {
			continue
		}
		names = append(names, k)
	}
	if len(kept)+len(names) == 0 {
		return "", fmt.Errorf("%w: op=cache.BuildKey: no arguments contribute to key for %q", domain.ErrInternal, op)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(op)
	b.WriteByte(':')
	b.WriteString(strings.Join(kept, ","))
	b.WriteByte(':')
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(stringify(kwargs[k]))
	}
	return b.String(), nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprintf("%v", v)
}

// Through runs fetch with cache-aside semantics: a hit is decoded and
// returned, a miss runs fetch and stores its result under key for ttl.
// Errors are never cached.
func Through[T any](ctx context.Context, c domain.Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, ok, err := c.Get(ctx, key)
	if err != nil {
		// A broken cache must not break the read path.
		slog.Warn("cache get failed", slog.String("key", key), slog.Any("error", err))
	}
	if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			slog.Debug("cache hit", slog.String("key", key))
			observability.CacheOpsTotal.WithLabelValues("wrap", "hit").Inc()
			return v, nil
		}
		slog.Warn("cache entry undecodable, refetching", slog.String("key", key))
	}
	observability.CacheOpsTotal.WithLabelValues("wrap", "miss").Inc()
	v, err := fetch(ctx)
	if err != nil {
		return zero, err
	}
	if raw, err := json.Marshal(v); err == nil {
		if err := c.Set(ctx, key, raw, ttl); err != nil {
			slog.Warn("cache set failed", slog.String("key", key), slog.Any("error", err))
		} else {
			observability.CacheOpsTotal.WithLabelValues("wrap", "set").Inc()
		}
	}
	return v, nil
}
