package authapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle counts failed logins per key in fixed windows.
type Throttle interface {
	// Check returns a positive retry-after when key has reached limit in its current window.
	Check(ctx context.Context, key string, limit int) (time.Duration, error)
	// Record counts one failure; the first failure opens a window of the given length.
	Record(ctx context.Context, key string, window time.Duration) error
	Reset(ctx context.Context, key string) error
}

// MemoryThrottle is a process-local Throttle.
type MemoryThrottle struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]throttleWindow
}

type throttleWindow struct {
	count   int
	expires time.Time
}

var _ Throttle = (*MemoryThrottle)(nil)

// NewMemoryThrottle returns an empty in-process throttle.
func NewMemoryThrottle() *MemoryThrottle {
	return &MemoryThrottle{
		now:     time.Now,
		windows: make(map[string]throttleWindow),
	}
}

func (t *MemoryThrottle) Check(_ context.Context, key string, limit int) (time.Duration, error) {
	if limit <= 0 || key == "" {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	w, ok := t.windows[key]
	if !ok {
		return 0, nil
	}
	if !now.Before(w.expires) {
		delete(t.windows, key)
		return 0, nil
	}
	if w.count < limit {
		return 0, nil
	}
	return w.expires.Sub(now), nil
}

func (t *MemoryThrottle) Record(_ context.Context, key string, window time.Duration) error {
	if key == "" || window <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	w, ok := t.windows[key]
	if !ok || !now.Before(w.expires) {
		w = throttleWindow{expires: now.Add(window)}
	}
	w.count++
	t.windows[key] = w
	return nil
}

func (t *MemoryThrottle) Reset(_ context.Context, key string) error {
	t.mu.Lock()
	delete(t.windows, key)
	t.mu.Unlock()
	return nil
}

// RedisThrottle shares failure counters between instances through Redis.
type RedisThrottle struct {
	rdb    redis.Cmdable
	prefix string
}

var _ Throttle = (*RedisThrottle)(nil)

// NewRedisThrottle builds a throttle whose keys live under "chatmate:login:".
func NewRedisThrottle(rdb redis.Cmdable) *RedisThrottle {
	return &RedisThrottle{rdb: rdb, prefix: "chatmate:login:"}
}

func (t *RedisThrottle) Check(ctx context.Context, key string, limit int) (time.Duration, error) {
	if limit <= 0 || key == "" {
		return 0, nil
	}
	n, err := t.rdb.Get(ctx, t.prefix+key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n < limit {
		return 0, nil
	}
	ttl, err := t.rdb.TTL(ctx, t.prefix+key).Result()
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return ttl, nil
}

func (t *RedisThrottle) Record(ctx context.Context, key string, window time.Duration) error {
	if key == "" || window <= 0 {
		return nil
	}
	n, err := t.rdb.Incr(ctx, t.prefix+key).Result()
	if err != nil {
		return err
	}
	if n == 1 {
		return t.rdb.Expire(ctx, t.prefix+key, window).Err()
	}
	return nil
}

func (t *RedisThrottle) Reset(ctx context.Context, key string) error {
	return t.rdb.Del(ctx, t.prefix+key).Err()
}

func ipThrottleKey(ip string) string { return "ip:" + ip }

func userThrottleKey(normalized string) string { return "user:" + normalized }

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
