package authapi

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"chatmate/internal/identity/ids"
)

func TestRedisThrottle_WindowAndReset(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("CHATMATE_REDIS_ADDR"))
	if addr == "" {
		t.Skip("CHATMATE_REDIS_ADDR not set; skipping redis integration test")
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}

	suffix, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	key := userThrottleKey("it_" + strings.ToLower(suffix))

	th := NewRedisThrottle(rdb)
	t.Cleanup(func() { _ = th.Reset(context.Background(), key) })

	for i := 0; i < 2; i++ {
		if err := th.Record(ctx, key, time.Minute); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	retry, err := th.Check(ctx, key, 2)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("expected retry within window, got %v", retry)
	}
	if retry, _ := th.Check(ctx, key, 3); retry != 0 {
		t.Fatalf("expected allow below limit, got %v", retry)
	}

	if err := th.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if retry, _ := th.Check(ctx, key, 1); retry != 0 {
		t.Fatalf("expected reset to clear, got %v", retry)
	}
}
