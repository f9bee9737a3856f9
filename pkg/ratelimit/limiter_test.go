package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiter(t *testing.T) {
	limiter := NewInMemory(50 * time.Millisecond)
	key := "10.0.0.5"

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	time.Sleep(70 * time.Millisecond)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected bucket reset after window, got %+v", reset)
	}
}

func TestInMemoryLimiterIsolatesKeys(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	for i := 0; i < 3; i++ {
		limiter.Allow("10.0.0.1", 2)
	}
	other := limiter.Allow("10.0.0.2", 2)
	if !other.Allowed || other.Count != 1 {
		t.Fatalf("exhausting one IP's budget must not affect another: %+v", other)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	decision := limiter.Allow("k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected fallback limit=1 and allowed decision, got %+v", decision)
	}
}

func TestInMemoryLimiterConcurrent(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				limiter.Allow("shared", 100)
			}
		}()
	}
	wg.Wait()
	final := limiter.Allow("shared", 300)
	if final.Count != 201 {
		t.Fatalf("expected 201 total observations, got %d", final.Count)
	}
}

func TestDecisionRetryAfter(t *testing.T) {
	now := time.Now().UTC()
	d := Decision{ResetAt: now.Add(42 * time.Second)}
	if got := d.RetryAfter(now); got != 42 {
		t.Fatalf("expected 42s retry hint, got %d", got)
	}
	expired := Decision{ResetAt: now.Add(-time.Second)}
	if got := expired.RetryAfter(now); got != 1 {
		t.Fatalf("expected floor of 1s, got %d", got)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client, 25*time.Millisecond)
	key := "10.0.0.5"

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	mr.FastForward(30 * time.Millisecond)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected bucket reset after window, got %+v", reset)
	}
}

func TestRedisLimiterFallsBackWhenUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	limiter := NewRedis(client, time.Second)
	first := limiter.Allow("10.0.0.5", 1)
	if !first.Allowed {
		t.Fatalf("fallback should allow first request: %+v", first)
	}
	second := limiter.Allow("10.0.0.5", 1)
	if second.Allowed {
		t.Fatalf("fallback must still enforce the ceiling: %+v", second)
	}
}
