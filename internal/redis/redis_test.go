package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"appforge/internal/config"
)

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", time.Second); err == nil {
		t.Fatalf("expected error from nil client Set")
	}
	if _, err := c.TryLock(ctx, "k", "o", time.Second); err == nil {
		t.Fatalf("expected error from nil client TryLock")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil client: %v", err)
	}
}

func TestLockAndPubSub(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := "test:lock:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	ok, err := client.TryLock(ctx, key, "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	ok, err = client.TryLock(ctx, key, "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("second lock should fail: ok=%v err=%v", ok, err)
	}
	if err := client.Unlock(ctx, key, "b"); err != nil {
		t.Fatalf("foreign unlock: %v", err)
	}
	if _, err := client.Get(ctx, key); err != nil {
		t.Fatalf("lock released by non-owner: %v", err)
	}
	if err := client.Unlock(ctx, key, "a"); err != nil {
		t.Fatalf("owner unlock: %v", err)
	}
	if _, err := client.Get(ctx, key); err != ErrCacheMiss {
		t.Fatalf("expected cache miss after unlock, got %v", err)
	}

	got := make(chan string, 1)
	channel := "test:events:" + key
	if err := client.Subscribe(ctx, channel, func(p string) { got <- p }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Publish(ctx, channel, "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case p := <-got:
		if p != "hello" {
			t.Fatalf("payload = %q", p)
		}
	case <-ctx.Done():
		t.Fatalf("no message received")
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	return client
}
