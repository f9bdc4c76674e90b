package cache

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/redis/go-redis/v9"
)

func TestKeyDependsOnEngineAndAudio(t *testing.T) {
	samples := []int{1, 2, 3, -4}
	base := Key("whisper", "medium", "", samples)
	if base != Key("whisper", "medium", "", []int{1, 2, 3, -4}) {
		t.Fatal("expected stable key for identical input")
	}
	others := []string{
		Key("openai", "medium", "", samples),
		Key("whisper", "small", "", samples),
		Key("whisper", "medium", "de", samples),
		Key("whisper", "medium", "", []int{1, 2, 3, 4}),
	}
	for i, k := range others {
		if k == base {
			t.Fatalf("variation %d produced the same key", i)
		}
	}
}

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("LOQA_SCRIBE_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Open(ctx, config.CacheConfig{Addr: addr, DB: 15, TTLHours: 1})
	if err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheRoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	key := Key("mock", "tiny", "", []int{int(time.Now().UnixNano() % 30000)})
	t.Cleanup(func() { _ = c.Delete(context.Background(), key) })

	if _, ok, err := c.Lookup(ctx, key); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Store(ctx, key, "cached text"); err != nil {
		t.Fatalf("store: %v", err)
	}
	text, ok, err := c.Lookup(ctx, key)
	if err != nil || !ok || text != "cached text" {
		t.Fatalf("lookup after store: text=%q ok=%v err=%v", text, ok, err)
	}
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected ttl within an hour, got %v (%v)", ttl, err)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.Lookup(ctx, key); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestLookupReportsConnectionErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	c := NewCache(client, time.Hour)
	defer c.Close()

	text, ok, err := c.Lookup(context.Background(), "scribe:fragment:missing")
	if err == nil {
		t.Fatal("expected connection error, not a miss")
	}
	if ok || text != "" {
		t.Fatalf("unexpected hit %q", text)
	}
	if c.Healthy(context.Background()) {
		t.Fatal("expected unhealthy cache")
	}
}
