// Package cache keeps fragment transcripts in Redis so repeated audio is not
// sent to the engine twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Open connects to the configured Redis instance and checks it responds.
func Open(ctx context.Context, cfg config.CacheConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewCache(client, time.Duration(cfg.TTLHours)*time.Hour), nil
}

// Lookup returns the cached text for key. ok is false on a miss.
func (c *Cache) Lookup(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, true, nil
}

func (c *Cache) Store(ctx context.Context, key, text string) error {
	return c.client.Set(ctx, key, text, c.ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

func (c *Cache) Healthy(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Key derives a cache key from the engine identity and the fragment samples.
func Key(backend, variant, language string, samples []int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", backend, variant, language)
	buf := make([]byte, 2)
	for _, s := range samples {
		binary.LittleEndian.PutUint16(buf, uint16(int16(s)))
		h.Write(buf)
	}
	return "scribe:fragment:" + hex.EncodeToString(h.Sum(nil))
}
