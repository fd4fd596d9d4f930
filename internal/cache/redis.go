package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gwi.com/study-assistant/internal/store"
)

const (
	DefaultMaterialsTTL = 10 * time.Minute
	keyPrefix           = "study-assistant:materials:"
)

var ErrNotFound = errors.New("key not found in cache")

// RedisCache keeps JSON-encoded study-material listings in Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and pings it before returning.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisCache(client, ttl), nil
}

func newRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultMaterialsTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (r *RedisCache) SetJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, r.ttl).Err()
}

// GetJSON decodes the value at key into dest, or returns ErrNotFound.
func (r *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(val, dest)
}

func MaterialsKey(subject, unit string) string {
	if unit == "" {
		return keyPrefix + subject
	}
	return keyPrefix + subject + ":" + unit
}

func (r *RedisCache) GetMaterials(ctx context.Context, subject, unit string) ([]store.Material, bool, error) {
	var materials []store.Material
	err := r.GetJSON(ctx, MaterialsKey(subject, unit), &materials)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return materials, true, nil
}

func (r *RedisCache) SetMaterials(ctx context.Context, subject, unit string, materials []store.Material) error {
	return r.SetJSON(ctx, MaterialsKey(subject, unit), materials)
}

// InvalidateMaterials drops every cached listing, e.g. after an ingest.
func (r *RedisCache) InvalidateMaterials(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
