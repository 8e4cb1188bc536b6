package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"energy-telemetry-engine/models"

	"github.com/go-redis/redis/v8"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// TTL applies to every snapshot written.
	TTL time.Duration
}

// RedisClient keeps short-lived JSON snapshots of device stats and plans.
// Misses return (nil, nil).
type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClient(ctx context.Context, opts Options) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     50,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &RedisClient{client: rdb, ttl: ttl}, nil
}

func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func statsKey(deviceID string) string {
	return "stats:" + deviceID
}

func planKey(planID string) string {
	return "plan:" + planID
}

func (rc *RedisClient) SaveStats(ctx context.Context, stats models.DeviceStats) error {
	return rc.set(ctx, statsKey(stats.DeviceID), stats)
}

func (rc *RedisClient) GetStats(ctx context.Context, deviceID string) (*models.DeviceStats, error) {
	var stats models.DeviceStats
	found, err := rc.get(ctx, statsKey(deviceID), &stats)
	if err != nil || !found {
		return nil, err
	}
	return &stats, nil
}

func (rc *RedisClient) SavePlan(ctx context.Context, plan *models.OptimizationPlan) error {
	return rc.set(ctx, planKey(plan.ID), plan)
}

func (rc *RedisClient) GetPlan(ctx context.Context, planID string) (*models.OptimizationPlan, error) {
	var plan models.OptimizationPlan
	found, err := rc.get(ctx, planKey(planID), &plan)
	if err != nil || !found {
		return nil, err
	}
	return &plan, nil
}

func (rc *RedisClient) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return rc.client.Set(ctx, key, data, rc.ttl).Err()
}

func (rc *RedisClient) get(ctx context.Context, key string, v any) (bool, error) {
	val, err := rc.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
