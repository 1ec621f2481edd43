// Package storage provides the PostgreSQL and Redis implementations of the
// collab interfaces (internal/collab): durable records in Postgres,
// real-time hashrate tracking in Redis.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kumako/public-pool/internal/collab"
	"github.com/kumako/public-pool/internal/config"
)

// hashrateWindow bounds how far back GetHashRate looks when estimating an
// address's current hashrate from recent accepted-share difficulties.
const hashrateWindow = 10 * time.Minute

// RedisStore implements collab.StatisticsStore: accepted submissions are
// recorded into a per-address sorted set keyed by submission time, and
// GetHashRate estimates from the window's total difficulty, the same
// difficulty*2^32/time_span formula the teacher uses for worker hashrate.
type RedisStore struct {
	client    *redis.Client
	cfg       config.RedisConfig
	logger    *zap.Logger
	keyPrefix string
}

// NewRedisStore connects to Redis and returns a RedisStore.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info("connected to redis", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))

	return &RedisStore{
		client:    client,
		cfg:       cfg,
		logger:    logger.Named("redis"),
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) key(parts ...string) string {
	key := r.keyPrefix
	for _, part := range parts {
		key += part + ":"
	}
	return key[:len(key)-1]
}

// AddSubmission records an accepted share's difficulty at its submission
// time, for later hashrate estimation, and trims entries outside the
// hashrate window.
func (r *RedisStore) AddSubmission(ctx context.Context, s collab.SubmissionRecord) error {
	key := r.key("address", s.Address, "shares")
	score := float64(s.SubmittedAt.UnixNano())

	if _, err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: s.Difficulty}).Result(); err != nil {
		return fmt.Errorf("record submission: %w", err)
	}

	cutoff := float64(time.Now().Add(-hashrateWindow).UnixNano())
	r.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", cutoff))
	r.client.Expire(ctx, key, hashrateWindow*2)

	return nil
}

// GetHashRate estimates an address's current hashrate from the sum of
// accepted-share difficulties observed within hashrateWindow:
// hashrate = sum(difficulty) * 2^32 / seconds between the oldest and newest
// of those shares. Fewer than two shares in the window give 0.
func (r *RedisStore) GetHashRate(ctx context.Context, address string) (float64, error) {
	key := r.key("address", address, "shares")

	cutoff := float64(time.Now().Add(-hashrateWindow).UnixNano())
	now := float64(time.Now().UnixNano())

	results, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", cutoff),
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("get shares: %w", err)
	}
	if len(results) < 2 {
		return 0, nil
	}

	var totalDiff float64
	for _, z := range results {
		// Sorted-set members come back as strings.
		diff, _ := strconv.ParseFloat(fmt.Sprint(z.Member), 64)
		totalDiff += diff
	}

	firstTime := results[0].Score
	lastTime := results[len(results)-1].Score
	timeSpanSeconds := (lastTime - firstTime) / 1e9
	if timeSpanSeconds <= 0 {
		return 0, nil
	}

	return totalDiff * 4294967296.0 / timeSpanSeconds, nil
}
