package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "dr:rl:"

// RedisLimiter は分単位の固定ウィンドウカウンタによるレート制限です。
// 複数プロセスでカウンタを共有する場合はこちらを使用します。
type RedisLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedis は RedisLimiter を作成します。
func NewRedis(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		rdb: rdb,
		now: time.Now,
	}
}

// Allow は現在の1分ウィンドウのカウンタを加算して判定します。
func (r *RedisLimiter) Allow(ctx context.Context, key string, perMinute int) (Result, error) {
	if perMinute <= 0 {
		return Result{Allowed: true}, nil
	}

	now := r.now().UTC()
	window := now.Format("200601021504") // YYYYMMDDHHMM 分単位のウィンドウ
	counterKey := fmt.Sprintf("%s%s:%s", redisKeyPrefix, key, window)

	count, err := r.rdb.Incr(ctx, counterKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit increment failed: %w", err)
	}
	if count == 1 {
		// ウィンドウ内の初回アクセスでTTLを設定
		_ = r.rdb.Expire(ctx, counterKey, time.Minute)
	}

	remaining := perMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(perMinute),
		Limit:     perMinute,
		Remaining: remaining,
		Reset:     now.Truncate(time.Minute).Add(time.Minute),
	}, nil
}
