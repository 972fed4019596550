package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/gchat/internal/metrics"
)

// Window is the state of a sliding rate-limit window after a hit.
type Window struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time // when the oldest counted hit leaves the window
}

var hitSeq atomic.Uint64

// HitWindow records a hit on key and reports whether it fits within limit
// hits per window. Hits are kept in a sorted set scored by time.
func (s *RedisStore) HitWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error) {
	defer metrics.ObserveSince(metrics.RedisLatency, time.Now())

	zkey := "ratelimit:" + key
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(now.UnixNano(), 36) + "-" + strconv.FormatUint(hitSeq.Add(1), 36)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "-inf", strconv.FormatInt(nowMs-window.Milliseconds(), 10))
	countCmd := pipe.ZCard(ctx, zkey)
	oldestCmd := pipe.ZRangeWithScores(ctx, zkey, 0, 0)
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(nowMs), Member: member})
	pipe.PExpire(ctx, zkey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Window{}, err
	}

	count := int(countCmd.Val())
	w := Window{
		Allowed:   count < limit,
		Remaining: max(limit-count-1, 0),
		ResetAt:   now.Add(window),
	}
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		w.ResetAt = time.UnixMilli(int64(oldest[0].Score)).Add(window)
	}
	return w, nil
}

func violationKey(ip string) string {
	return fmt.Sprintf("violations:ip:%s", ip)
}

func blockKey(ip string) string {
	return fmt.Sprintf("blocked:ip:%s", ip)
}

// RecordViolation counts a rate-limit violation for ip and returns the count within ttl.
func (s *RedisStore) RecordViolation(ctx context.Context, ip string, ttl time.Duration) (int64, error) {
	key := violationKey(ip)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		s.client.Expire(ctx, key, ttl)
	}
	return count, nil
}

// BlockIP blocks ip for duration.
func (s *RedisStore) BlockIP(ctx context.Context, ip string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, blockKey(ip), reason, duration).Err()
}

// IsIPBlocked reports whether ip is currently blocked.
func (s *RedisStore) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	err := s.client.Get(ctx, blockKey(ip)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

// UnblockIP removes a block.
func (s *RedisStore) UnblockIP(ctx context.Context, ip string) error {
	return s.client.Del(ctx, blockKey(ip), violationKey(ip)).Err()
}
