// Package analytics counts delivery outcomes per signal in Redis. Writes
// are best effort: a failed write is logged and never affects the task
// that triggered it.
package analytics

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink keeps one counter per signal, outcome and day bucket. Keys
// expire after the configured retention.
type RedisSink struct {
	client    *redis.Client
	retention time.Duration
	clock     func() time.Time
}

func NewRedisSink(client *redis.Client, retention time.Duration) *RedisSink {
	return &RedisSink{
		client:    client,
		retention: retention,
		clock:     time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (s *RedisSink) WithClock(clock func() time.Time) *RedisSink {
	s.clock = clock
	return s
}

// Record increments the counter for one delivery outcome.
func (s *RedisSink) Record(ctx context.Context, signal, outcome string) {
	key := buildKey(signal, outcome, s.clock())

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: redis pipeline: %v", err)
	}
}

// Counts returns the per-day outcome counters for a signal over the last
// n days, newest first.
func (s *RedisSink) Counts(ctx context.Context, signal, outcome string, days int) ([]int64, error) {
	now := s.clock().UTC()
	keys := make([]string, days)
	for i := 0; i < days; i++ {
		keys[i] = buildKey(signal, outcome, now.AddDate(0, 0, -i))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	counts := make([]int64, days)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		counts[i] = n
	}
	return counts, nil
}

func buildKey(signal, outcome string, t time.Time) string {
	return "sig:" + signal + ":" + outcome + ":" + t.UTC().Format("20060102")
}
