package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

const defaultPrefix = "cropdoc:ratelimit"

// Options configures a Redis-backed fixed window limiter.
type Options struct {
	Addr     string
	Password string
	Prefix   string
	Limit    int
	Window   time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// FixedWindowLimiter counts requests per key in fixed windows shared by
// every replica through Redis.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	prefix string
	client *redis.Client
	now    func() time.Time
}

// NewFixedWindowLimiter creates a limiter and its Redis client.
func NewFixedWindowLimiter(opts Options) (*FixedWindowLimiter, error) {
	if opts.Limit <= 0 || opts.Window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &FixedWindowLimiter{
		limit:  opts.Limit,
		window: opts.Window,
		prefix: prefix,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: opts.Password,
		}),
		now: time.Now,
	}, nil
}

// Allow counts one request for key. Redis failures fail closed: the
// decision is a denial and the error is returned for logging.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil {
		return Decision{}, errors.New("rate limiter not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	nowMs := l.now().UTC().UnixMilli()
	slot := nowMs / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return Decision{RetryAfter: l.window}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if count <= int64(l.limit) {
		return Decision{Allowed: true, Count: count}, nil
	}
	retry := time.Duration((slot+1)*windowMs-nowMs) * time.Millisecond
	return Decision{Count: count, RetryAfter: retry}, nil
}

// Ping checks Redis connectivity.
func (l *FixedWindowLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (l *FixedWindowLimiter) Close() error {
	if l == nil {
		return nil
	}
	return l.client.Close()
}
