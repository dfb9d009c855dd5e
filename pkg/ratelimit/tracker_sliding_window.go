// Package ratelimit provides a Redis sliding-window limiter shared by every
// API replica.
package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// scriptSource admits a request when fewer than ARGV[3] entries fall inside
// the window. On rejection it returns the negated milliseconds until the
// oldest entry leaves the window. ARGV[5] is the member to add; it must be
// unique per call or concurrent requests in the same millisecond collapse.
const scriptSource = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)
if count < max_requests then
	redis.call('ZADD', key, now, ARGV[5])
	redis.call('PEXPIRE', key, window_ms * 2)
	return 1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest > 0 then
	return -(oldest[2] + window_ms - now)
end
return 0
`

var slidingWindow = redis.NewScript(scriptSource)

type SlidingWindowLimiter struct {
	redis  *redis.Client
	max    int
	window time.Duration
	now    func() time.Time
	member func() string
}

// NewSlidingWindowLimiter admits perSecond+burst requests per key in any
// one-second window.
func NewSlidingWindowLimiter(client *redis.Client, perSecond, burst int) *SlidingWindowLimiter {
	limit := perSecond + burst
	if limit <= 0 {
		limit = 1
	}
	return &SlidingWindowLimiter{
		redis:  client,
		max:    limit,
		window: time.Second,
		now:    time.Now,
		member: uuid.NewString,
	}
}

// Allow reports whether key may proceed and, if not, how long to wait. Redis
// errors are returned alongside an allow so callers can log them.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.redis == nil {
		return true, 0, nil
	}

	now := l.now()
	result, err := slidingWindow.Run(ctx, l.redis, []string{keyPrefix + key},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.max,
		l.window.Milliseconds(),
		l.member(),
	).Int64()
	if err != nil {
		return true, 0, err
	}

	switch {
	case result == 1:
		return true, 0, nil
	case result < 0:
		return false, time.Duration(-result) * time.Millisecond, nil
	default:
		return false, l.window, nil
	}
}
