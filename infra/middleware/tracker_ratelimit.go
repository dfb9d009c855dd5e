package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"tracker_server/pkg/apperr"
	"tracker_server/pkg/logger"
	"tracker_server/pkg/ratelimit"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// RateLimiter is a per-client token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond sustained requests per client with burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether key may proceed. Idle buckets are evicted lazily.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cl, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) > 10000 {
			rl.evictLocked(now)
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictLocked(now time.Time) {
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > rl.idle {
			delete(rl.limiters, key)
		}
	}
}

// Handler limits by client IP.
func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !rl.Allow(c.IP()) {
			c.Set("Retry-After", strconv.Itoa(1))
			return apperr.New(apperr.CodeRateLimited, "rate limit exceeded", fiber.StatusTooManyRequests)
		}
		return c.Next()
	}
}

// SharedRateLimit limits by client IP across replicas. Limiter errors let the
// request through.
func SharedRateLimit(limiter *ratelimit.SlidingWindowLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ok, wait, err := limiter.Allow(c.UserContext(), "webhook:"+c.IP())
		if err != nil {
			logger.WithContext(c.UserContext()).WithError(err).Warn("[RateLimit] shared limiter unavailable")
		}
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Set("Retry-After", strconv.Itoa(secs))
			return apperr.New(apperr.CodeRateLimited, "rate limit exceeded", fiber.StatusTooManyRequests)
		}
		return c.Next()
	}
}
