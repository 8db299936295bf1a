package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
	Burst       int
	KeyPrefix   string
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 120,
		Window:      time.Minute,
		Burst:       20,
		KeyPrefix:   "hookrelay:ratelimit",
	}
}

func rateLimitExceeded(c *fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error": "Rate limit exceeded",
	})
}

// RateLimit creates a fixed-window rate limiting middleware using Redis
func RateLimit(redisClient *redis.Client, config RateLimitConfig, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		key := config.KeyPrefix + ":" + c.IP()

		// Increment the counter
		count, err := redisClient.Incr(ctx, key).Result()
		if err != nil {
			logger.Error("rate limit redis error", zap.Error(err))
			// Fail open: allow request if Redis is unavailable
			return c.Next()
		}

		// Set expiration on first request
		if count == 1 {
			if err := redisClient.Expire(ctx, key, config.Window).Err(); err != nil {
				logger.Warn("rate limit expire failed", zap.String("key", key), zap.Error(err))
			}
		}

		remaining := config.MaxRequests - int(count)
		c.Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, remaining)))

		if count > int64(config.MaxRequests) {
			return rateLimitExceeded(c)
		}

		return c.Next()
	}
}

const limiterIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one token bucket per client key.
type limiterPool struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	lastGC   time.Time
}

func newLimiterPool(config RateLimitConfig) *limiterPool {
	window := config.Window
	if window <= 0 {
		window = time.Minute
	}
	perSecond := rate.Limit(float64(config.MaxRequests) / window.Seconds())
	burst := config.Burst
	if burst <= 0 {
		burst = max(1, config.MaxRequests)
	}
	return &limiterPool{
		visitors: make(map[string]*visitor),
		limit:    perSecond,
		burst:    burst,
		lastGC:   time.Now(),
	}
}

func (p *limiterPool) allow(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastGC) > limiterIdleTTL {
		for k, v := range p.visitors {
			if now.Sub(v.lastSeen) > limiterIdleTTL {
				delete(p.visitors, k)
			}
		}
		p.lastGC = now
	}

	v, ok := p.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// LocalRateLimit is the in-process fallback used when Redis is not
// configured: a token bucket per client IP.
func LocalRateLimit(config RateLimitConfig) fiber.Handler {
	pool := newLimiterPool(config)
	return func(c *fiber.Ctx) error {
		if !pool.allow(c.IP(), time.Now()) {
			return rateLimitExceeded(c)
		}
		return c.Next()
	}
}
