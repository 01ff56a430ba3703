package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"payment-gateway/internal/models"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(c *gin.Context, key string) bool
}

// RateLimiter implements a simple in-process token bucket rate limiter
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	rate     int           // tokens per second
	capacity int           // max tokens
	cleanup  time.Duration // cleanup interval
}

type tokenBucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate, capacity int) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*tokenBucket),
		rate:     rate,
		capacity: capacity,
		cleanup:  5 * time.Minute,
	}
	go rl.cleanupLoop()
	return rl
}

// cleanupLoop removes stale buckets
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, bucket := range rl.buckets {
			if now.Sub(bucket.lastUpdate) > rl.cleanup {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(_ *gin.Context, key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	bucket, exists := rl.buckets[key]

	if !exists {
		rl.buckets[key] = &tokenBucket{
			tokens:     float64(rl.capacity - 1),
			lastUpdate: now,
		}
		return true
	}

	// Calculate tokens to add
	elapsed := now.Sub(bucket.lastUpdate).Seconds()
	bucket.tokens += elapsed * float64(rl.rate)
	if bucket.tokens > float64(rl.capacity) {
		bucket.tokens = float64(rl.capacity)
	}
	bucket.lastUpdate = now

	// Check if we can allow the request
	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}

	return false
}

// RedisRateLimiter is a fixed-window limiter shared across replicas. A
// Redis failure fails open; rate limiting is protection, not correctness.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisRateLimiter creates a Redis-backed limiter allowing limit
// requests per window per key.
func NewRedisRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

// Allow checks if a request should be allowed
func (rl *RedisRateLimiter) Allow(c *gin.Context, key string) bool {
	ctx := c.Request.Context()
	window := time.Now().Unix() / int64(rl.window.Seconds())
	redisKey := fmt.Sprintf("ratelimit:%s:%s:%d", rl.prefix, key, window)

	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		rl.client.Expire(ctx, redisKey, rl.window)
	}
	return count <= int64(rl.limit)
}

// RateLimitMiddleware creates a rate limiting middleware keyed by client IP
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c, c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Error:   "Rate limit exceeded",
				Message: "Too many requests, please try again later",
			})
			return
		}

		c.Next()
	}
}

// PaymentRateLimits defines rate limits for different payment operations
type PaymentRateLimits struct {
	CreatePayment Limiter // Limit payment creation
	RefundRequest Limiter // Limit refund requests
	APIGeneral    Limiter // General API rate limit
	Webhook       Limiter // Webhook rate limit (higher)
}

// NewPaymentRateLimits creates rate limiters for payment operations. With a
// Redis client the windows are shared across replicas; without one each
// replica enforces its own token buckets.
func NewPaymentRateLimits(redisClient *redis.Client) *PaymentRateLimits {
	if redisClient != nil {
		return &PaymentRateLimits{
			CreatePayment: NewRedisRateLimiter(redisClient, "create", 30, 3*time.Second),
			RefundRequest: NewRedisRateLimiter(redisClient, "refund", 15, 3*time.Second),
			APIGeneral:    NewRedisRateLimiter(redisClient, "api", 200, 2*time.Second),
			Webhook:       NewRedisRateLimiter(redisClient, "webhook", 1000, 2*time.Second),
		}
	}
	return &PaymentRateLimits{
		CreatePayment: NewRateLimiter(10, 30),    // 10/sec, burst 30
		RefundRequest: NewRateLimiter(5, 15),     // 5/sec, burst 15
		APIGeneral:    NewRateLimiter(100, 200),  // 100/sec, burst 200
		Webhook:       NewRateLimiter(500, 1000), // 500/sec, burst 1000 (webhooks can come in bursts)
	}
}
