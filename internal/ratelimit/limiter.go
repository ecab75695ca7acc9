package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	keyWebhook  = "rl:webhook:%s"
	keyInternal = "rl:internal:%s"
)

// Config bounds request rates per caller address. Zero values fall back
// to defaults.
type Config struct {
	WebhookRate   float64
	WebhookBurst  int
	InternalRate  float64
	InternalBurst int
}

func (c Config) withDefaults() Config {
	if c.WebhookRate <= 0 {
		c.WebhookRate = 20
	}
	if c.WebhookBurst <= 0 {
		c.WebhookBurst = 40
	}
	if c.InternalRate <= 0 {
		c.InternalRate = 50
	}
	if c.InternalBurst <= 0 {
		c.InternalBurst = 100
	}
	return c
}

// Limiter throttles the webhook endpoint and the internal API. A nil
// Limiter is valid and admits everything.
type Limiter struct {
	bucket *TokenBucket
	cfg    Config
	log    *zap.Logger
}

func NewLimiter(bucket *TokenBucket, cfg Config, log *zap.Logger) *Limiter {
	if bucket == nil {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		bucket: bucket,
		cfg:    cfg.withDefaults(),
		log:    log,
	}
}

// WebhookMiddleware throttles inbound processor deliveries per source
// address.
func (l *Limiter) WebhookMiddleware() gin.HandlerFunc {
	if l == nil {
		return passthrough
	}
	return l.middleware(keyWebhook, l.cfg.WebhookRate, l.cfg.WebhookBurst)
}

// InternalMiddleware throttles the internal reservation API per caller.
func (l *Limiter) InternalMiddleware() gin.HandlerFunc {
	if l == nil {
		return passthrough
	}
	return l.middleware(keyInternal, l.cfg.InternalRate, l.cfg.InternalBurst)
}

func (l *Limiter) middleware(keyFormat string, rate float64, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf(keyFormat, c.ClientIP())
		decision, err := l.bucket.Allow(c.Request.Context(), key, rate, burst)
		if err != nil {
			// Fail open: an unreachable Redis must not take the
			// ledger down with it.
			l.log.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}
		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"type":    "rate_limited",
					"message": "too many requests",
				},
			})
			return
		}
		c.Next()
	}
}

func passthrough(c *gin.Context) {
	c.Next()
}
