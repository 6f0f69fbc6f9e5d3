// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory, per-client token-bucket rate limiter
// built on golang.org/x/time/rate. Buckets are keyed by ClientID and idle
// buckets are evicted opportunistically. The limiter is process-local.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc maps a request to a bucket identity.
type KeyFunc func(*gin.Context) string

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements a per-key token-bucket limiter. It is safe for
// concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc
	// methods limited; nil limits every method.
	methods map[string]bool

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	lookups  uint64
	now      func() time.Time
}

// gcEvery is the number of lookups between idle-bucket sweeps.
const gcEvery = 5000

// NewRateLimiter builds a limiter with rps tokens per second and the given
// burst (coerced to >= 1). keyFn defaults to ClientID. When methods is
// non-empty only those methods are limited; uploads are the expensive path.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc, methods ...string) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if keyFn == nil {
		keyFn = ClientID
	}
	rl := &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
		now:      time.Now,
	}
	if len(methods) > 0 {
		rl.methods = make(map[string]bool, len(methods))
		for _, m := range methods {
			rl.methods[m] = true
		}
	}
	return rl
}

// limiterFor returns the bucket for key. The idle sweep runs before the
// requested bucket is touched so a stale bucket can be evicted even when it
// is the one being fetched.
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= gcEvery {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay, which is served without consuming tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the limiting middleware. Rejected requests get 429 with
// a Retry-After hint and the standard error envelope.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || (rl.methods != nil && !rl.methods[c.Request.Method]) {
			c.Next()
			return
		}

		lim := rl.limiterFor(rl.keyFn(c))
		if lim.Allow() {
			c.Next()
			return
		}

		retry := 1
		if rl.rps > 0 {
			if s := int(1/float64(rl.rps)) + 1; s > retry {
				retry = s
			}
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		abortJSON(c, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
	}
}
