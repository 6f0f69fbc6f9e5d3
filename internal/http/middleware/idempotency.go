// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements Idempotency-Key support for impulse creation. The
// middleware validates the header, looks up a previously completed request
// for (client, route, key) and, on a hit, records the resource ID so the
// handler can answer with the stored impulse instead of running the upload
// pipeline a second time.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header carrying the idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotentReplay is set to "true" on responses served from a
// previously completed request.
const HeaderIdempotentReplay = "Idempotent-Replayed"

const (
	ctxKeyIdemKey      = "idem.key"
	ctxKeyIdemScope    = "idem.scope"
	ctxKeyIdemResource = "idem.resource"
	ctxKeyRateBypass   = "rate.bypass"
)

var defaultIdemPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
	// Methods are the HTTP methods the key is honoured on. Defaults to POST.
	Methods []string
}

// IdempotencyLookup returns the ID of the resource created by an earlier,
// still-valid request with the same (clientID, scope, key). found is false
// when there is none. Lookup errors never block the request.
type IdempotencyLookup func(ctx context.Context, clientID, scope, key string, now time.Time) (resourceID string, found bool, err error)

// IdempotencyKey holds the validated key and the scope it applies to.
type IdempotencyKey struct {
	ClientID string
	Scope    string
	Key      string
}

// GetIdempotencyKey returns the key stashed by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (IdempotencyKey, bool) {
	key, _ := c.Get(ctxKeyIdemKey)
	scope, _ := c.Get(ctxKeyIdemScope)
	k := IdempotencyKey{ClientID: ClientID(c), Scope: asString(scope), Key: asString(key)}
	return k, k.Key != ""
}

// ReplayOf returns the resource ID of the completed request this one
// replays, if any.
func ReplayOf(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemResource)
	if !ok {
		return "", false
	}
	s := asString(v)
	return s, s != ""
}

// IdempotencyValidator validates Idempotency-Key on the configured methods.
// An absent header is a no-op; an invalid one is rejected with 400. When
// lookup finds a completed request the resource ID is stored (see ReplayOf)
// and rate limiting is bypassed.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultIdemPattern
	}
	methods := map[string]bool{http.MethodPost: true}
	if len(opts.Methods) > 0 {
		methods = make(map[string]bool, len(opts.Methods))
		for _, m := range opts.Methods {
			methods[m] = true
		}
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || !methods[c.Request.Method] {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			abortJSON(c, http.StatusBadRequest, "bad_idempotency_key", "invalid Idempotency-Key")
			return
		}

		scope := c.Request.Method + " " + routeOf(c)
		c.Set(ctxKeyIdemKey, key)
		c.Set(ctxKeyIdemScope, scope)

		if lookup != nil {
			id, found, err := lookup(c.Request.Context(), ClientID(c), scope, key, time.Now().UTC())
			switch {
			case err != nil:
				LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
			case found:
				c.Set(ctxKeyIdemResource, id)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}
