package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderClientID lets API clients identify themselves for idempotency
// scoping and rate limiting. There is no authentication; when the header is
// absent the client IP is used.
const HeaderClientID = "X-Client-ID"

// ClientID returns a stable identity for the caller: a "userID" set in the
// context by an upstream auth layer, else X-Client-ID, else the client IP.
// Values are namespaced ("user:", "client:", "ip:") so they never collide.
func ClientID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return "user:" + s
		}
	}
	if c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader(HeaderClientID)); h != "" {
			return "client:" + truncate(h, 128)
		}
	}
	return "ip:" + c.ClientIP()
}
