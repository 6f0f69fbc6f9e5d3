// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides request correlation, structured access logging and
// panic recovery. Recommended order: RequestID, Logger, Recovery, so that
// panics and errors carry the correlation ID.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"
	// requestIDHeader is the HTTP header used to propagate the correlation ID.
	requestIDHeader = "X-Request-ID"
	// loggerKey holds the request-scoped *zerolog.Logger.
	loggerKey = "logger"
	// maxQueryLogLength caps the number of bytes of the raw query string logged.
	maxQueryLogLength = 2048
)

// RequestID reuses an incoming X-Request-ID or generates a UUIDv4, stores it
// in the context and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the correlation ID set by RequestID, or "".
func RequestIDFrom(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// LogOptions configures Logger.
type LogOptions struct {
	// Base is the parent logger. The zero value uses the global zerolog logger.
	Base *zerolog.Logger
	// MaskHeaders are extra header names whose values are never logged.
	MaskHeaders []string
	// SkipPaths are routes that produce no access log line on success
	// (e.g. /health, /metrics).
	SkipPaths []string
	// LogHeaders includes the scrubbed request headers in each access line.
	LogHeaders bool
}

// Logger emits one structured access line per request and stores a
// request-scoped logger in the context for handlers (see LoggerFrom).
//
// Query strings and header values are scrubbed of e-mail addresses, phone
// numbers and UUIDs; sensitive headers are masked entirely. The level is
// error for 5xx or when handlers recorded gin errors, warn for 4xx, and
// info otherwise.
func Logger(opts LogOptions) gin.HandlerFunc {
	red := newRedactor(opts.MaskHeaders)
	skip := make(map[string]struct{}, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		base := log.Logger
		if opts.Base != nil {
			base = *opts.Base
		}
		path := routeOf(c)

		lc := base.With().
			Str("request_id", RequestIDFrom(c)).
			Str("client", ClientID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", truncate(red.scrub(c.Request.URL.RawQuery), maxQueryLogLength)).
			// ContentLength can be -1 if unknown.
			Int64("bytes_in", c.Request.ContentLength)
		if id := c.Param("id"); id != "" {
			lc = lc.Str("impulse_id", id)
		}
		if opts.LogHeaders {
			lc = lc.Interface("headers", red.headers(c.Request.Header))
		}
		l := lc.Logger()
		c.Set(loggerKey, &l)

		c.Next()

		status := c.Writer.Status()
		if _, ok := skip[path]; ok && status < 400 {
			return
		}

		ev := l.Info()
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}
		ev.
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Msg("request")
	}
}

// Recovery turns panics into the standard JSON 500 envelope and logs the
// stack trace with the request ID.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := RequestIDFrom(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			abortJSON(c, http.StatusInternalServerError, "internal_error", "internal server error")
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when
// Logger was not installed. The result is never nil.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// abortJSON writes the error envelope shared with the handlers package.
func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": RequestIDFrom(c),
		"code":       code,
		"message":    msg,
	})
}

func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate cuts s to max bytes and appends an ellipsis. max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
