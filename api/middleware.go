package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"recon/scanner"
)

// Context keys shared by the middleware chain and the handlers.
const (
	ctxRequestID = "request_id"
	ctxClient    = "client"
	ctxTaskID    = "task_id"
)

const requestIDHeader = "X-Request-ID"

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestIDMiddleware tags each request with an id, reusing a well-formed
// X-Request-ID from the caller.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if !requestIDPattern.MatchString(id) {
			var err error
			if id, err = scanner.NewID(); err != nil {
				id = strconv.FormatInt(time.Now().UnixNano(), 36)
			}
		}
		c.Set(ctxRequestID, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestLoggingMiddleware logs one line per request, tagged with the
// request id and, when a handler touched one, the scan task id.
func RequestLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		attrs := []any{
			"request_id", c.GetString(ctxRequestID),
			"client", clientOf(c),
			"method", c.Request.Method,
			"route", route,
			"status_code", status,
			"latency_ms", float64(time.Since(start))/float64(time.Millisecond),
		}
		if id := c.GetString(ctxTaskID); id != "" {
			attrs = append(attrs, "task_id", id)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		logger.Log(c.Request.Context(), level, "api request", attrs...)
	}
}

// AuthMiddleware accepts a bearer API key. Accepted callers are identified
// downstream by a fingerprint of their key, never the key itself.
func AuthMiddleware(expectedKey string, logger *slog.Logger) gin.HandlerFunc {
	expected := []byte(expectedKey)
	fingerprint := keyFingerprint(expectedKey)
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			reject(c, logger, "missing bearer token")
			return
		}
		provided := []byte(strings.TrimSpace(token))
		if subtle.ConstantTimeCompare(provided, expected) != 1 {
			reject(c, logger, "invalid api key")
			return
		}
		c.Set(ctxClient, fingerprint)
		c.Next()
	}
}

func reject(c *gin.Context, logger *slog.Logger, reason string) {
	logger.Warn("request rejected", "request_id", c.GetString(ctxRequestID), "client_ip", c.ClientIP(), "reason", reason)
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
}

func keyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:6])
}

// clientOf names the caller for logs and rate limits: the key fingerprint
// once authenticated, the client address before that.
func clientOf(c *gin.Context) string {
	if id := c.GetString(ctxClient); id != "" {
		return id
	}
	return "ip:" + c.ClientIP()
}

// HitCounter counts hits on a key within a fixed window that starts on the
// first hit.
type HitCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter is a HitCounter over INCR and EXPIRE NX, so every API
// replica shares one budget.
type RedisCounter struct {
	Client redis.Cmdable
}

func (r RedisCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := r.Client.TxPipeline()
	n := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return n.Val(), nil
}

// RateLimitMiddleware gives each caller a budget of limit requests per
// window and per action. Creating and cancelling scans draw on one budget,
// reading them on another, so polling a running scan never blocks
// cancelling it.
func RateLimitMiddleware(counter HitCounter, limit int, window time.Duration, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		action := "read"
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			action = "write"
		}
		key := "recon:ratelimit:" + clientOf(c) + ":" + action

		n, err := counter.Hit(c.Request.Context(), key, window)
		if err != nil {
			logger.Error("rate limiter unavailable", "request_id", c.GetString(ctxRequestID), "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
			return
		}

		remaining := int64(limit) - n
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(max(remaining, 0), 10))
		if remaining < 0 {
			c.Header("Retry-After", strconv.Itoa(int(window.Round(time.Second)/time.Second)))
			logger.Warn("rate limit exceeded", "request_id", c.GetString(ctxRequestID), "client", clientOf(c), "action", action, "count", n)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

const (
	apiCSP     = "default-src 'none'; frame-ancestors 'none'"
	swaggerCSP = "default-src 'self'; img-src 'self' data:; style-src 'self' 'unsafe-inline'; script-src 'self' 'unsafe-inline'"
)

// SecurityHeadersMiddleware marks every response uncacheable and unframable.
// Only the Swagger UI may load scripts and styles.
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		if strings.HasPrefix(c.Request.URL.Path, "/swagger/") {
			h.Set("Content-Security-Policy", swaggerCSP)
		} else {
			h.Set("Content-Security-Policy", apiCSP)
		}
		h.Set("Cache-Control", "no-store")
		h.Set("Referrer-Policy", "no-referrer")
		c.Next()
	}
}
