package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"leadflow/internal/engineerr"
	"leadflow/platform/logger"
)

// requestLogger logs every completed command-surface request.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		log.HTTPRequest(c.Request.Method, path, c.Writer.Status(), float64(latency.Milliseconds()))
	}
}

// securityHeaders adds the baseline headers appropriate for a loopback
// command surface serving a local desktop shell.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// ipRateLimiter rate-limits the command surface per client IP. On a
// loopback-only listener this mainly protects against a runaway UI
// polling loop rather than abuse from the network.
type ipRateLimiter struct {
	limiters sync.Map
	rate     rate.Limit
	burst    int
	log      *logger.Logger
}

func newIPRateLimiter(r rate.Limit, burst int, log *logger.Logger) *ipRateLimiter {
	return &ipRateLimiter{rate: r, burst: burst, log: log}
}

func (i *ipRateLimiter) getLimiter(ip string) *rate.Limiter {
	limiter, exists := i.limiters.Load(ip)
	if !exists {
		newLimiter := rate.NewLimiter(i.rate, i.burst)
		i.limiters.Store(ip, newLimiter)
		return newLimiter
	}
	return limiter.(*rate.Limiter)
}

func (i *ipRateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !i.getLimiter(c.ClientIP()).Allow() {
			i.log.Warn("rate limit exceeded", "ip", c.ClientIP(), "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// writeError maps an engine error to the HTTP status and body the UI's
// compact alert line expects (spec §7).
func writeError(c *gin.Context, err error) {
	if engErr, ok := err.(*engineerr.Error); ok {
		c.JSON(engErr.HTTPStatus(), gin.H{"error": engErr.Message, "kind": int(engErr.Kind), "reason": engErr.Reason})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
