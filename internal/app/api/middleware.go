package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hickar/sendrecv/internal/pkg/logger"
)

// APIKeyMiddleware rejects requests not carrying valid key in header.
func APIKeyMiddleware(header, key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimSpace(c.GetHeader(header))
		switch {
		case got == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			return
		case got != key:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs every request once it is served. Request context
// carries method and path for handlers logging on their own.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := logger.WithAttrs(c.Request.Context(),
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		log.Log(ctx, level, "request served",
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}
