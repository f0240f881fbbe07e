package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"famshare/internal/auth"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500

	ctxKeyUserID = "famshare.user_id"

	msgMissingAuth  = "missing or invalid authorization header"
	msgInvalidToken = "invalid or expired token"
)

// TokenValidator checks bearer tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// ZerologLogger is a Gin middleware that logs requests using zerolog.
// Query strings are dropped so signed object URLs do not leak into logs.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		clientIP := c.ClientIP()
		ua := c.Request.UserAgent()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()

		evt := log.Info()
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		}
		if user := c.GetString(ctxKeyUserID); user != "" {
			evt = evt.Str("user_id", user)
		}

		evt.
			Int("status", status).
			Str("method", method).
			Str("path", path).
			Dur("latency", latency).
			Str("client_ip", clientIP).
			Int("bytes", size).
			Str("user_agent", ua).
			Msg("http request completed")
	}
}

// RequireBearer rejects requests without a valid bearer token and stores the
// caller's user id on the context.
func RequireBearer(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := auth.ParseBearer(c.GetHeader("Authorization"))
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, msgMissingAuth)
			return
		}
		claims, err := tokens.Validate(raw)
		if err != nil {
			log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("bearer token rejected")
			abortWithError(c, http.StatusUnauthorized, msgInvalidToken)
			return
		}
		c.Set(ctxKeyUserID, claims.UserID)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}
