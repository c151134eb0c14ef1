package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ggoodman/quizrace/internal/logctx"
)

const userIDKey = "quizrace.user_id"

// authenticate requires a valid bearer token and stores its subject on the
// gin context.
func (s *server) authenticate(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	scheme, tok, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tok) == "" {
		c.Header("WWW-Authenticate", `Bearer realm="quizrace"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	info, err := s.auth.CheckAuthentication(c.Request.Context(), strings.TrimSpace(tok))
	if err != nil {
		s.log.DebugContext(c.Request.Context(), "http.auth.fail", slog.String("err", err.Error()))
		c.Header("WWW-Authenticate", `Bearer realm="quizrace", error="invalid_token"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDKey, info.UserID())
	ctx := logctx.WithSessionData(c.Request.Context(), &logctx.SessionData{
		SessionID: c.Param("id"),
		UserID:    info.UserID(),
	})
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

func userID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
