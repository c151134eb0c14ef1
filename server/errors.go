package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ggoodman/quizrace/orchestrator"
	"github.com/ggoodman/quizrace/records"
)

// fail maps domain errors onto HTTP statuses. Unknown errors are logged and
// reported with a generic message.
func (s *server) fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, records.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, records.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid status transition"})
	default:
		s.log.ErrorContext(c.Request.Context(), "http.error", slog.String("err", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

var _ Sessions = (*orchestrator.Controller)(nil)
