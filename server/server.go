// Package server exposes the moderator REST API and the WebSocket routes
// over a gin router.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ggoodman/quizrace/gateway"
	"github.com/ggoodman/quizrace/internal/jwtauth"
	"github.com/ggoodman/quizrace/internal/logctx"
	"github.com/ggoodman/quizrace/quiz"
)

const (
	PathHealth = "/health"
	PathReady  = "/ready"
)

// Sessions carries out the moderator actions of the REST API.
type Sessions interface {
	Create(ctx context.Context, userID, raceID, name string) (*quiz.Session, error)
	Get(ctx context.Context, userID, sessionID string) (*quiz.Session, error)
	Start(ctx context.Context, userID, sessionID string) error
	End(ctx context.Context, userID, sessionID string) error
}

// ReadyCheck is a named dependency probe run by GET /ready.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config wires the router's collaborators.
type Config struct {
	Sessions Sessions
	Gateway  *gateway.Gateway
	Auth     jwtauth.Authenticator
	Checks   []ReadyCheck
	Logger   *slog.Logger

	// ReadyTimeout bounds each readiness probe. Defaults to 2s.
	ReadyTimeout time.Duration
}

type server struct {
	sessions     Sessions
	gateway      *gateway.Gateway
	auth         jwtauth.Authenticator
	checks       []ReadyCheck
	log          *slog.Logger
	readyTimeout time.Duration
}

// New builds the HTTP router.
func New(cfg Config) (http.Handler, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("server: Sessions is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("server: Gateway is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: Auth is required")
	}
	s := &server{
		sessions:     cfg.Sessions,
		gateway:      cfg.Gateway,
		auth:         cfg.Auth,
		checks:       cfg.Checks,
		log:          cfg.Logger,
		readyTimeout: cfg.ReadyTimeout,
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if s.readyTimeout <= 0 {
		s.readyTimeout = 2 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestContext)

	r.GET(PathHealth, s.health)
	r.GET(PathReady, s.ready)

	api := r.Group("/api/v1")
	{
		sessions := api.Group("/sessions", s.authenticate)
		sessions.POST("", s.createSession)
		sessions.GET("/:id", s.getSession)

		session := api.Group("/session")
		session.PUT("/start/:id", s.authenticate, s.startSession)
		session.PUT("/end/:id", s.authenticate, s.endSession)

		// WebSocket routes are public: guests are anonymous.
		session.GET("/ws_user/:id", s.serveViewer)
		session.GET("/ws_guest/:id/:client_id", s.serveGuest)
	}

	return r, nil
}

func (s *server) requestContext(c *gin.Context) {
	reqID := c.GetHeader("X-Request-Id")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	c.Header("X-Request-Id", reqID)
	ctx := logctx.WithRequestData(c.Request.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     c.Request.Method,
		UserAgent:  c.Request.UserAgent(),
		RemoteAddr: c.ClientIP(),
		Path:       c.FullPath(),
	})
	c.Request = c.Request.WithContext(ctx)

	start := time.Now()
	c.Next()
	s.log.DebugContext(ctx, "http.request",
		slog.Int("status", c.Writer.Status()),
		slog.Duration("elapsed", time.Since(start)),
	)
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "quizrace",
		"time":    time.Now().Unix(),
	})
}

func (s *server) ready(c *gin.Context) {
	failed := gin.H{}
	for _, chk := range s.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.readyTimeout)
		err := chk.Check(ctx)
		cancel()
		if err != nil {
			s.log.WarnContext(c.Request.Context(), "http.ready.fail", slog.String("check", chk.Name), slog.String("err", err.Error()))
			failed[chk.Name] = "unavailable"
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type createSessionRequest struct {
	RaceID string `json:"race_id" binding:"required"`
	Name   string `json:"name" binding:"required"`
}

func (s *server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": "name is required"})
		return
	}
	sess, err := s.sessions.Create(c.Request.Context(), userID(c), req.RaceID, req.Name)
	if err != nil {
		s.fail(c, err, "failed to create session")
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *server) getSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get session")
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *server) startSession(c *gin.Context) {
	if err := s.sessions.Start(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		s.fail(c, err, "failed to start session")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "status": quiz.StatusStarted})
}

func (s *server) endSession(c *gin.Context) {
	if err := s.sessions.End(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		s.fail(c, err, "failed to end session")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "status": quiz.StatusEnded})
}

func (s *server) serveViewer(c *gin.Context) {
	s.gateway.ServeViewer(c.Writer, c.Request, c.Param("id"))
}

func (s *server) serveGuest(c *gin.Context) {
	s.gateway.ServeGuest(c.Writer, c.Request, c.Param("id"), c.Param("client_id"))
}
