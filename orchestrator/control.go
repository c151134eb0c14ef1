package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/quizrace/bus"
	"github.com/ggoodman/quizrace/event"
	"github.com/ggoodman/quizrace/internal/logctx"
	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/records"
)

// ErrInvalidTransition is returned when a moderator requests a status that
// is not a forward move from the session's current status.
var ErrInvalidTransition = errors.New("orchestrator: invalid status transition")

// Spawner starts the orchestrator of a newly created session.
type Spawner interface {
	Spawn(sessionID string, startTime time.Time) bool
}

// Controller carries out moderator actions. It never writes session state
// itself: status changes are requested over the bus and applied by the
// session's orchestrator.
type Controller struct {
	bus     bus.Bus
	records records.Store
	spawner Spawner
	log     *slog.Logger
}

// NewController creates a Controller. spawner may be nil when sessions are
// started elsewhere.
func NewController(b bus.Bus, rec records.Store, spawner Spawner, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{bus: b, records: rec, spawner: spawner, log: logger}
}

// Create records a new session of raceID owned by userID and starts its
// orchestrator.
func (c *Controller) Create(ctx context.Context, userID, raceID, name string) (*quiz.Session, error) {
	sess, err := c.records.CreateSession(ctx, userID, raceID, name)
	if err != nil {
		return nil, err
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, UserID: userID})
	if c.spawner != nil {
		c.spawner.Spawn(sess.ID, sess.CreatedAt)
	}
	c.log.InfoContext(ctx, "session.create", slog.String("race_id", raceID))
	return sess, nil
}

// Get returns a session owned by userID.
func (c *Controller) Get(ctx context.Context, userID, sessionID string) (*quiz.Session, error) {
	sess, err := c.records.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != userID {
		return nil, fmt.Errorf("session %s: %w", sessionID, records.ErrNotFound)
	}
	return sess, nil
}

// Start asks the session's orchestrator to move to STARTED.
func (c *Controller) Start(ctx context.Context, userID, sessionID string) error {
	return c.transition(ctx, userID, sessionID, quiz.StatusStarted)
}

// End asks the session's orchestrator to end the session.
func (c *Controller) End(ctx context.Context, userID, sessionID string) error {
	return c.transition(ctx, userID, sessionID, quiz.StatusEnded)
}

func (c *Controller) transition(ctx context.Context, userID, sessionID string, to quiz.Status) error {
	sess, err := c.Get(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if !quiz.CanTransition(sess.Status, to) {
		return fmt.Errorf("%s -> %s: %w", sess.Status, to, ErrInvalidTransition)
	}
	if err := bus.PublishEvent(ctx, c.bus, sessionID, event.StatusUpdate{Status: to}); err != nil {
		return fmt.Errorf("publishing status update: %w", err)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, UserID: userID})
	c.log.InfoContext(ctx, "session.transition.request", slog.String("to", string(to)))
	return nil
}
