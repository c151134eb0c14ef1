package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/quizrace/records"
)

// Manager owns the background goroutines running session orchestrators.
// At most one orchestrator runs per session id within a Manager.
type Manager struct {
	orch    *Orchestrator
	records records.Store
	log     *slog.Logger

	mu      sync.Mutex
	runs    map[string]*run
	closed  bool
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager spawning sessions on orch.
func NewManager(orch *Orchestrator, rec records.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		orch:    orch,
		records: rec,
		log:     logger,
		runs:    make(map[string]*run),
		baseCtx: ctx,
		stop:    cancel,
	}
}

// Spawn starts the orchestrator of a session in the background. It reports
// false when the session already runs or the manager is shut down.
func (m *Manager) Spawn(sessionID string, startTime time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if _, ok := m.runs[sessionID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.runs[sessionID] = r
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer cancel()

		err := m.orch.Run(ctx, sessionID, startTime)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("manager.session.exit", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		}

		m.mu.Lock()
		if m.runs[sessionID] == r {
			delete(m.runs, sessionID)
		}
		m.mu.Unlock()
	}()
	return true
}

// Cancel stops a running session without flushing it.
func (m *Manager) Cancel(sessionID string) {
	m.mu.Lock()
	r, ok := m.runs[sessionID]
	m.mu.Unlock()
	if ok {
		r.cancel()
		<-r.done
	}
}

// Done returns a channel closed when the session's orchestrator exits, or
// nil when the session is not running.
func (m *Manager) Done(sessionID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[sessionID]; ok {
		return r.done
	}
	return nil
}

// Active returns the number of running orchestrators.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Resume spawns an orchestrator for every durable session that has not
// ended, using the session's creation time as its start time so that the
// timeouts keep counting across restarts.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	sessions, err := m.records.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}
	n := 0
	for _, sess := range sessions {
		if m.Spawn(sess.ID, sess.CreatedAt) {
			n++
		}
	}
	m.log.InfoContext(ctx, "manager.resume", slog.Int("sessions", n))
	return n, nil
}

// Shutdown cancels every running orchestrator and waits for them to exit
// or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
