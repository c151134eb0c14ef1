package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/quizrace/quiz"
)

func TestManagerSpawnIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	m := NewManager(h.orch, h.records, nil)
	defer func() { _ = m.Shutdown(context.Background()) }()

	if !m.Spawn(h.session.ID, time.Now()) {
		t.Fatal("first Spawn should start the session")
	}
	if m.Spawn(h.session.ID, time.Now()) {
		t.Fatal("second Spawn should be a no-op")
	}
	if got := m.Active(); got != 1 {
		t.Fatalf("Active = %d, want 1", got)
	}

	m.Cancel(h.session.ID)
	if got := m.Active(); got != 0 {
		t.Fatalf("Active after Cancel = %d, want 0", got)
	}
	sess, _ := h.records.GetSession(context.Background(), h.session.ID)
	if sess.Status != quiz.StatusCreated {
		t.Fatalf("Cancel must not flush: status = %s", sess.Status)
	}
}

func TestManagerForgetsEndedSessions(t *testing.T) {
	h := newHarness(t, testConfig())
	m := NewManager(h.orch, h.records, nil)
	defer func() { _ = m.Shutdown(context.Background()) }()

	m.Spawn(h.session.ID, time.Now().Add(-time.Hour))
	done := m.Done(h.session.ID)
	if done == nil {
		t.Fatal("Done returned nil for a running session")
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out session did not exit")
	}
	deadline := time.Now().Add(time.Second)
	for m.Active() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.Active(); got != 0 {
		t.Fatalf("Active = %d, want 0", got)
	}
}

func TestManagerResume(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	ended, _ := h.records.CreateSession(ctx, "mod", "r1", "ended")
	_ = h.records.Finish(ctx, ended.ID, quiz.Result{})

	m := NewManager(h.orch, h.records, nil)
	n, err := m.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n != 1 {
		t.Fatalf("Resume spawned %d sessions, want 1", n)
	}
	if m.Done(h.session.ID) == nil {
		t.Fatal("active session was not resumed")
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if m.Spawn(h.session.ID, time.Now()) {
		t.Fatal("Spawn after Shutdown should be refused")
	}
}
