package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/records"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.PutLibrary(records.Library{ID: "lib1", OwnerID: "u1", Name: "basics"})
	s.PutRace(quiz.Race{ID: "r1", OwnerID: "u1", Name: "race", LibraryID: "lib1", BonusTime: 2, PenaltyTime: 5})
	for _, id := range []string{"q1", "q2"} {
		if err := s.PutQuestion(quiz.Question{ID: id, LibraryID: "lib1", Prompt: []string{id}, Answer: []string{"x"}}); err != nil {
			t.Fatalf("PutQuestion: %v", err)
		}
	}
	return s
}

func TestCreateSession(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "u1", "r1", "friday")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" || sess.Status != quiz.StatusCreated || sess.OwnerID != "u1" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.Result.Results == nil || sess.Result.Ranking == nil {
		t.Fatalf("new session result should be empty but non-nil: %+v", sess.Result)
	}

	if _, err := s.CreateSession(ctx, "u1", "r1", "friday"); !errors.Is(err, records.ErrConflict) {
		t.Fatalf("duplicate name: expected ErrConflict, got %v", err)
	}
	if _, err := s.CreateSession(ctx, "u2", "r1", "other"); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("foreign race: expected ErrNotFound, got %v", err)
	}
	if _, err := s.CreateSession(ctx, "u1", "missing", "x"); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("missing race: expected ErrNotFound, got %v", err)
	}
}

func TestSetStatusIsMonotonic(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "u1", "r1", "mono")

	steps := []struct {
		to   quiz.Status
		want quiz.Status
	}{
		{quiz.StatusStarted, quiz.StatusStarted},
		{quiz.StatusCreated, quiz.StatusStarted},
		{quiz.StatusEnded, quiz.StatusEnded},
		{quiz.StatusStarted, quiz.StatusEnded},
	}
	for _, step := range steps {
		if err := s.SetStatus(ctx, sess.ID, step.to); err != nil {
			t.Fatalf("SetStatus(%s): %v", step.to, err)
		}
		got, _ := s.GetSession(ctx, sess.ID)
		if got.Status != step.want {
			t.Fatalf("after SetStatus(%s) status = %s, want %s", step.to, got.Status, step.want)
		}
	}

	if err := s.SetStatus(ctx, "missing", quiz.StatusStarted); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "u1", "r1", "fin")

	result := quiz.Result{
		Results: map[string]quiz.PlayerState{"a": {UID: "a", Point: 3}},
		Ranking: []string{"a"},
	}
	for i := 0; i < 2; i++ {
		if err := s.Finish(ctx, sess.ID, result); err != nil {
			t.Fatalf("Finish #%d: %v", i, err)
		}
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != quiz.StatusEnded || got.Result.Ranking[0] != "a" || got.Result.Results["a"].Point != 3 {
		t.Fatalf("unexpected finished session %+v", got)
	}

	result.Results["a"] = quiz.PlayerState{UID: "a", Point: 99}
	got, _ = s.GetSession(ctx, sess.ID)
	if got.Result.Results["a"].Point != 3 {
		t.Fatal("stored result aliases caller map")
	}
}

func TestListQuestions(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	qs, err := s.ListQuestions(ctx, "lib1")
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(qs) != 2 || qs[0].ID != "q1" || qs[1].ID != "q2" {
		t.Fatalf("unexpected questions %+v", qs)
	}

	if _, err := s.ListQuestions(ctx, "missing"); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	s.PutLibrary(records.Library{ID: "empty"})
	qs, err = s.ListQuestions(ctx, "empty")
	if err != nil || len(qs) != 0 {
		t.Fatalf("empty library = %v, %v", qs, err)
	}
	if err := s.PutQuestion(quiz.Question{ID: "q", LibraryID: "nope"}); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("PutQuestion into missing library: %v", err)
	}
}

func TestListActiveSessions(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	base := time.Unix(1000, 0)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, _ := s.CreateSession(ctx, "u1", "r1", "first")
	second, _ := s.CreateSession(ctx, "u1", "r1", "second")
	done, _ := s.CreateSession(ctx, "u1", "r1", "done")
	_ = s.Finish(ctx, done.ID, quiz.Result{})

	active, err := s.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ListActiveSessions: %v", err)
	}
	if len(active) != 2 || active[0].ID != first.ID || active[1].ID != second.ID {
		t.Fatalf("unexpected active sessions %+v", active)
	}
}
