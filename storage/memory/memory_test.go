package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/storage"
	"github.com/ggoodman/quizrace/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.RunStoreTests(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestExpireUsesClock(t *testing.T) {
	s := New()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.SetSettings(ctx, "s1", quiz.Settings{Status: quiz.StatusEnded})
	_ = s.AddClient(ctx, "s1", "a")
	if err := s.Expire(ctx, "s1", time.Minute); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	now = now.Add(59 * time.Second)
	if got, _ := s.GetSettings(ctx, "s1"); got == nil {
		t.Fatal("settings vanished before ttl elapsed")
	}

	now = now.Add(time.Second)
	if got, _ := s.GetSettings(ctx, "s1"); got != nil {
		t.Fatalf("settings survived ttl: %+v", got)
	}
	if clients, _ := s.ListClients(ctx, "s1"); len(clients) != 0 {
		t.Fatalf("clients survived ttl: %v", clients)
	}

	// Writing after expiry starts from a clean slate.
	_ = s.AddClient(ctx, "s1", "b")
	if clients, _ := s.ListClients(ctx, "s1"); len(clients) != 1 || clients[0] != "b" {
		t.Fatalf("unexpected clients after rewrite: %v", clients)
	}
	if got, _ := s.GetSettings(ctx, "s1"); got != nil {
		t.Fatalf("stale settings after rewrite: %+v", got)
	}
}

func TestReturnedCollectionsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.SetRanking(ctx, "s1", []string{"a", "b"})
	r, _ := s.GetRanking(ctx, "s1")
	r[0] = "z"
	if again, _ := s.GetRanking(ctx, "s1"); again[0] != "a" {
		t.Fatalf("ranking mutated through returned slice: %v", again)
	}

	_ = s.PutResult(ctx, "s1", quiz.PlayerState{UID: "a", Point: 1})
	res, _ := s.GetResults(ctx, "s1")
	res["a"] = quiz.PlayerState{UID: "a", Point: 99}
	if again, _ := s.GetResults(ctx, "s1"); again["a"].Point != 1 {
		t.Fatalf("results mutated through returned map: %v", again)
	}
}

func TestExpiredStateIsReclaimed(t *testing.T) {
	s := New()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.SetQuestions(ctx, "ended", []quiz.QuestionView{{ID: "q1"}})
	_ = s.PutResult(ctx, "ended", quiz.PlayerState{UID: "a", Point: 3})
	if err := s.Expire(ctx, "ended", time.Minute); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	_ = s.AddClient(ctx, "other", "b")

	now = now.Add(time.Hour)
	if qs, _ := s.GetQuestions(ctx, "ended"); len(qs) != 0 {
		t.Fatalf("questions survived ttl: %v", qs)
	}
	if len(s.sessions) != 1 || len(s.expiring) != 0 {
		t.Fatalf("expired state not reclaimed: %d sessions, %d expiring", len(s.sessions), len(s.expiring))
	}
	if _, ok := s.sessions["other"]; !ok {
		t.Fatal("session without ttl was reclaimed")
	}
}

func TestWriteSweepsOtherExpiredSessions(t *testing.T) {
	s := New()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		_ = s.SetSettings(ctx, id, quiz.Settings{Status: quiz.StatusEnded})
		_ = s.Expire(ctx, id, time.Minute)
	}
	now = now.Add(2 * time.Minute)
	_ = s.SetSettings(ctx, "fresh", quiz.Settings{Status: quiz.StatusCreated})

	if len(s.sessions) != 1 {
		t.Fatalf("len(sessions) = %d after sweep, want 1", len(s.sessions))
	}
}
