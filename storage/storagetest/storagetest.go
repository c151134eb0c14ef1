// Package storagetest holds the conformance suite every storage.Store
// implementation is expected to pass.
package storagetest

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/storage"
)

// StoreFactory creates a new Store instance for testing.
type StoreFactory func(t *testing.T) storage.Store

var seq atomic.Int64

func sessionID(name string) string {
	return fmt.Sprintf("storagetest-%s-%d-%d", name, time.Now().UnixNano(), seq.Add(1))
}

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Settings", func(t *testing.T) { testSettings(t, factory) })
	t.Run("Questions", func(t *testing.T) { testQuestions(t, factory) })
	t.Run("ClientSet", func(t *testing.T) { testClientSet(t, factory) })
	t.Run("Results", func(t *testing.T) { testResults(t, factory) })
	t.Run("Ranking", func(t *testing.T) { testRanking(t, factory) })
	t.Run("EmptySession", func(t *testing.T) { testEmptySession(t, factory) })
	t.Run("SessionIsolation", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("Snapshot", func(t *testing.T) { testSnapshot(t, factory) })
	t.Run("Expire", func(t *testing.T) { testExpire(t, factory) })
}

func testSettings(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	id := sessionID("settings")

	want := quiz.Settings{Status: quiz.StatusCreated, BonusTime: 1.5, PenaltyTime: 3, SessionName: "Friday"}
	if err := s.SetSettings(ctx, id, want); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}
	got, err := s.GetSettings(ctx, id)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got == nil || *got != want {
		t.Fatalf("GetSettings = %+v, want %+v", got, want)
	}

	if err := s.SetStatus(ctx, id, quiz.StatusStarted); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, err = s.GetSettings(ctx, id)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	want.Status = quiz.StatusStarted
	if *got != want {
		t.Fatalf("after SetStatus got %+v, want %+v", got, want)
	}
}

func testQuestions(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	id := sessionID("questions")

	qs := []quiz.QuestionView{
		{ID: "q1", Prompt: []string{"first"}, Type: quiz.QuestionMultipleChoice, Choices: []quiz.Choice{{Choice: "a"}}},
		{ID: "q2", Prompt: []string{"second", "blank"}, Type: quiz.QuestionFillInBlank},
	}
	if err := s.SetQuestions(ctx, id, qs); err != nil {
		t.Fatalf("SetQuestions: %v", err)
	}
	got, err := s.GetQuestions(ctx, id)
	if err != nil {
		t.Fatalf("GetQuestions: %v", err)
	}
	if !reflect.DeepEqual(got, qs) {
		t.Fatalf("GetQuestions = %+v, want %+v", got, qs)
	}
}

func testClientSet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	id := sessionID("clients")

	for _, uid := range []string{"c", "a", "b", "a"} {
		if err := s.AddClient(ctx, id, uid); err != nil {
			t.Fatalf("AddClient: %v", err)
		}
	}
	if err := s.RemoveClient(ctx, id, "b"); err != nil {
		t.Fatalf("RemoveClient: %v", err)
	}
	if err := s.RemoveClient(ctx, id, "missing"); err != nil {
		t.Fatalf("RemoveClient of absent uid: %v", err)
	}
	got, err := s.ListClients(ctx, id)
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if want := []string{"a", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ListClients = %v, want %v", got, want)
	}
}

func testResults(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	id := sessionID("results")

	if err := s.PutResult(ctx, id, quiz.PlayerState{UID: "a", Name: "A", Point: 1, Time: 2}); err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	err := s.PutResults(ctx, id, map[string]quiz.PlayerState{
		"a": {UID: "a", Name: "A", Point: 5, Time: 3},
		"b": {UID: "b", Name: "B", Point: 2, Time: 1.25},
	})
	if err != nil {
		t.Fatalf("PutResults: %v", err)
	}
	got, err := s.GetResults(ctx, id)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	want := map[string]quiz.PlayerState{
		"a": {UID: "a", Name: "A", Point: 5, Time: 3},
		"b": {UID: "b", Name: "B", Point: 2, Time: 1.25},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetResults = %+v, want %+v", got, want)
	}
}

func testRanking(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	id := sessionID("ranking")

	if err := s.SetRanking(ctx, id, []string{"b", "a"}); err != nil {
		t.Fatalf("SetRanking: %v", err)
	}
	got, err := s.GetRanking(ctx, id)
	if err != nil {
		t.Fatalf("GetRanking: %v", err)
	}
	if want := []string{"b", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("GetRanking = %v, want %v", got, want)
	}
}

func testEmptySession(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	id := sessionID("empty")

	settings, err := s.GetSettings(ctx, id)
	if err != nil || settings != nil {
		t.Fatalf("GetSettings on empty session = %+v, %v", settings, err)
	}
	qs, err := s.GetQuestions(ctx, id)
	if err != nil || qs == nil || len(qs) != 0 {
		t.Fatalf("GetQuestions on empty session = %v, %v", qs, err)
	}
	clients, err := s.ListClients(ctx, id)
	if err != nil || clients == nil || len(clients) != 0 {
		t.Fatalf("ListClients on empty session = %v, %v", clients, err)
	}
	results, err := s.GetResults(ctx, id)
	if err != nil || results == nil || len(results) != 0 {
		t.Fatalf("GetResults on empty session = %v, %v", results, err)
	}
	ranking, err := s.GetRanking(ctx, id)
	if err != nil || ranking == nil || len(ranking) != 0 {
		t.Fatalf("GetRanking on empty session = %v, %v", ranking, err)
	}
}

func testIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	idA, idB := sessionID("iso-a"), sessionID("iso-b")

	if err := s.AddClient(ctx, idA, "x"); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if err := s.PutResult(ctx, idA, quiz.PlayerState{UID: "x"}); err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	clients, _ := s.ListClients(ctx, idB)
	results, _ := s.GetResults(ctx, idB)
	if len(clients) != 0 || len(results) != 0 {
		t.Fatalf("session B observed session A state: %v %v", clients, results)
	}
}

func testSnapshot(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	id := sessionID("snapshot")

	snap, err := storage.LoadSnapshot(ctx, s, id)
	if err != nil || snap != nil {
		t.Fatalf("snapshot of unknown session = %+v, %v", snap, err)
	}

	_ = s.SetSettings(ctx, id, quiz.Settings{Status: quiz.StatusStarted, SessionName: "snap"})
	_ = s.AddClient(ctx, id, "a")
	_ = s.PutResult(ctx, id, quiz.PlayerState{UID: "a", Point: 3})
	_ = s.SetRanking(ctx, id, []string{"a"})

	snap, err = storage.LoadSnapshot(ctx, s, id)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap == nil || snap.Status != quiz.StatusStarted || snap.SessionName != "snap" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !reflect.DeepEqual(snap.ClientList, []string{"a"}) || !reflect.DeepEqual(snap.Ranking, []string{"a"}) {
		t.Fatalf("unexpected snapshot lists %+v", snap)
	}
	if snap.ClientData["a"].Point != 3 {
		t.Fatalf("unexpected snapshot data %+v", snap.ClientData)
	}

	_ = s.SetStatus(ctx, id, quiz.StatusEnded)
	snap, err = storage.LoadSnapshot(ctx, s, id)
	if err != nil || snap != nil {
		t.Fatalf("snapshot of ended session = %+v, %v", snap, err)
	}
}

func testExpire(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	id := sessionID("expire")

	_ = s.SetSettings(ctx, id, quiz.Settings{Status: quiz.StatusEnded})
	_ = s.PutResult(ctx, id, quiz.PlayerState{UID: "a"})
	if err := s.Expire(ctx, id, time.Second); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if err := s.Expire(ctx, sessionID("expire-unknown"), time.Second); err != nil {
		t.Fatalf("Expire of unknown session: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		settings, err := s.GetSettings(ctx, id)
		if err != nil {
			t.Fatalf("GetSettings: %v", err)
		}
		if settings == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("session keys did not expire")
}
