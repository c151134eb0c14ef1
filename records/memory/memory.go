// Package memory provides an in-memory records.Store for tests and
// single-node demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/records"
	"github.com/google/uuid"
)

// Store implements records.Store with maps guarded by a single mutex.
type Store struct {
	mu        sync.RWMutex
	libraries map[string]records.Library
	questions map[string][]quiz.Question
	races     map[string]quiz.Race
	sessions  map[string]*quiz.Session
	now       func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		libraries: make(map[string]records.Library),
		questions: make(map[string][]quiz.Question),
		races:     make(map[string]quiz.Race),
		sessions:  make(map[string]*quiz.Session),
		now:       time.Now,
	}
}

// PutLibrary creates or replaces a library.
func (s *Store) PutLibrary(lib records.Library) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.libraries[lib.ID] = lib
}

// PutQuestion appends a question to its library's bank.
func (s *Store) PutQuestion(q quiz.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.libraries[q.LibraryID]; !ok {
		return fmt.Errorf("library %s: %w", q.LibraryID, records.ErrNotFound)
	}
	s.questions[q.LibraryID] = append(s.questions[q.LibraryID], q)
	return nil
}

// PutRace creates or replaces a race.
func (s *Store) PutRace(r quiz.Race) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.races[r.ID] = r
}

// PutSession stores a session as is, overwriting any existing one.
func (s *Store) PutSession(sess quiz.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sess
	s.sessions[sess.ID] = &cp
}

func (s *Store) CreateSession(ctx context.Context, ownerID, raceID, name string) (*quiz.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	race, ok := s.races[raceID]
	if !ok || race.OwnerID != ownerID {
		return nil, fmt.Errorf("race %s: %w", raceID, records.ErrNotFound)
	}
	for _, existing := range s.sessions {
		if existing.OwnerID == ownerID && existing.Name == name {
			return nil, fmt.Errorf("session name %q: %w", name, records.ErrConflict)
		}
	}

	now := s.now().UTC()
	sess := &quiz.Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		RaceID:    raceID,
		Name:      name,
		Status:    quiz.StatusCreated,
		Result:    records.NormalizeResult(quiz.Result{}),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*quiz.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, records.ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]quiz.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []quiz.Session{}
	for _, sess := range s.sessions {
		if sess.Status != quiz.StatusEnded {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetRace(ctx context.Context, id string) (*quiz.Race, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.races[id]
	if !ok {
		return nil, fmt.Errorf("race %s: %w", id, records.ErrNotFound)
	}
	return &r, nil
}

func (s *Store) ListQuestions(ctx context.Context, libraryID string) ([]quiz.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.libraries[libraryID]; !ok {
		return nil, fmt.Errorf("library %s: %w", libraryID, records.ErrNotFound)
	}
	return append([]quiz.Question{}, s.questions[libraryID]...), nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status quiz.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, records.ErrNotFound)
	}
	if !quiz.CanTransition(sess.Status, status) {
		return nil
	}
	sess.Status = status
	sess.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) Finish(ctx context.Context, id string, result quiz.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, records.ErrNotFound)
	}
	result = records.NormalizeResult(result)
	cp := quiz.Result{
		Results: make(map[string]quiz.PlayerState, len(result.Results)),
		Ranking: append([]string{}, result.Ranking...),
	}
	for uid, p := range result.Results {
		cp.Results[uid] = p
	}
	sess.Status = quiz.StatusEnded
	sess.Result = cp
	sess.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

var _ records.Store = (*Store)(nil)
