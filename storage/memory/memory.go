// Package memory provides an in-memory implementation of storage.Store,
// suitable for single-node deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/storage"
)

// Storage implements the storage.Store interface with plain maps.
type Storage struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	// expiring holds the ids of sessions with a TTL.
	expiring map[string]struct{}
	now      func() time.Time
}

type sessionState struct {
	settings  *quiz.Settings
	questions []quiz.QuestionView
	clients   map[string]struct{}
	results   map[string]quiz.PlayerState
	ranking   []string
	expiresAt *time.Time
}

// New creates a new in-memory storage implementation
func New() *Storage {
	return &Storage{
		sessions: make(map[string]*sessionState),
		expiring: make(map[string]struct{}),
		now:      time.Now,
	}
}

// state returns the live state of a session, creating it when create is
// true. Expired sessions are reclaimed first. Callers must hold s.mu.
func (s *Storage) state(sessionID string, create bool) *sessionState {
	s.sweep()
	st, ok := s.sessions[sessionID]
	if !ok {
		if !create {
			return nil
		}
		st = &sessionState{
			clients: make(map[string]struct{}),
			results: make(map[string]quiz.PlayerState),
		}
		s.sessions[sessionID] = st
	}
	return st
}

// sweep deletes every session whose TTL elapsed. Callers must hold s.mu.
func (s *Storage) sweep() {
	now := s.now()
	for id := range s.expiring {
		st, ok := s.sessions[id]
		if !ok || st.expiresAt == nil {
			delete(s.expiring, id)
			continue
		}
		if !now.Before(*st.expiresAt) {
			delete(s.sessions, id)
			delete(s.expiring, id)
		}
	}
}

func (s *Storage) SetSettings(ctx context.Context, sessionID string, settings quiz.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := settings
	s.state(sessionID, true).settings = &cp
	return nil
}

func (s *Storage) GetSettings(ctx context.Context, sessionID string) (*quiz.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(sessionID, false)
	if st == nil || st.settings == nil {
		return nil, nil
	}
	cp := *st.settings
	return &cp, nil
}

func (s *Storage) SetStatus(ctx context.Context, sessionID string, status quiz.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(sessionID, true)
	if st.settings == nil {
		st.settings = &quiz.Settings{}
	}
	st.settings.Status = status
	return nil
}

func (s *Storage) SetQuestions(ctx context.Context, sessionID string, qs []quiz.QuestionView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sessionID, true).questions = append([]quiz.QuestionView(nil), qs...)
	return nil
}

func (s *Storage) GetQuestions(ctx context.Context, sessionID string) ([]quiz.QuestionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []quiz.QuestionView{}
	if st := s.state(sessionID, false); st != nil {
		out = append(out, st.questions...)
	}
	return out, nil
}

func (s *Storage) AddClient(ctx context.Context, sessionID, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sessionID, true).clients[uid] = struct{}{}
	return nil
}

func (s *Storage) RemoveClient(ctx context.Context, sessionID, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.state(sessionID, false); st != nil {
		delete(st.clients, uid)
	}
	return nil
}

func (s *Storage) ListClients(ctx context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	if st := s.state(sessionID, false); st != nil {
		for uid := range st.clients {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Storage) PutResult(ctx context.Context, sessionID string, p quiz.PlayerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sessionID, true).results[p.UID] = p
	return nil
}

func (s *Storage) PutResults(ctx context.Context, sessionID string, results map[string]quiz.PlayerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(sessionID, true)
	for uid, p := range results {
		st.results[uid] = p
	}
	return nil
}

func (s *Storage) GetResults(ctx context.Context, sessionID string) (map[string]quiz.PlayerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]quiz.PlayerState)
	if st := s.state(sessionID, false); st != nil {
		for uid, p := range st.results {
			out[uid] = p
		}
	}
	return out, nil
}

func (s *Storage) SetRanking(ctx context.Context, sessionID string, ranking []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sessionID, true).ranking = append([]string(nil), ranking...)
	return nil
}

func (s *Storage) GetRanking(ctx context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	if st := s.state(sessionID, false); st != nil {
		out = append(out, st.ranking...)
	}
	return out, nil
}

func (s *Storage) Expire(ctx context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(sessionID, false)
	if st == nil {
		return nil
	}
	at := s.now().Add(ttl)
	st.expiresAt = &at
	s.expiring[sessionID] = struct{}{}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Storage) Close() error { return nil }

// Compile-time interface check
var _ storage.Store = (*Storage)(nil)
